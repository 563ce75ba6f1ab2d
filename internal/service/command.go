package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/richardliu001/order-analytics/internal/event"
	"github.com/richardliu001/order-analytics/internal/model"
	"github.com/richardliu001/order-analytics/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultCategory is attached to order lines whose product has no category.
const DefaultCategory = "Uncategorized"

var (
	ErrInvalidProduct    = errors.New("invalid product")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

type NewProduct struct {
	Name     string
	Category string
	Price    decimal.Decimal
	Stock    int64
}

// ProductPatch carries the fields to change; nil fields are kept.
type ProductPatch struct {
	Name     *string
	Category *string
	Price    *decimal.Decimal
	Stock    *int64
}

func (p ProductPatch) empty() bool {
	return p.Name == nil && p.Category == nil && p.Price == nil && p.Stock == nil
}

type OrderLine struct {
	ProductID int64
	Quantity  int64
}

// CommandService mutates the authoritative tables and writes the matching
// outbox record in the same transaction.
type CommandService struct {
	catalog *repo.CatalogRepository
	outbox  *repo.OutboxRepository
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewCommandService(catalog *repo.CatalogRepository, outbox *repo.OutboxRepository, logger *zap.SugaredLogger) *CommandService {
	return &CommandService{
		catalog: catalog,
		outbox:  outbox,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateProduct inserts the product and announces it with ProductCreated.
func (s *CommandService) CreateProduct(ctx context.Context, np NewProduct) (*model.Product, error) {
	if strings.TrimSpace(np.Name) == "" || strings.TrimSpace(np.Category) == "" {
		return nil, fmt.Errorf("%w: name and category are required", ErrInvalidProduct)
	}
	if np.Price.IsNegative() || np.Stock < 0 {
		return nil, fmt.Errorf("%w: price and stock must not be negative", ErrInvalidProduct)
	}
	p := &model.Product{Name: np.Name, Category: np.Category, Price: np.Price, Stock: np.Stock}
	err := s.catalog.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.catalog.CreateProduct(ctx, tx, p); err != nil {
			return err
		}
		ev := event.NewProductCreated(p.ID, p.Name, p.Category, p.Price, p.Stock, s.now())
		_, err := s.outbox.Insert(ctx, tx, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("product created", "product_id", p.ID)
	return p, nil
}

// UpdateProduct applies patch under a row lock. PriceChanged is emitted only
// when the price actually changes.
func (s *CommandService) UpdateProduct(ctx context.Context, id int64, patch ProductPatch) (*model.Product, error) {
	if patch.empty() {
		return nil, fmt.Errorf("%w: no fields to update", ErrInvalidProduct)
	}
	if (patch.Price != nil && patch.Price.IsNegative()) || (patch.Stock != nil && *patch.Stock < 0) {
		return nil, fmt.Errorf("%w: price and stock must not be negative", ErrInvalidProduct)
	}
	var out *model.Product
	err := s.catalog.DB(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.catalog.GetProductForUpdate(ctx, tx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrProductNotFound, id)
			}
			return err
		}
		oldPrice := p.Price
		if patch.Name != nil {
			p.Name = *patch.Name
		}
		if patch.Category != nil {
			p.Category = *patch.Category
		}
		if patch.Price != nil {
			p.Price = *patch.Price
		}
		if patch.Stock != nil {
			p.Stock = *patch.Stock
		}
		if err := s.catalog.UpdateProduct(ctx, tx, p, p.Version); err != nil {
			return err
		}
		p.Version++
		if !p.Price.Equal(oldPrice) {
			if _, err := s.outbox.Insert(ctx, tx, event.NewPriceChanged(p.ID, oldPrice, p.Price, s.now())); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateOrder checks and decrements stock for every line, stores the order at
// the products' current prices and emits OrderCreated.
func (s *CommandService) CreateOrder(ctx context.Context, customerID string, lines []OrderLine) (*model.Order, error) {
	if strings.TrimSpace(customerID) == "" || len(lines) == 0 {
		return nil, fmt.Errorf("%w: customer and at least one line are required", ErrInvalidOrder)
	}
	wanted := make(map[int64]int64, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
		}
		wanted[l.ProductID] += l.Quantity
	}
	// lock products in deterministic order
	ids := make([]int64, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var order *model.Order
	err := s.catalog.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.catalog.EnsureCustomer(ctx, tx, customerID); err != nil {
			return err
		}
		products := make(map[int64]*model.Product, len(ids))
		for _, id := range ids {
			p, err := s.catalog.GetProductForUpdate(ctx, tx, id)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("%w: %d", ErrProductNotFound, id)
				}
				return err
			}
			if p.Stock < wanted[id] {
				return fmt.Errorf("%w: product %d has %d, %d requested", ErrInsufficientStock, id, p.Stock, wanted[id])
			}
			if err := s.catalog.DecrementStock(ctx, tx, id, wanted[id], p.Version); err != nil {
				return err
			}
			products[id] = p
		}

		now := s.now()
		o := &model.Order{CustomerID: customerID, Status: model.OrderStatusCreated, CreatedAt: now}
		items := make([]event.LineItem, 0, len(lines))
		total := decimal.Zero
		for _, l := range lines {
			p := products[l.ProductID]
			category := p.Category
			if category == "" {
				category = DefaultCategory
			}
			li := event.LineItem{ProductID: p.ID, Quantity: l.Quantity, Price: p.Price, Category: category}
			items = append(items, li)
			total = total.Add(li.Revenue())
			o.Items = append(o.Items, model.OrderItem{ProductID: p.ID, Quantity: l.Quantity, Price: p.Price})
		}
		o.Total = total
		if err := s.catalog.CreateOrder(ctx, tx, o); err != nil {
			return err
		}
		if _, err := s.outbox.Insert(ctx, tx, event.NewOrderCreated(o.ID, customerID, items, total, now)); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("order created", "order_id", order.ID, "customer_id", customerID, "total", order.Total.String())
	return order, nil
}
