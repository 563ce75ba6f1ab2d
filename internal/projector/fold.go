package projector

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/order-analytics/internal/event"
	"github.com/richardliu001/order-analytics/internal/model"
	"github.com/richardliu001/order-analytics/internal/repo"
	"github.com/shopspring/decimal"
)

func fold(ctx context.Context, w *repo.ViewWriter, ev event.Event, monotonic bool) error {
	switch e := ev.(type) {
	case *event.OrderCreated:
		return foldOrderCreated(ctx, w, e, monotonic)
	case *event.ProductCreated:
		return w.UpsertProduct(ctx, model.ProductReadModel{
			ProductID: e.ProductID,
			Name:      e.Name,
			Category:  e.Category,
			Price:     e.Price,
			Stock:     e.Stock,
			UpdatedAt: e.Timestamp,
		})
	case *event.PriceChanged:
		return w.SetProductPrice(ctx, e.ProductID, e.NewPrice, e.Timestamp)
	default:
		return fmt.Errorf("%w: %T", event.ErrUnknownType, ev)
	}
}

// foldOrderCreated touches the product row of every line item, the category row
// of every distinct category once, the customer row once and the hour bucket once.
func foldOrderCreated(ctx context.Context, w *repo.ViewWriter, e *event.OrderCreated, monotonic bool) error {
	var categories []string
	revenueByCategory := map[string]decimal.Decimal{}

	for _, it := range e.Items {
		rev := it.Revenue()
		if err := w.AddProductSale(ctx, it.ProductID, it.Quantity, rev); err != nil {
			return fmt.Errorf("product sales %d: %w", it.ProductID, err)
		}
		if it.Category == "" {
			continue
		}
		if _, ok := revenueByCategory[it.Category]; !ok {
			categories = append(categories, it.Category)
		}
		revenueByCategory[it.Category] = revenueByCategory[it.Category].Add(rev)
	}

	for _, c := range categories {
		if err := w.AddCategorySale(ctx, c, revenueByCategory[c]); err != nil {
			return fmt.Errorf("category metrics %q: %w", c, err)
		}
	}

	if err := w.AddCustomerOrder(ctx, string(e.CustomerID), e.Total, e.Timestamp, monotonic); err != nil {
		return fmt.Errorf("customer ltv %q: %w", e.CustomerID, err)
	}
	if err := w.AddHourlySale(ctx, HourBucket(e.Timestamp), e.Total); err != nil {
		return fmt.Errorf("hourly sales: %w", err)
	}
	return nil
}

// HourBucket truncates t to the start of its UTC hour.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
