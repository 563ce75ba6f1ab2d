package repo

import (
	"context"
	"time"

	"github.com/richardliu001/order-analytics/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CatalogRepository owns the authoritative write-side tables.
type CatalogRepository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewCatalogRepository constructs repo.
func NewCatalogRepository(db *gorm.DB, logger *zap.SugaredLogger) *CatalogRepository {
	return &CatalogRepository{db: db, log: logger}
}

// DB returns underlying *gorm.DB
func (r *CatalogRepository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateProduct inserts p and fills its id.
func (r *CatalogRepository) CreateProduct(ctx context.Context, tx *gorm.DB, p *model.Product) error {
	return tx.WithContext(ctx).Create(p).Error
}

func (r *CatalogRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	var p model.Product
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// GetProductForUpdate locks product row.
func (r *CatalogRepository) GetProductForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Product, error) {
	var p model.Product
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).Take(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// UpdateProduct writes name, category, price and stock with optimistic lock.
func (r *CatalogRepository) UpdateProduct(ctx context.Context, tx *gorm.DB, p *model.Product, oldVersion uint64) error {
	return r.versioned(ctx, tx, p.ID, oldVersion, map[string]interface{}{
		"name":     p.Name,
		"category": p.Category,
		"price":    p.Price,
		"stock":    p.Stock,
	})
}

// DecrementStock takes qty units off the product with optimistic lock.
func (r *CatalogRepository) DecrementStock(ctx context.Context, tx *gorm.DB, id, qty int64, oldVersion uint64) error {
	return r.versioned(ctx, tx, id, oldVersion, map[string]interface{}{
		"stock": gorm.Expr("stock - ?", qty),
	})
}

func (r *CatalogRepository) versioned(ctx context.Context, tx *gorm.DB, id int64, oldVersion uint64, set map[string]interface{}) error {
	set["version"] = oldVersion + 1
	set["updated_at"] = time.Now().UTC()
	res := tx.WithContext(ctx).
		Model(&model.Product{}).
		Where("id = ? AND version = ?", id, oldVersion).
		Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		r.log.Warnw("optimistic lock conflict", "product_id", id, "version", oldVersion)
		return ErrOptimisticLock
	}
	return nil
}

// EnsureCustomer creates the customer row if it does not exist yet.
func (r *CatalogRepository) EnsureCustomer(ctx context.Context, tx *gorm.DB, id string) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Customer{ID: id}).Error
}

// CreateOrder inserts the order with its items.
func (r *CatalogRepository) CreateOrder(ctx context.Context, tx *gorm.DB, o *model.Order) error {
	return tx.WithContext(ctx).Create(o).Error
}
