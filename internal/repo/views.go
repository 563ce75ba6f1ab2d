package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/order-analytics/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ViewWriter mutates the materialized views inside one projector transaction.
// Every aggregate update is a single INSERT ... ON CONFLICT DO UPDATE so that
// concurrent writers on the same key add up instead of overwriting each other.
type ViewWriter struct {
	tx *gorm.DB
}

func NewViewWriter(tx *gorm.DB) *ViewWriter { return &ViewWriter{tx: tx} }

func (w *ViewWriter) IsProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int64
	err := w.tx.WithContext(ctx).Model(&model.ProcessedEvent{}).Where("event_id = ?", id).Count(&n).Error
	return n > 0, err
}

// MarkProcessed inserts the ledger row. A concurrent insert of the same id fails
// on the primary key and rolls the whole transaction back.
func (w *ViewWriter) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return w.tx.WithContext(ctx).Create(&model.ProcessedEvent{EventID: id, ProcessedAt: at.UTC()}).Error
}

// add returns "table.col + excluded.col".
func add(table, col string) clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: col},
		Value:  gorm.Expr(table + "." + col + " + excluded." + col),
	}
}

// latest keeps the greater of the stored and incoming value of col.
func latest(table, col string) clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: col},
		Value: gorm.Expr("CASE WHEN " + table + "." + col + " IS NULL OR excluded." + col + " > " + table + "." + col +
			" THEN excluded." + col + " ELSE " + table + "." + col + " END"),
	}
}

// newerOrEqual assigns excluded.col only when excluded.guard is not older than the stored guard.
func newerOrEqual(table, col, guard string) clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: col},
		Value: gorm.Expr("CASE WHEN excluded." + guard + " >= " + table + "." + guard +
			" THEN excluded." + col + " ELSE " + table + "." + col + " END"),
	}
}

func overwrite(col string) clause.Assignment {
	return clause.Assignment{Column: clause.Column{Name: col}, Value: gorm.Expr("excluded." + col)}
}

// AddProductSale adds one line item to the product's sales row.
func (w *ViewWriter) AddProductSale(ctx context.Context, productID, qty int64, revenue decimal.Decimal) error {
	const t = "product_sales_view"
	return w.tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.Set{add(t, "total_quantity_sold"), add(t, "total_revenue"), add(t, "order_count")},
	}).Create(&model.ProductSales{
		ProductID:         productID,
		TotalQuantitySold: qty,
		TotalRevenue:      revenue,
		OrderCount:        1,
	}).Error
}

// AddCategorySale adds one order's revenue for the category.
func (w *ViewWriter) AddCategorySale(ctx context.Context, category string, revenue decimal.Decimal) error {
	const t = "category_metrics_view"
	return w.tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "category_name"}},
		DoUpdates: clause.Set{add(t, "total_revenue"), add(t, "total_orders")},
	}).Create(&model.CategoryMetrics{
		CategoryName: category,
		TotalRevenue: revenue,
		TotalOrders:  1,
	}).Error
}

// AddCustomerOrder adds one order to the customer's lifetime value. last_order_at is
// overwritten, or only moved forward when monotonic is set.
func (w *ViewWriter) AddCustomerOrder(ctx context.Context, customerID string, total decimal.Decimal, at time.Time, monotonic bool) error {
	const t = "customer_ltv_view"
	last := overwrite("last_order_at")
	if monotonic {
		last = latest(t, "last_order_at")
	}
	return w.tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}},
		DoUpdates: clause.Set{add(t, "total_spent"), add(t, "order_count"), last},
	}).Create(&model.CustomerLTV{
		CustomerID:  customerID,
		TotalSpent:  total,
		OrderCount:  1,
		LastOrderAt: at.UTC(),
	}).Error
}

// AddHourlySale adds one order to the bucket.
func (w *ViewWriter) AddHourlySale(ctx context.Context, bucket time.Time, total decimal.Decimal) error {
	const t = "hourly_sales_view"
	return w.tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hour_bucket"}},
		DoUpdates: clause.Set{add(t, "total_orders"), add(t, "total_revenue")},
	}).Create(&model.HourlySales{
		HourBucket:   bucket.UTC(),
		TotalOrders:  1,
		TotalRevenue: total,
	}).Error
}

// UpsertProduct overwrites the product's descriptive fields. The price is kept if
// the stored row was updated by a later event.
func (w *ViewWriter) UpsertProduct(ctx context.Context, p model.ProductReadModel) error {
	const t = "products_read_view"
	p.UpdatedAt = p.UpdatedAt.UTC()
	return w.tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.Set{
			overwrite("name"), overwrite("category"), overwrite("stock"),
			newerOrEqual(t, "price", "updated_at"),
			latest(t, "updated_at"),
		},
	}).Create(&p).Error
}

// SetProductPrice records a price change. Out-of-order older changes are ignored.
func (w *ViewWriter) SetProductPrice(ctx context.Context, productID int64, price decimal.Decimal, at time.Time) error {
	const t = "products_read_view"
	return w.tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.Set{newerOrEqual(t, "price", "updated_at"), latest(t, "updated_at")},
	}).Create(&model.ProductReadModel{
		ProductID: productID,
		Price:     price,
		UpdatedAt: at.UTC(),
	}).Error
}

// SetWatermark records the event time of the last applied event. With monotonic
// set the stored value never moves backwards.
func (w *ViewWriter) SetWatermark(ctx context.Context, at time.Time, monotonic bool) error {
	const t = "sync_status"
	set := overwrite("last_processed_event_timestamp")
	if monotonic {
		set = latest(t, "last_processed_event_timestamp")
	}
	at = at.UTC()
	return w.tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Set{set},
	}).Create(&model.SyncStatus{ID: model.SyncStatusID, LastProcessedEventAt: &at}).Error
}

// ViewReader serves point lookups against the views.
type ViewReader struct {
	db *gorm.DB
}

func NewViewReader(db *gorm.DB) *ViewReader { return &ViewReader{db: db} }

func (r *ViewReader) ProductSales(ctx context.Context, productID int64) (*model.ProductSales, error) {
	var v model.ProductSales
	if err := r.db.WithContext(ctx).Where("product_id = ?", productID).Take(&v).Error; err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

// CategoryMetrics matches the category name case-insensitively.
func (r *ViewReader) CategoryMetrics(ctx context.Context, category string) (*model.CategoryMetrics, error) {
	var v model.CategoryMetrics
	if err := r.db.WithContext(ctx).Where("LOWER(category_name) = LOWER(?)", category).Take(&v).Error; err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

func (r *ViewReader) CustomerLTV(ctx context.Context, customerID string) (*model.CustomerLTV, error) {
	var v model.CustomerLTV
	if err := r.db.WithContext(ctx).Where("customer_id = ?", customerID).Take(&v).Error; err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

// HourlySales looks up the bucket containing hour.
func (r *ViewReader) HourlySales(ctx context.Context, hour time.Time) (*model.HourlySales, error) {
	var v model.HourlySales
	bucket := hour.UTC().Truncate(time.Hour)
	if err := r.db.WithContext(ctx).Where("hour_bucket = ?", bucket).Take(&v).Error; err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

func (r *ViewReader) Product(ctx context.Context, productID int64) (*model.ProductReadModel, error) {
	var v model.ProductReadModel
	if err := r.db.WithContext(ctx).Where("product_id = ?", productID).Take(&v).Error; err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

// LastProcessedEventAt returns nil when no event was applied yet.
func (r *ViewReader) LastProcessedEventAt(ctx context.Context) (*time.Time, error) {
	var s model.SyncStatus
	err := r.db.WithContext(ctx).Where("id = ?", model.SyncStatusID).Take(&s).Error
	if err != nil {
		if notFound(err) == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return s.LastProcessedEventAt, nil
}
