package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Materialized views. Every row is owned by the projector and only grows additively,
// except the product read model and SyncStatus which are overwritten.

type ProductSales struct {
	ProductID         int64           `gorm:"primaryKey;autoIncrement:false" json:"productId"`
	TotalQuantitySold int64           `gorm:"not null;default:0" json:"totalQuantitySold"`
	TotalRevenue      decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"totalRevenue"`
	OrderCount        int64           `gorm:"not null;default:0" json:"orderCount"`
}

func (ProductSales) TableName() string { return "product_sales_view" }

type CategoryMetrics struct {
	CategoryName string          `gorm:"primaryKey;size:128" json:"category"`
	TotalRevenue decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"totalRevenue"`
	TotalOrders  int64           `gorm:"not null;default:0" json:"totalOrders"`
}

func (CategoryMetrics) TableName() string { return "category_metrics_view" }

type CustomerLTV struct {
	CustomerID  string          `gorm:"primaryKey;size:64" json:"customerId"`
	TotalSpent  decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"totalSpent"`
	OrderCount  int64           `gorm:"not null;default:0" json:"orderCount"`
	LastOrderAt time.Time       `gorm:"not null" json:"lastOrderDate"`
}

func (CustomerLTV) TableName() string { return "customer_ltv_view" }

type HourlySales struct {
	HourBucket   time.Time       `gorm:"primaryKey" json:"hour"`
	TotalOrders  int64           `gorm:"not null;default:0" json:"totalOrders"`
	TotalRevenue decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"totalRevenue"`
}

func (HourlySales) TableName() string { return "hourly_sales_view" }

type ProductReadModel struct {
	ProductID int64           `gorm:"primaryKey;autoIncrement:false" json:"productId"`
	Name      string          `gorm:"size:255" json:"name"`
	Category  string          `gorm:"size:128" json:"category"`
	Price     decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"price"`
	Stock     int64           `gorm:"not null;default:0" json:"stock"`
	UpdatedAt time.Time       `gorm:"not null" json:"updatedAt"`
}

func (ProductReadModel) TableName() string { return "products_read_view" }

// SyncStatusID is the primary key of the singleton SyncStatus row.
const SyncStatusID = 1

type SyncStatus struct {
	ID                   int        `gorm:"primaryKey;autoIncrement:false"`
	LastProcessedEventAt *time.Time `gorm:"column:last_processed_event_timestamp"`
}

func (SyncStatus) TableName() string { return "sync_status" }

// WriteModels are migrated on the write database.
func WriteModels() []interface{} {
	return []interface{}{&Product{}, &Customer{}, &Order{}, &OrderItem{}, &OutboxRecord{}}
}

// ReadModels are migrated on the read database.
func ReadModels() []interface{} {
	return []interface{}{
		&ProcessedEvent{}, &ProductSales{}, &CategoryMetrics{}, &CustomerLTV{},
		&HourlySales{}, &ProductReadModel{}, &SyncStatus{},
	}
}
