package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const OrderStatusCreated = "CREATED"

type Order struct {
	ID         int64           `gorm:"primaryKey"`
	CustomerID string          `gorm:"size:64;not null;index"`
	Total      decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Status     string          `gorm:"size:32;not null"`
	Items      []OrderItem     `gorm:"foreignKey:OrderID"`
	CreatedAt  time.Time       `gorm:"autoCreateTime"`
}

func (Order) TableName() string { return "orders" }

type OrderItem struct {
	ID        int64           `gorm:"primaryKey"`
	OrderID   int64           `gorm:"not null;index"`
	ProductID int64           `gorm:"not null"`
	Quantity  int64           `gorm:"not null"`
	Price     decimal.Decimal `gorm:"type:numeric(20,2);not null"`
}

func (OrderItem) TableName() string { return "order_items" }
