package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        int64           `gorm:"primaryKey;column:id"`
	Name      string          `gorm:"size:255;not null"`
	Category  string          `gorm:"size:128;not null"`
	Price     decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Stock     int64           `gorm:"not null;default:0"`
	Version   uint64          `gorm:"not null;default:0"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (Product) TableName() string { return "products" }

type Customer struct {
	ID        string    `gorm:"primaryKey;size:64"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (Customer) TableName() string { return "customers" }
