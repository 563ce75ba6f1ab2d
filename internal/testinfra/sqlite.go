// Package testinfra provides databases for tests: a file-backed SQLite per test
// and, under the integration build tag, a Postgres container.
package testinfra

import (
	"path/filepath"
	"testing"

	"github.com/richardliu001/order-analytics/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLite opens a fresh database with both the write and the read schema.
// Transactions begin IMMEDIATE so concurrent writers queue on the busy timeout
// instead of failing on lock upgrade.
func NewSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=10000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	Migrate(t, db)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Migrate creates every table of both schemas.
func Migrate(t *testing.T, db *gorm.DB) {
	t.Helper()
	models := append(model.WriteModels(), model.ReadModels()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}
