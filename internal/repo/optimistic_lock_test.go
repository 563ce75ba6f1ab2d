package repo

import (
	"context"
	"sync"
	"testing"

	"github.com/richardliu001/order-analytics/internal/model"
	"github.com/richardliu001/order-analytics/internal/testinfra"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func TestOptimisticLock_ConcurrentDecrement(t *testing.T) {
	db := testinfra.NewSQLite(t)
	ctx := context.Background()

	// seed product
	require.NoError(t, db.Create(&model.Product{ID: 1, Name: "Pen", Category: "Office", Price: decimal.NewFromInt(2), Stock: 10}).Error)

	repo := NewCatalogRepository(db, zaptest.NewLogger(t).Sugar())
	p, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = db.Transaction(func(tx *gorm.DB) error {
				// both writers hold the same stale version
				return repo.DecrementStock(ctx, tx, 1, 3, p.Version)
			})
		}(i)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrOptimisticLock)
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts, "only one writer should win with optimistic lock")

	final, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), final.Stock)
	assert.Equal(t, p.Version+1, final.Version)
}

func TestCatalog_UpdateAndLookup(t *testing.T) {
	db := testinfra.NewSQLite(t)
	ctx := context.Background()
	repo := NewCatalogRepository(db, zaptest.NewLogger(t).Sugar())

	p := &model.Product{Name: "Pen", Category: "Office", Price: decimal.NewFromInt(2), Stock: 10}
	require.NoError(t, repo.CreateProduct(ctx, db, p))
	require.NotZero(t, p.ID)

	err := db.Transaction(func(tx *gorm.DB) error {
		locked, err := repo.GetProductForUpdate(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		locked.Price = decimal.RequireFromString("2.50")
		return repo.UpdateProduct(ctx, tx, locked, locked.Version)
	})
	require.NoError(t, err)

	got, err := repo.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("2.5")))

	_, err = repo.GetProduct(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.EnsureCustomer(ctx, db, "c1"))
	require.NoError(t, repo.EnsureCustomer(ctx, db, "c1"))
	var n int64
	db.Model(&model.Customer{}).Count(&n)
	assert.Equal(t, int64(1), n)
}
