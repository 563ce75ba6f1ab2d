package service

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/order-analytics/internal/event"
	"github.com/richardliu001/order-analytics/internal/projector"
	"github.com/richardliu001/order-analytics/internal/repo"
	"github.com/richardliu001/order-analytics/internal/testinfra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newQueryService(t *testing.T, db *gorm.DB, cache *repo.ViewCache) *QueryService {
	t.Helper()
	return NewQueryService(repo.NewViewReader(db), cache, zaptest.NewLogger(t).Sugar())
}

// project folds every pending outbox event into the views.
func project(t *testing.T, db *gorm.DB) {
	t.Helper()
	p := projector.New(db, nil, projector.Options{}, zaptest.NewLogger(t).Sugar())
	for _, ev := range outboxEvents(t, db) {
		_, err := p.Apply(context.Background(), ev)
		require.NoError(t, err)
	}
}

func TestQueryService_CommandToViews(t *testing.T) {
	cmd, db := newCommandService(t)
	q := newQueryService(t, db, nil)
	ctx := context.Background()

	book, err := cmd.CreateProduct(ctx, NewProduct{Name: "Dune", Category: "Books", Price: dec("10"), Stock: 5})
	require.NoError(t, err)
	_, err = cmd.CreateOrder(ctx, "c1", []OrderLine{{ProductID: book.ID, Quantity: 2}})
	require.NoError(t, err)
	price := dec("11")
	_, err = cmd.UpdateProduct(ctx, book.ID, ProductPatch{Price: &price})
	require.NoError(t, err)

	project(t, db)

	ps, err := q.ProductSales(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ps.TotalQuantitySold)
	assert.True(t, ps.TotalRevenue.Equal(dec("20")))

	cm, err := q.CategoryRevenue(ctx, "BOOKS")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cm.TotalOrders)

	ltv, err := q.CustomerLTV(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ltv.TotalSpent.Equal(dec("20")))

	hs, err := q.HourlySales(ctx, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hs.TotalOrders)

	prod, err := q.Product(ctx, book.ID)
	require.NoError(t, err)
	assert.True(t, prod.Price.Equal(dec("11")))

	_, err = q.CustomerLTV(ctx, "nobody")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestQueryService_SyncStatus(t *testing.T) {
	db := testinfra.NewSQLite(t)
	q := newQueryService(t, db, nil)
	ctx := context.Background()

	st, err := q.SyncStatus(ctx, fixedNow)
	require.NoError(t, err)
	assert.Nil(t, st.LastProcessedEventTimestamp)
	assert.Nil(t, st.LagSeconds)

	p := projector.New(db, nil, projector.Options{}, zaptest.NewLogger(t).Sugar())
	_, err = p.Apply(ctx, event.NewProductCreated(1, "Dune", "Books", dec("10"), 1, fixedNow))
	require.NoError(t, err)

	cases := []struct {
		now  time.Time
		want int64
	}{
		{fixedNow.Add(90 * time.Second), 90},
		{fixedNow.Add(1500 * time.Millisecond), 2},
		{fixedNow.Add(1400 * time.Millisecond), 1},
		{fixedNow, 0},
		{fixedNow.Add(-time.Minute), 0},
	}
	var prev int64
	for i, tc := range cases {
		st, err := q.SyncStatus(ctx, tc.now)
		require.NoError(t, err)
		require.NotNil(t, st.LagSeconds)
		assert.Equal(t, tc.want, *st.LagSeconds, tc.now)
		assert.True(t, st.LastProcessedEventTimestamp.Equal(fixedNow))
		if i > 0 {
			assert.LessOrEqual(t, *st.LagSeconds, prev, "lag shrinks as now moves back")
		}
		prev = *st.LagSeconds
	}
}

func TestQueryService_ServesFromCache(t *testing.T) {
	db := testinfra.NewSQLite(t)
	rdb, mock := redismock.NewClientMock()
	cache := repo.NewViewCache(rdb, time.Minute, zaptest.NewLogger(t).Sugar())
	q := newQueryService(t, db, cache)

	mock.ExpectGet("view:product-sales:7").SetVal(`{"productId":7,"totalQuantitySold":3,"totalRevenue":12.5,"orderCount":2}`)
	ps, err := q.ProductSales(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ps.TotalQuantitySold)
	assert.True(t, ps.TotalRevenue.Equal(dec("12.5")))

	mock.ExpectGet("view:category:books").RedisNil()
	_, err = q.CategoryRevenue(context.Background(), "Books")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
