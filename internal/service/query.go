package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/richardliu001/order-analytics/internal/model"
	"github.com/richardliu001/order-analytics/internal/repo"
	"go.uber.org/zap"
)

// SyncStatus reports how far the views trail the event stream. Both fields
// are nil until the projector applied its first event.
type SyncStatus struct {
	LastProcessedEventTimestamp *time.Time `json:"lastProcessedEventTimestamp"`
	LagSeconds                  *int64     `json:"lagSeconds"`
}

// QueryService serves point lookups over the materialized views.
type QueryService struct {
	views *repo.ViewReader
	cache *repo.ViewCache
	log   *zap.SugaredLogger
}

// NewQueryService returns QueryService. cache may be nil.
func NewQueryService(views *repo.ViewReader, cache *repo.ViewCache, logger *zap.SugaredLogger) *QueryService {
	return &QueryService{views: views, cache: cache, log: logger}
}

func (s *QueryService) ProductSales(ctx context.Context, productID int64) (*model.ProductSales, error) {
	return repo.Cached(ctx, s.cache, fmt.Sprintf("view:product-sales:%d", productID), func(ctx context.Context) (*model.ProductSales, error) {
		return s.views.ProductSales(ctx, productID)
	})
}

// CategoryRevenue matches the category case-insensitively.
func (s *QueryService) CategoryRevenue(ctx context.Context, category string) (*model.CategoryMetrics, error) {
	return repo.Cached(ctx, s.cache, "view:category:"+strings.ToLower(category), func(ctx context.Context) (*model.CategoryMetrics, error) {
		return s.views.CategoryMetrics(ctx, category)
	})
}

func (s *QueryService) CustomerLTV(ctx context.Context, customerID string) (*model.CustomerLTV, error) {
	return repo.Cached(ctx, s.cache, "view:customer:"+customerID, func(ctx context.Context) (*model.CustomerLTV, error) {
		return s.views.CustomerLTV(ctx, customerID)
	})
}

// HourlySales returns the bucket containing hour.
func (s *QueryService) HourlySales(ctx context.Context, hour time.Time) (*model.HourlySales, error) {
	bucket := hour.UTC().Truncate(time.Hour)
	return repo.Cached(ctx, s.cache, "view:hourly:"+bucket.Format(time.RFC3339), func(ctx context.Context) (*model.HourlySales, error) {
		return s.views.HourlySales(ctx, bucket)
	})
}

func (s *QueryService) Product(ctx context.Context, productID int64) (*model.ProductReadModel, error) {
	return repo.Cached(ctx, s.cache, fmt.Sprintf("view:product:%d", productID), func(ctx context.Context) (*model.ProductReadModel, error) {
		return s.views.Product(ctx, productID)
	})
}

// SyncStatus computes staleness against now. Never cached.
func (s *QueryService) SyncStatus(ctx context.Context, now time.Time) (SyncStatus, error) {
	last, err := s.views.LastProcessedEventAt(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	if last == nil {
		return SyncStatus{}, nil
	}
	lag := int64(now.Sub(*last).Round(time.Second) / time.Second)
	if lag < 0 {
		lag = 0
	}
	at := last.UTC()
	return SyncStatus{LastProcessedEventTimestamp: &at, LagSeconds: &lag}, nil
}
