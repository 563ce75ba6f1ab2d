package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/order-analytics/internal/model"
	"github.com/richardliu001/order-analytics/internal/repo"
	"github.com/richardliu001/order-analytics/internal/service"
	"go.uber.org/zap"
)

func RegisterQueryHandlers(r gin.IRouter, svc *service.QueryService, log *zap.SugaredLogger, now func() time.Time) {
	r.GET("/products/:productId/sales", productSalesHandler(svc, log))
	r.GET("/products/:productId", productHandler(svc, log))
	r.GET("/categories/:category/revenue", categoryRevenueHandler(svc, log))
	r.GET("/customers/:customerId/lifetime-value", customerLTVHandler(svc, log))
	r.GET("/hourly-sales/:hour", hourlySalesHandler(svc, log))
	r.GET("/sync-status", syncStatusHandler(svc, log, now))
}

// lookup writes the shaped result of a point lookup, 404 when the row is absent.
func lookup[T any](c *gin.Context, log *zap.SugaredLogger, what string, get func(context.Context) (*T, error), shape func(*T) gin.H) {
	v, err := get(c.Request.Context())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
			return
		}
		log.Errorw("view lookup failed", "view", what, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch " + strings.ToLower(what)})
		return
	}
	c.JSON(http.StatusOK, shape(v))
}

func productID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("productId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid productId"})
		return 0, false
	}
	return id, true
}

func productSalesHandler(svc *service.QueryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := productID(c)
		if !ok {
			return
		}
		lookup(c, log, "Product", func(ctx context.Context) (*model.ProductSales, error) {
			return svc.ProductSales(ctx, id)
		}, func(v *model.ProductSales) gin.H {
			return gin.H{
				"productId":         v.ProductID,
				"totalQuantitySold": v.TotalQuantitySold,
				"totalRevenue":      v.TotalRevenue.InexactFloat64(),
				"orderCount":        v.OrderCount,
			}
		})
	}
}

func productHandler(svc *service.QueryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := productID(c)
		if !ok {
			return
		}
		lookup(c, log, "Product", func(ctx context.Context) (*model.ProductReadModel, error) {
			return svc.Product(ctx, id)
		}, func(v *model.ProductReadModel) gin.H {
			return gin.H{
				"productId": v.ProductID,
				"name":      v.Name,
				"category":  v.Category,
				"price":     v.Price.InexactFloat64(),
				"stock":     v.Stock,
				"updatedAt": v.UpdatedAt.UTC().Format(time.RFC3339Nano),
			}
		})
	}
}

func categoryRevenueHandler(svc *service.QueryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		category := strings.TrimSpace(c.Param("category"))
		if category == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid category"})
			return
		}
		lookup(c, log, "Category", func(ctx context.Context) (*model.CategoryMetrics, error) {
			return svc.CategoryRevenue(ctx, category)
		}, func(v *model.CategoryMetrics) gin.H {
			return gin.H{
				"category":     v.CategoryName,
				"totalRevenue": v.TotalRevenue.InexactFloat64(),
				"totalOrders":  v.TotalOrders,
			}
		})
	}
}

func customerLTVHandler(svc *service.QueryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID := strings.TrimSpace(c.Param("customerId"))
		if customerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid customerId"})
			return
		}
		lookup(c, log, "Customer", func(ctx context.Context) (*model.CustomerLTV, error) {
			return svc.CustomerLTV(ctx, customerID)
		}, func(v *model.CustomerLTV) gin.H {
			return gin.H{
				"customerId":    v.CustomerID,
				"totalSpent":    v.TotalSpent.InexactFloat64(),
				"orderCount":    v.OrderCount,
				"lastOrderDate": v.LastOrderAt.UTC().Format(time.RFC3339Nano),
			}
		})
	}
}

// hourlySalesHandler takes any RFC 3339 instant and reports its hour bucket.
func hourlySalesHandler(svc *service.QueryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		hour, err := time.Parse(time.RFC3339, c.Param("hour"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid hour"})
			return
		}
		lookup(c, log, "Hour", func(ctx context.Context) (*model.HourlySales, error) {
			return svc.HourlySales(ctx, hour)
		}, func(v *model.HourlySales) gin.H {
			return gin.H{
				"hour":         v.HourBucket.UTC().Format(time.RFC3339),
				"totalOrders":  v.TotalOrders,
				"totalRevenue": v.TotalRevenue.InexactFloat64(),
			}
		})
	}
}

func syncStatusHandler(svc *service.QueryService, log *zap.SugaredLogger, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.SyncStatus(c.Request.Context(), now())
		if err != nil {
			log.Errorw("sync status failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch sync status"})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}
