package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/order-analytics/internal/config"
	"github.com/richardliu001/order-analytics/internal/service"
	"go.uber.org/zap"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

func newEngine(check HealthCheck) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(MetricsMiddleware())
	r.GET("/health", healthHandler(check))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// NewCommandRouter serves the write-side API.
func NewCommandRouter(svc *service.CommandService, rl config.RateLimitConfig, log *zap.SugaredLogger, check HealthCheck) *gin.Engine {
	r := newEngine(check)
	api := r.Group("/api", LoggingMiddleware(log), RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterCommandHandlers(api, svc, log)
	return r
}

// NewQueryRouter serves the analytics API.
func NewQueryRouter(svc *service.QueryService, rl config.RateLimitConfig, log *zap.SugaredLogger, check HealthCheck) *gin.Engine {
	r := newEngine(check)
	api := r.Group("/api", LoggingMiddleware(log), RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterQueryHandlers(api.Group("/analytics"), svc, log, time.Now)
	return r
}

// NewOpsRouter exposes only /health and /metrics, for the relay and projector.
func NewOpsRouter(check HealthCheck) *gin.Engine {
	return newEngine(check)
}

func healthHandler(check HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
