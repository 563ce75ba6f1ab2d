package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/order-analytics/internal/config"
	"github.com/richardliu001/order-analytics/internal/logger"
	"github.com/richardliu001/order-analytics/internal/model"
	"github.com/richardliu001/order-analytics/internal/repo"
	"github.com/richardliu001/order-analytics/internal/service"
	"github.com/richardliu001/order-analytics/internal/supervisor"
	httptransport "github.com/richardliu001/order-analytics/internal/transport/http"
)

func main() {
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := repo.OpenPostgres(cfg.Postgres.ReadDSN, model.ReadModels()...)
	if err != nil {
		log.Fatalw("read database", "error", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	// the cache is optional, lookups fall through to the views
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Warnw("redis unavailable, serving uncached", "addr", cfg.Redis.Addr, "error", err)
	}
	cache := repo.NewViewCache(rdb, cfg.Query.CacheTTL, log)
	svc := service.NewQueryService(repo.NewViewReader(gdb), cache, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           httptransport.NewQueryRouter(svc, cfg.RateLimit, log, repo.Ping(gdb)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	tree := supervisor.New("query", supervisor.Config{ShutdownTimeout: cfg.Server.ShutdownTimeout}, log)
	tree.Add(supervisor.NewHTTPService("query-api", srv, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infow("query api listening", "addr", srv.Addr, "cache_ttl", cfg.Query.CacheTTL)
	if err := tree.Run(ctx); err != nil {
		log.Errorw("supervisor stopped", "error", err)
	}
	_ = rdb.Close()
}
