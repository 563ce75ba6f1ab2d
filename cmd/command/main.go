package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/order-analytics/internal/config"
	"github.com/richardliu001/order-analytics/internal/logger"
	"github.com/richardliu001/order-analytics/internal/model"
	"github.com/richardliu001/order-analytics/internal/repo"
	"github.com/richardliu001/order-analytics/internal/service"
	"github.com/richardliu001/order-analytics/internal/supervisor"
	httptransport "github.com/richardliu001/order-analytics/internal/transport/http"
)

func main() {
	// 1. load config
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := repo.OpenPostgres(cfg.Postgres.WriteDSN, model.WriteModels()...)
	if err != nil {
		log.Fatalw("write database", "error", err)
	}

	// 4. repo & service
	svc := service.NewCommandService(repo.NewCatalogRepository(gdb, log), repo.NewOutboxRepository(gdb, false), log)

	// 5. gin router
	router := httptransport.NewCommandRouter(svc, cfg.RateLimit, log, repo.Ping(gdb))

	// 6. serve
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	tree := supervisor.New("command", supervisor.Config{ShutdownTimeout: cfg.Server.ShutdownTimeout}, log)
	tree.Add(supervisor.NewHTTPService("command-api", srv, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infow("command api listening", "addr", srv.Addr)
	if err := tree.Run(ctx); err != nil {
		log.Errorw("supervisor stopped", "error", err)
	}
}
