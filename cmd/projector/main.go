package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/order-analytics/internal/broker"
	"github.com/richardliu001/order-analytics/internal/config"
	"github.com/richardliu001/order-analytics/internal/logger"
	"github.com/richardliu001/order-analytics/internal/model"
	"github.com/richardliu001/order-analytics/internal/projector"
	"github.com/richardliu001/order-analytics/internal/repo"
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

	dialer, err := broker.NewDialer(cfg.Broker, "projector", log)
	if err != nil {
		log.Fatalw("broker dialer", "error", err)
	}
	sess := broker.NewSession(dialer, broker.SessionOptions{
		Queues:  cfg.Broker.Queues,
		Backoff: cfg.Broker.ReconnectBackoff,
	}, log)
	p := projector.New(gdb, sess, projector.Options{
		Queues:             cfg.Broker.Queues,
		Prefetch:           cfg.Projector.Prefetch,
		MonotonicWatermark: cfg.Projector.MonotonicWatermark,
	}, log)

	ops := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Projector.MetricsPort),
		Handler:           httptransport.NewOpsRouter(repo.Ping(gdb)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	tree := supervisor.New("projector", supervisor.Config{ShutdownTimeout: cfg.Server.ShutdownTimeout}, log)
	tree.Add(sess)
	tree.Add(p)
	tree.Add(supervisor.NewHTTPService("projector-ops", ops, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := tree.Run(ctx); err != nil {
		log.Errorw("supervisor stopped", "error", err)
	}
	log.Info("projector stopped")
}
