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
	"github.com/richardliu001/order-analytics/internal/relay"
	"github.com/richardliu001/order-analytics/internal/repo"
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

	// 3. write database, where the outbox lives
	gdb, err := repo.OpenPostgres(cfg.Postgres.WriteDSN, &model.OutboxRecord{})
	if err != nil {
		log.Fatalw("write database", "error", err)
	}

	// 4. broker session
	dialer, err := broker.NewDialer(cfg.Broker, "outbox-relay", log)
	if err != nil {
		log.Fatalw("broker dialer", "error", err)
	}
	sess := broker.NewSession(dialer, broker.SessionOptions{
		Queues:  cfg.Broker.Queues,
		Backoff: cfg.Broker.ReconnectBackoff,
	}, log)

	// 5. relay behind the circuit breaker
	pub := relay.NewBreakerPublisher(sess, cfg.Relay.Breaker.FailureThreshold, cfg.Relay.Breaker.OpenTimeout, log)
	rl := relay.New(repo.NewOutboxRepository(gdb, cfg.Relay.Exclusive), pub, relay.Options{
		Interval:  cfg.Relay.Interval,
		BatchSize: cfg.Relay.BatchSize,
	}, log)

	// 6. supervise
	ops := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Relay.MetricsPort),
		Handler:           httptransport.NewOpsRouter(repo.Ping(gdb)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	tree := supervisor.New("relay", supervisor.Config{ShutdownTimeout: cfg.Server.ShutdownTimeout}, log)
	tree.Add(sess)
	tree.Add(rl)
	tree.Add(supervisor.NewHTTPService("relay-ops", ops, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infow("outbox relay starting", "driver", cfg.Broker.Driver, "interval", cfg.Relay.Interval,
		"batch_size", cfg.Relay.BatchSize, "metrics_port", cfg.Relay.MetricsPort)
	if err := tree.Run(ctx); err != nil {
		log.Errorw("supervisor stopped", "error", err)
	}
	log.Info("outbox relay stopped")
}
