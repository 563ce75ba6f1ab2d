// Package relay moves outbox records onto the delivery channel.
//
// Delivery is at-least-once: a record is marked published only after the broker
// accepted it, so a crash or a failed mark between the two republishes it on a
// later cycle. The projector's ledger absorbs the duplicates.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/richardliu001/order-analytics/internal/broker"
	"github.com/richardliu001/order-analytics/internal/metrics"
	"github.com/richardliu001/order-analytics/internal/model"
	"go.uber.org/zap"
)

// OutboxStore is the part of repo.OutboxRepository the relay needs.
type OutboxStore interface {
	PollUnpublished(ctx context.Context, limit int) ([]model.OutboxRecord, error)
	Claim(ctx context.Context, rec model.OutboxRecord, publish func(context.Context, model.OutboxRecord) error) (bool, error)
}

// Publisher is satisfied by *broker.Session and BreakerPublisher.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg broker.Message) error
}

// Result summarizes one poll cycle.
type Result struct {
	Polled     int
	Published  int
	Skipped    int
	MarkFailed int
	Aborted    bool
}

// PollOnce publishes up to batch pending records, oldest first. The first publish
// failure aborts the rest of the cycle; a failure to mark a published record is
// logged and the cycle goes on.
func PollOnce(ctx context.Context, store OutboxStore, pub Publisher, batch int, log *zap.SugaredLogger) (Result, error) {
	var res Result
	recs, err := store.PollUnpublished(ctx, batch)
	if err != nil {
		return res, fmt.Errorf("poll outbox: %w", err)
	}
	res.Polled = len(recs)

	for _, rec := range recs {
		published := false
		claimed, err := store.Claim(ctx, rec, func(ctx context.Context, r model.OutboxRecord) error {
			msg := broker.Message{ID: r.ID.String(), Body: []byte(r.Payload)}
			if err := pub.Publish(ctx, r.Topic, msg); err != nil {
				return err
			}
			published = true
			return nil
		})

		switch {
		case err != nil && published:
			res.MarkFailed++
			metrics.RelayMarkFailures.Inc()
			log.Errorw("mark published failed, record will be republished",
				"record_id", rec.ID, "topic", rec.Topic, "error", err)
		case err != nil:
			res.Aborted = true
			metrics.RelayPublishFailures.Inc()
			return res, fmt.Errorf("publish %s to %s: %w", rec.ID, rec.Topic, err)
		case !claimed:
			res.Skipped++
		default:
			res.Published++
			metrics.RelayPublished.Inc()
			log.Debugw("outbox record published", "record_id", rec.ID, "topic", rec.Topic)
		}
	}
	return res, nil
}

type Options struct {
	Interval  time.Duration
	BatchSize int
}

// Relay runs PollOnce immediately and then on every tick. Cycle errors are
// logged and retried on the next tick.
type Relay struct {
	store OutboxStore
	pub   Publisher
	opts  Options
	log   *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store OutboxStore, pub Publisher, opts Options, log *zap.SugaredLogger) *Relay {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	return &Relay{store: store, pub: pub, opts: opts, log: log}
}

// Serve implements suture.Service.
func (r *Relay) Serve(ctx context.Context) error {
	r.log.Infow("outbox relay started", "interval", r.opts.Interval, "batch_size", r.opts.BatchSize)
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()
	for {
		r.cycle(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Relay) String() string { return "outbox-relay" }

func (r *Relay) cycle(ctx context.Context) {
	start := time.Now()
	res, err := PollOnce(ctx, r.store, r.pub, r.opts.BatchSize, r.log)
	metrics.RelayCycleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warnw("relay cycle aborted", "error", err, "published", res.Published)
		}
		return
	}
	if res.Published > 0 || res.MarkFailed > 0 {
		r.log.Infow("relay cycle", "published", res.Published, "mark_failed", res.MarkFailed, "skipped", res.Skipped)
	}
}

// Start runs Serve in the background. Calling Start on a running relay is a no-op.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	go func() {
		defer close(done)
		_ = r.Serve(ctx)
	}()
}

// Stop cancels the timer and waits for an in-flight cycle to return.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
