// Package projector folds delivered events into the materialized views.
//
// Each event is applied in one transaction: ledger check, view upserts, sync
// status, ledger insert. The delivery is acked only after commit and nacked on
// any failure, so redelivery is always safe.
package projector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/richardliu001/order-analytics/internal/broker"
	"github.com/richardliu001/order-analytics/internal/event"
	"github.com/richardliu001/order-analytics/internal/metrics"
	"github.com/richardliu001/order-analytics/internal/repo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Outcome int

const (
	Applied Outcome = iota + 1
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Consumer is satisfied by *broker.Session.
type Consumer interface {
	Consume(ctx context.Context, queue string, prefetch int, h broker.Handler) error
}

type Options struct {
	Queues   []string
	Prefetch int
	// MonotonicWatermark guards the sync status and the customers' last order
	// time with "only if greater". Off, both are plain assignments in processing
	// order and may briefly regress under redelivery.
	MonotonicWatermark bool
}

type Projector struct {
	db   *gorm.DB
	src  Consumer
	opts Options
	log  *zap.SugaredLogger
	now  func() time.Time

	// one transaction in flight per instance
	mu sync.Mutex
}

func New(db *gorm.DB, src Consumer, opts Options, log *zap.SugaredLogger) *Projector {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	return &Projector{db: db, src: src, opts: opts, log: log, now: time.Now}
}

// Apply folds ev into the views exactly once per event id.
func (p *Projector) Apply(ctx context.Context, ev event.Event) (Outcome, error) {
	start := time.Now()
	defer func() { metrics.ProjectorApplyDuration.Observe(time.Since(start).Seconds()) }()

	outcome := Applied
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w := repo.NewViewWriter(tx)
		seen, err := w.IsProcessed(ctx, ev.ID())
		if err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if seen {
			outcome = Duplicate
			return nil
		}
		if err := fold(ctx, w, ev, p.opts.MonotonicWatermark); err != nil {
			return err
		}
		if err := w.SetWatermark(ctx, ev.OccurredAt(), p.opts.MonotonicWatermark); err != nil {
			return fmt.Errorf("sync status: %w", err)
		}
		if err := w.MarkProcessed(ctx, ev.ID(), p.now()); err != nil {
			return fmt.Errorf("ledger insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// Handle decodes and applies one delivery, then settles it.
func (p *Projector) Handle(ctx context.Context, d *broker.Delivery) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev, err := event.Decode(d.Body)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, event.ErrUnknownType) {
			reason = "unknown_type"
		}
		p.drop(d, reason, err)
		return
	}

	outcome, err := p.Apply(ctx, ev)
	switch {
	case errors.Is(err, event.ErrUnknownType):
		p.drop(d, "unknown_type", err)
	case err != nil:
		metrics.ProjectorFailures.Inc()
		p.log.Errorw("apply failed, requeueing", "event_id", ev.ID(), "event_type", ev.Type(),
			"queue", d.Queue, "redelivered", d.Redelivered, "error", err)
		if nerr := d.Nack(); nerr != nil {
			p.log.Warnw("nack failed", "event_id", ev.ID(), "error", nerr)
		}
	default:
		if outcome == Duplicate {
			metrics.ProjectorDuplicates.Inc()
			p.log.Infow("event already processed, skipping", "event_id", ev.ID(), "event_type", ev.Type())
		} else {
			metrics.ProjectorApplied.WithLabelValues(string(ev.Type())).Inc()
			metrics.RecordWatermark(ev.OccurredAt())
			p.log.Debugw("event applied", "event_id", ev.ID(), "event_type", ev.Type(), "queue", d.Queue)
		}
		// a failed ack leaves the message for redelivery; the ledger absorbs it
		if aerr := d.Ack(); aerr != nil {
			p.log.Warnw("ack failed", "event_id", ev.ID(), "error", aerr)
		}
	}
}

func (p *Projector) drop(d *broker.Delivery, reason string, err error) {
	metrics.ProjectorDropped.WithLabelValues(reason).Inc()
	p.log.Warnw("dropping message", "queue", d.Queue, "message_id", d.MessageID, "reason", reason, "error", err)
	if aerr := d.Ack(); aerr != nil {
		p.log.Warnw("ack failed", "message_id", d.MessageID, "error", aerr)
	}
}

// Serve implements suture.Service: it consumes every configured queue until ctx ends.
func (p *Projector) Serve(ctx context.Context) error {
	if len(p.opts.Queues) == 0 {
		return errors.New("projector: no queues configured")
	}
	p.log.Infow("projector started", "queues", p.opts.Queues, "prefetch", p.opts.Prefetch,
		"monotonic_watermark", p.opts.MonotonicWatermark)
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range p.opts.Queues {
		g.Go(func() error { return p.src.Consume(ctx, q, p.opts.Prefetch, p.Handle) })
	}
	return g.Wait()
}

func (p *Projector) String() string { return "projector" }
