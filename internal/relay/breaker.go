package relay

import (
	"context"
	"time"

	"github.com/richardliu001/order-analytics/internal/broker"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerPublisher fails fast while the broker keeps rejecting publishes, so a
// cycle aborts at once instead of waiting out a timeout per record.
type BreakerPublisher struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker[interface{}]
}

func NewBreakerPublisher(next Publisher, failureThreshold uint32, openTimeout time.Duration, log *zap.SugaredLogger) *BreakerPublisher {
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	settings := gobreaker.Settings{
		Name:    "relay-publish",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerPublisher{next: next, cb: gobreaker.NewCircuitBreaker[interface{}](settings)}
}

func (b *BreakerPublisher) Publish(ctx context.Context, queue string, msg broker.Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, queue, msg)
	})
	return err
}

func (b *BreakerPublisher) State() gobreaker.State { return b.cb.State() }
