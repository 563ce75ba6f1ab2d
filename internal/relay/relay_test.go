package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/richardliu001/order-analytics/internal/broker"
	"github.com/richardliu001/order-analytics/internal/event"
	"github.com/richardliu001/order-analytics/internal/model"
	"github.com/richardliu001/order-analytics/internal/repo"
	"github.com/richardliu001/order-analytics/internal/testinfra"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	store  *repo.OutboxRepository
	broker *broker.MemoryBroker
	sess   *broker.Session
	log    *zap.SugaredLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	db := testinfra.NewSQLite(t)
	mb := broker.NewMemoryBroker()
	sess := broker.NewSession(mb, broker.SessionOptions{Backoff: 10 * time.Millisecond}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	wait, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, sess.AwaitConnected(wait))

	return &fixture{db: db, store: repo.NewOutboxRepository(db, false), broker: mb, sess: sess, log: log}
}

// seed inserts n pending records with strictly increasing creation times.
func (f *fixture) seed(t *testing.T, n int) []model.OutboxRecord {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var recs []model.OutboxRecord
	for i := 0; i < n; i++ {
		ev := event.NewOrderCreated(int64(i+1), "c1", nil, decimal.NewFromInt(int64(i)), base)
		payload, err := event.Encode(ev)
		require.NoError(t, err)
		rec := model.OutboxRecord{ID: ev.ID(), Topic: ev.Topic(), Payload: datatypes.JSON(payload), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, f.db.Create(&rec).Error)
		recs = append(recs, rec)
	}
	return recs
}

func (f *fixture) pending(t *testing.T) int64 {
	n, err := f.store.Pending(context.Background())
	require.NoError(t, err)
	return n
}

func ids(msgs []broker.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

// failingPublisher fails every publish after the first ok ones.
type failingPublisher struct {
	next  Publisher
	ok    int
	calls int
}

func (p *failingPublisher) Publish(ctx context.Context, queue string, msg broker.Message) error {
	p.calls++
	if p.calls > p.ok {
		return errors.New("broker unavailable")
	}
	return p.next.Publish(ctx, queue, msg)
}

// markFailingStore publishes but never manages to mark.
type markFailingStore struct {
	*repo.OutboxRepository
}

func (s markFailingStore) Claim(ctx context.Context, rec model.OutboxRecord, publish func(context.Context, model.OutboxRecord) error) (bool, error) {
	if err := publish(ctx, rec); err != nil {
		return true, err
	}
	return true, errors.New("write database unavailable")
}

func TestPollOnce_PublishesOldestFirstInBatches(t *testing.T) {
	f := newFixture(t)
	recs := f.seed(t, 3)
	ctx := context.Background()

	res, err := PollOnce(ctx, f.store, f.sess, 2, f.log)
	require.NoError(t, err)
	assert.Equal(t, Result{Polled: 2, Published: 2}, res)
	assert.Equal(t, int64(1), f.pending(t))

	res, err = PollOnce(ctx, f.store, f.sess, 2, f.log)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	msgs := f.broker.Messages(event.TopicOrders)
	assert.Equal(t, []string{recs[0].ID.String(), recs[1].ID.String(), recs[2].ID.String()}, ids(msgs))
	assert.JSONEq(t, string(recs[0].Payload), string(msgs[0].Body))

	res, err = PollOnce(ctx, f.store, f.sess, 2, f.log)
	require.NoError(t, err)
	assert.Zero(t, res.Polled)
}

func TestPollOnce_PublishFailureAbortsCycle(t *testing.T) {
	f := newFixture(t)
	recs := f.seed(t, 3)
	ctx := context.Background()

	pub := &failingPublisher{next: f.sess, ok: 1}
	res, err := PollOnce(ctx, f.store, pub, 10, f.log)
	require.Error(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, 2, pub.calls, "records after the failure are not attempted")
	assert.Equal(t, int64(2), f.pending(t))

	// next cycle resumes with the oldest unpublished record
	res, err = PollOnce(ctx, f.store, f.sess, 10, f.log)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, []string{recs[0].ID.String(), recs[1].ID.String(), recs[2].ID.String()},
		ids(f.broker.Messages(event.TopicOrders)))
}

func TestPollOnce_MarkFailureRepublishes(t *testing.T) {
	f := newFixture(t)
	recs := f.seed(t, 2)
	ctx := context.Background()

	res, err := PollOnce(ctx, markFailingStore{f.store}, f.sess, 10, f.log)
	require.NoError(t, err)
	assert.Equal(t, 2, res.MarkFailed)
	assert.Equal(t, int64(2), f.pending(t))

	_, err = PollOnce(ctx, f.store, f.sess, 10, f.log)
	require.NoError(t, err)
	assert.Zero(t, f.pending(t))

	// at-least-once: both records went out twice under the same message id
	assert.Equal(t,
		[]string{recs[0].ID.String(), recs[1].ID.String(), recs[0].ID.String(), recs[1].ID.String()},
		ids(f.broker.Messages(event.TopicOrders)))
}

func TestPollOnce_NotConnected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	idle := broker.NewSession(broker.NewMemoryBroker(), broker.SessionOptions{}, f.log)

	_, err := PollOnce(context.Background(), f.store, idle, 10, f.log)
	assert.ErrorIs(t, err, broker.ErrNotConnected)
	assert.Equal(t, int64(1), f.pending(t))
}

func TestPollOnce_ExclusiveStore(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 2)
	store := repo.NewOutboxRepository(f.db, true)

	res, err := PollOnce(context.Background(), store, f.sess, 10, f.log)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Zero(t, f.pending(t))
}

func TestRelay_StartStop(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 2)
	r := New(f.store, f.sess, Options{Interval: 10 * time.Millisecond, BatchSize: 10}, f.log)

	r.Start(context.Background())
	r.Start(context.Background())
	require.Eventually(t, func() bool { return f.pending(t) == 0 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()

	f.seed(t, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), f.pending(t), "stopped relay must not publish")
}

func TestRelay_ServeSurvivesFailingCycles(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)

	pub := &lockedPublisher{next: &failingPublisher{next: f.sess, ok: 0}}
	r := New(f.store, pub, Options{Interval: 5 * time.Millisecond}, f.log)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Serve(ctx) }()

	require.Eventually(t, func() bool { return pub.calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, int64(1), f.pending(t))
}

type lockedPublisher struct {
	mu   sync.Mutex
	next *failingPublisher
}

func (p *lockedPublisher) Publish(ctx context.Context, queue string, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next.Publish(ctx, queue, msg)
}

func (p *lockedPublisher) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next.calls
}

func TestBreakerPublisher_OpensAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	inner := &failingPublisher{next: f.sess, ok: 0}
	bp := NewBreakerPublisher(inner, 2, time.Minute, f.log)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.Error(t, bp.Publish(ctx, "q", broker.Message{ID: "x"}))
	}
	assert.Equal(t, gobreaker.StateOpen, bp.State())

	err := bp.Publish(ctx, "q", broker.Message{ID: "x"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.calls, "open breaker must not reach the broker")
}
