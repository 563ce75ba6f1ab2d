package projector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/richardliu001/order-analytics/internal/broker"
	"github.com/richardliu001/order-analytics/internal/event"
	"github.com/richardliu001/order-analytics/internal/repo"
	"github.com/richardliu001/order-analytics/internal/testinfra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func TestApply_ConcurrentInstancesShareRows(t *testing.T) {
	db := testinfra.NewSQLite(t)
	a := newProjector(t, db, Options{})
	b := newProjector(t, db, Options{})
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	var evs []event.Event
	for i := 0; i < 20; i++ {
		evs = append(evs, event.NewOrderCreated(int64(i), "c1", []event.LineItem{
			{ProductID: 1, Quantity: 1, Price: dec("2"), Category: "Books"},
		}, dec("2"), at.Add(time.Duration(i)*time.Second)))
	}

	var g errgroup.Group
	for i, ev := range evs {
		p := a
		if i%2 == 1 {
			p = b
		}
		g.Go(func() error {
			_, err := p.Apply(ctx, ev)
			return err
		})
	}
	require.NoError(t, g.Wait())

	r := repo.NewViewReader(db)
	ps, err := r.ProductSales(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), ps.TotalQuantitySold)
	assert.Equal(t, int64(20), ps.OrderCount)
	assert.True(t, ps.TotalRevenue.Equal(dec("40")))

	ltv, err := r.CustomerLTV(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), ltv.OrderCount)
}

func TestApply_SameEventOnTwoInstances(t *testing.T) {
	db := testinfra.NewSQLite(t)
	a := newProjector(t, db, Options{})
	b := newProjector(t, db, Options{})
	ev, err := event.Decode([]byte(e1Wire))
	require.NoError(t, err)

	outcomes := make([]Outcome, 2)
	var g errgroup.Group
	for i, p := range []*Projector{a, b} {
		g.Go(func() error {
			o, err := p.Apply(context.Background(), ev)
			outcomes[i] = o
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.ElementsMatch(t, []Outcome{Applied, Duplicate}, outcomes)
	assertE1Views(t, db)
}

// The full path: session over the in-process broker, a connection drop while a
// delivery is in flight, and convergence to duplicate-free views.
func TestServe_EndToEndWithReconnect(t *testing.T) {
	db := testinfra.NewSQLite(t)
	log := zaptest.NewLogger(t).Sugar()
	mb := broker.NewMemoryBroker()
	queues := []string{event.TopicOrders, event.TopicProducts}
	sess := broker.NewSession(mb, broker.SessionOptions{Queues: queues, Backoff: 10 * time.Millisecond}, log)
	p := New(db, sess, Options{Queues: queues, Prefetch: 1}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var g errgroup.Group
	g.Go(func() error { return sess.Serve(ctx) })
	g.Go(func() error { return p.Serve(ctx) })

	wait, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	require.NoError(t, sess.AwaitConnected(wait))

	publish := func(ev event.Event) {
		body, err := event.Encode(ev)
		require.NoError(t, err)
		require.NoError(t, sess.Publish(ctx, ev.Topic(), broker.Message{ID: ev.ID().String(), Body: body}))
	}

	evs := orderEvents()
	for _, ev := range evs {
		publish(ev)
	}
	// the relay republished the first event after a failed mark
	publish(evs[0])
	publish(event.NewProductCreated(1, "Dune", "Books", dec("10"), 3, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
	mb.DropConnections(errors.New("broker restarted"))

	require.Eventually(t, func() bool {
		return mb.Pending(event.TopicOrders) == 0 && mb.Pending(event.TopicProducts) == 0 && sess.State() == broker.Connected
	}, 5*time.Second, 10*time.Millisecond)

	s := snap(t, db)
	assert.Equal(t, int64(4), s.ledger)

	r := repo.NewViewReader(db)
	c1, err := r.CustomerLTV(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c1.OrderCount)
	assert.True(t, c1.TotalSpent.Equal(dec("130")))

	prod, err := r.Product(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Dune", prod.Name)

	cancel()
	assert.ErrorIs(t, g.Wait(), context.Canceled)
}
