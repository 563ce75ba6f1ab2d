package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startSession(t *testing.T, b *MemoryBroker, queues ...string) (*Session, context.CancelFunc) {
	t.Helper()
	s := NewSession(b, SessionOptions{Queues: queues, Backoff: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, cancel
}

func awaitConnected(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.AwaitConnected(ctx))
}

func TestSession_PublishWhileDisconnected(t *testing.T) {
	s := NewSession(NewMemoryBroker(), SessionOptions{}, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, Disconnected, s.State())
	err := s.Publish(context.Background(), "q", Message{ID: "1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSession_ConnectDeclaresQueues(t *testing.T) {
	b := NewMemoryBroker()
	s, _ := startSession(t, b, "orders")
	awaitConnected(t, s)
	assert.Equal(t, Connected, s.State())

	require.NoError(t, s.Publish(context.Background(), "orders", Message{ID: "1", Body: []byte("x")}))
	// undeclared queues are declared on first publish
	require.NoError(t, s.Publish(context.Background(), "products", Message{ID: "2"}))
	assert.Len(t, b.Messages("orders"), 1)
	assert.Len(t, b.Messages("products"), 1)
}

func TestSession_RetriesFailedDials(t *testing.T) {
	b := NewMemoryBroker()
	b.FailDials(3)
	s, _ := startSession(t, b, "q")
	awaitConnected(t, s)
	assert.Equal(t, 1, b.Connections())
}

func TestSession_ReconnectResubscribes(t *testing.T) {
	b := NewMemoryBroker()
	s, _ := startSession(t, b, "q")
	awaitConnected(t, s)

	var mu sync.Mutex
	var seen []*Delivery
	first := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = s.Consume(ctx, "q", 1, func(_ context.Context, d *Delivery) {
			mu.Lock()
			seen = append(seen, d)
			n := len(seen)
			mu.Unlock()
			if n == 1 {
				// leave the first delivery unacked and lose the connection
				close(first)
				return
			}
			_ = d.Ack()
		})
	}()

	require.NoError(t, s.Publish(context.Background(), "q", Message{ID: "m1"}))
	<-first
	b.DropConnections(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "m1", seen[1].MessageID)
	assert.True(t, seen[1].Redelivered)
	require.Eventually(t, func() bool { return b.Pending("q") == 0 }, time.Second, 5*time.Millisecond)
}

func TestSession_ServeStopsOnCancel(t *testing.T) {
	b := NewMemoryBroker()
	s := NewSession(b, SessionOptions{Queues: []string{"q"}, Backoff: time.Hour}, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()
	awaitConnected(t, s)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 0, b.Connections())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "state(9)", State(9).String())
}
