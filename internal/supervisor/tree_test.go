package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// flaky fails its first runs, then blocks until cancelled.
type flaky struct {
	fails int32
	runs  atomic.Int32
}

func (f *flaky) Serve(ctx context.Context) error {
	if f.runs.Add(1) <= f.fails {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *flaky) String() string { return "flaky" }

func TestTree_RestartsFailedService(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	tree := New("test", Config{FailureBackoff: time.Millisecond, FailureThreshold: 10}, zap.New(core).Sugar())
	svc := &flaky{fails: 2}
	tree.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.runs.Load() == 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.NotZero(t, logs.FilterMessageSnippet("flaky").Len(), "terminations are logged")
}

type fakeServer struct {
	mu       sync.Mutex
	stop     chan struct{}
	listen   error
	shutdown bool
}

func newFakeServer(listen error) *fakeServer {
	return &fakeServer{stop: make(chan struct{}), listen: listen}
}

func (s *fakeServer) ListenAndServe() error {
	if s.listen != nil {
		return s.listen
	}
	<-s.stop
	return nil
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	close(s.stop)
	return nil
}

func TestHTTPService_ShutsDownOnCancel(t *testing.T) {
	srv := newFakeServer(nil)
	svc := NewHTTPService("query-api", srv, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.True(t, srv.shutdown)
	assert.Equal(t, "query-api", svc.String())
}

func TestHTTPService_ListenFailure(t *testing.T) {
	svc := NewHTTPService("query-api", newFakeServer(errors.New("address in use")), 0)
	err := svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}
