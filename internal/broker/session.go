package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/richardliu001/order-analytics/internal/metrics"
	"go.uber.org/zap"
)

// State of a Session's connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

var stateNames = []string{"disconnected", "connecting", "connected"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const DefaultReconnectBackoff = 5 * time.Second

type SessionOptions struct {
	// Queues are declared on every (re)connect.
	Queues []string
	// Backoff is the fixed delay between a failure and the next dial.
	Backoff time.Duration
}

// Session owns the broker connection. Serve runs the state machine
// Disconnected -> Connecting -> Connected -> Disconnected until its context ends.
type Session struct {
	dialer  Dialer
	queues  []string
	backoff time.Duration
	log     *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	conn     Conn
	declared map[string]bool
	changed  chan struct{}
}

func NewSession(d Dialer, opts SessionOptions, log *zap.SugaredLogger) *Session {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultReconnectBackoff
	}
	return &Session{
		dialer:   d,
		queues:   opts.Queues,
		backoff:  opts.Backoff,
		log:      log,
		declared: map[string]bool{},
		changed:  make(chan struct{}),
	}
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Serve implements suture.Service.
func (s *Session) Serve(ctx context.Context) error {
	defer s.transition(Disconnected, nil)
	for {
		s.transition(Connecting, nil)
		conn, err := s.connect(ctx)
		if err != nil {
			s.transition(Disconnected, nil)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warnw("broker connect failed", "error", err, "retry_in", s.backoff)
		} else {
			s.transition(Connected, conn)
			s.log.Infow("broker connected", "queues", s.queues)

			select {
			case <-ctx.Done():
				_ = conn.Close()
				return ctx.Err()
			case <-conn.Done():
				s.transition(Disconnected, nil)
				_ = conn.Close()
				metrics.BrokerReconnects.Inc()
				s.log.Warnw("broker connection lost", "error", conn.Err(), "retry_in", s.backoff)
			}
		}

		t := time.NewTimer(s.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Session) String() string { return "broker-session" }

func (s *Session) connect(ctx context.Context) (Conn, error) {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	for _, q := range s.queues {
		if err := conn.DeclareQueue(ctx, q); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare %s: %w", q, err)
		}
	}
	return conn, nil
}

func (s *Session) transition(st State, conn Conn) {
	s.mu.Lock()
	if s.state == st && s.conn == conn {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.conn = conn
	s.declared = map[string]bool{}
	for _, q := range s.queues {
		s.declared[q] = conn != nil
	}
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	metrics.RecordBrokerState(stateNames, st.String())
}

// AwaitConnected blocks until the session is connected or ctx ends.
func (s *Session) AwaitConnected(ctx context.Context) error {
	_, err := s.awaitConn(ctx, nil)
	return err
}

// awaitConn waits for a connected Conn other than prev.
func (s *Session) awaitConn(ctx context.Context, prev Conn) (Conn, error) {
	for {
		s.mu.Lock()
		if s.state == Connected && s.conn != nil && s.conn != prev {
			c := s.conn
			s.mu.Unlock()
			return c, nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Publish sends msg to queue over the current connection, declaring the queue first
// if this connection has not seen it yet.
func (s *Session) Publish(ctx context.Context, queue string, msg Message) error {
	s.mu.Lock()
	conn, st, known := s.conn, s.state, s.declared[queue]
	s.mu.Unlock()
	if st != Connected || conn == nil {
		return ErrNotConnected
	}
	if !known {
		if err := conn.DeclareQueue(ctx, queue); err != nil {
			return fmt.Errorf("declare %s: %w", queue, err)
		}
		s.mu.Lock()
		if s.conn == conn {
			s.declared[queue] = true
		}
		s.mu.Unlock()
	}
	return conn.Publish(ctx, queue, msg)
}

// Consume subscribes handler to queue and keeps it subscribed across reconnects.
// Deliveries of one subscription are handled sequentially. Returns when ctx ends.
func (s *Session) Consume(ctx context.Context, queue string, prefetch int, h Handler) error {
	var prev Conn
	for {
		conn, err := s.awaitConn(ctx, prev)
		if err != nil {
			return err
		}
		deliveries, err := s.subscribe(ctx, conn, queue, prefetch)
		if err != nil {
			s.log.Warnw("subscribe failed", "queue", queue, "error", err, "retry_in", s.backoff)
			// retry on whichever connection is current after the backoff
			prev = nil
			t := time.NewTimer(s.backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			continue
		}
		prev = conn
		s.log.Infow("subscribed", "queue", queue, "prefetch", prefetch)

		for d := range deliveries {
			h(ctx, d)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warnw("subscription interrupted, waiting for reconnect", "queue", queue)
	}
}

func (s *Session) subscribe(ctx context.Context, conn Conn, queue string, prefetch int) (<-chan *Delivery, error) {
	if err := conn.DeclareQueue(ctx, queue); err != nil {
		return nil, err
	}
	return conn.Consume(ctx, queue, prefetch)
}
