package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

type NATSOptions struct {
	URL string
	// Durable names the shared pull consumer; the queue name is appended.
	Durable string
	AckWait time.Duration
	// DuplicateWindow is the JetStream Nats-Msg-Id deduplication window.
	DuplicateWindow time.Duration
	Name            string
}

// NATSDialer maps each queue onto a work-queue JetStream stream with one durable
// pull consumer. Client-side reconnect is disabled; the Session owns reconnects.
type NATSDialer struct {
	opts NATSOptions
	log  *zap.SugaredLogger
}

func NewNATSDialer(opts NATSOptions, log *zap.SugaredLogger) *NATSDialer {
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = 2 * time.Minute
	}
	if opts.Durable == "" {
		opts.Durable = "projector"
	}
	return &NATSDialer{opts: opts, log: log}
}

func (d *NATSDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &natsConn{opts: d.opts, done: make(chan struct{})}
	nc, err := nats.Connect(d.opts.URL,
		nats.Name(d.opts.Name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			c.fail(err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.fail(nats.ErrConnectionClosed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", d.opts.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	c.nc, c.js = nc, js
	return c, nil
}

type natsConn struct {
	opts NATSOptions
	nc   *nats.Conn
	js   jetstream.JetStream

	once  sync.Once
	done  chan struct{}
	errMu sync.Mutex
	err   error
}

func (c *natsConn) fail(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func (c *natsConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *natsConn) Done() <-chan struct{} { return c.done }

func (c *natsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *natsConn) Close() error {
	c.fail(ErrClosed)
	c.nc.Close()
	return nil
}

var streamNameReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func streamName(queue string) string {
	return strings.ToUpper(streamNameReplacer.Replace(queue))
}

func (c *natsConn) DeclareQueue(ctx context.Context, name string) error {
	if c.closed() {
		return ErrClosed
	}
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName(name),
		Subjects:   []string{name},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: c.opts.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("nats stream %s: %w", name, err)
	}
	return nil
}

func (c *natsConn) Publish(ctx context.Context, queue string, msg Message) error {
	if c.closed() {
		return ErrClosed
	}
	var opts []jetstream.PublishOpt
	if msg.ID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.ID))
	}
	_, err := c.js.Publish(ctx, queue, msg.Body, opts...)
	return err
}

func (c *natsConn) Consume(ctx context.Context, queue string, prefetch int) (<-chan *Delivery, error) {
	if c.closed() {
		return nil, ErrClosed
	}
	if prefetch < 1 {
		prefetch = 1
	}
	cons, err := c.js.CreateOrUpdateConsumer(ctx, streamName(queue), jetstream.ConsumerConfig{
		Durable:       c.opts.Durable + "_" + streamName(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.opts.AckWait,
		MaxAckPending: prefetch,
		FilterSubject: queue,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer %s: %w", queue, err)
	}
	it, err := cons.Messages(jetstream.PullMaxMessages(prefetch))
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", queue, err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		it.Stop()
	}()

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			m, err := it.Next()
			if err != nil {
				if !errors.Is(err, jetstream.ErrMsgIteratorClosed) && ctx.Err() == nil {
					c.fail(fmt.Errorf("nats fetch %s: %w", queue, err))
				}
				return
			}
			redelivered := false
			if md, err := m.Metadata(); err == nil {
				redelivered = md.NumDelivered > 1
			}
			d := NewDelivery(queue, m.Headers().Get(nats.MsgIdHdr), m.Data(), redelivered, m.Ack, m.Nak)
			select {
			case out <- d:
			case <-ctx.Done():
				_ = m.Nak()
				return
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}
