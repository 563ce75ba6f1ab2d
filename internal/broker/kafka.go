package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerMessageID   = "message-id"
	headerRedelivered = "redelivered"
)

type KafkaOptions struct {
	Brokers []string
	// GroupID is the consumer group shared by every projector instance.
	GroupID           string
	ReplicationFactor int
	// HealthInterval is how often the metadata connection is probed.
	HealthInterval time.Duration
}

// KafkaDialer maps queues onto single-partition topics consumed by one group,
// which keeps per-queue delivery ordered.
type KafkaDialer struct {
	opts KafkaOptions
	log  *zap.SugaredLogger
}

func NewKafkaDialer(opts KafkaOptions, log *zap.SugaredLogger) *KafkaDialer {
	if opts.ReplicationFactor <= 0 {
		opts.ReplicationFactor = 1
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	return &KafkaDialer{opts: opts, log: log}
}

func (d *KafkaDialer) Dial(ctx context.Context) (Conn, error) {
	if len(d.opts.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	admin, err := kafka.DialContext(ctx, "tcp", d.opts.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka dial %s: %w", d.opts.Brokers[0], err)
	}
	c := &kafkaConn{
		opts:  d.opts,
		log:   d.log,
		admin: admin,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(d.opts.Brokers...),
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
			BatchSize:    1,
		},
		done: make(chan struct{}),
	}
	go c.monitor()
	return c, nil
}

type kafkaConn struct {
	opts   KafkaOptions
	log    *zap.SugaredLogger
	admin  *kafka.Conn
	writer *kafka.Writer

	adminMu sync.Mutex
	once    sync.Once
	done    chan struct{}
	errMu   sync.Mutex
	err     error
}

func (c *kafkaConn) fail(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func (c *kafkaConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *kafkaConn) Done() <-chan struct{} { return c.done }

func (c *kafkaConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *kafkaConn) Close() error {
	c.fail(ErrClosed)
	werr := c.writer.Close()
	c.adminMu.Lock()
	aerr := c.admin.Close()
	c.adminMu.Unlock()
	return errors.Join(werr, aerr)
}

// monitor probes broker metadata so a dead cluster surfaces as a lost connection
// even while nobody is publishing or fetching.
func (c *kafkaConn) monitor() {
	t := time.NewTicker(c.opts.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.adminMu.Lock()
			_ = c.admin.SetDeadline(time.Now().Add(c.opts.HealthInterval))
			_, err := c.admin.ReadPartitions()
			c.adminMu.Unlock()
			if err != nil {
				c.fail(fmt.Errorf("kafka health probe: %w", err))
				return
			}
		}
	}
}

func (c *kafkaConn) DeclareQueue(ctx context.Context, name string) error {
	if c.closed() {
		return ErrClosed
	}
	c.adminMu.Lock()
	_ = c.admin.SetDeadline(time.Time{})
	controller, err := c.admin.Controller()
	c.adminMu.Unlock()
	if err != nil {
		c.fail(fmt.Errorf("kafka controller lookup: %w", err))
		return err
	}

	cc, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka dial controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             name,
		NumPartitions:     1,
		ReplicationFactor: c.opts.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topic %s: %w", name, err)
	}
	return nil
}

func (c *kafkaConn) Publish(ctx context.Context, queue string, msg Message) error {
	if c.closed() {
		return ErrClosed
	}
	return c.writer.WriteMessages(ctx, kafka.Message{
		Topic:   queue,
		Key:     []byte(msg.ID),
		Value:   msg.Body,
		Headers: []kafka.Header{{Key: headerMessageID, Value: []byte(msg.ID)}},
	})
}

// Consume fetches through the consumer group with at most prefetch messages unsettled.
// Ack commits the offset; since the handler settles in order, committing an offset
// never skips an unsettled message.
func (c *kafkaConn) Consume(ctx context.Context, queue string, prefetch int) (<-chan *Delivery, error) {
	if c.closed() {
		return nil, ErrClosed
	}
	if prefetch < 1 {
		prefetch = 1
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:       c.opts.Brokers,
		GroupID:       c.opts.GroupID,
		Topic:         queue,
		QueueCapacity: prefetch,
		MinBytes:      1,
		MaxBytes:      10e6,
		MaxWait:       time.Second,
		StartOffset:   kafka.FirstOffset,
	})

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		cancel()
	}()

	out := make(chan *Delivery)
	slots := make(chan struct{}, prefetch)
	go func() {
		defer close(out)
		defer r.Close()
		defer cancel()
		for {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			m, err := r.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.fail(fmt.Errorf("kafka fetch %s: %w", queue, err))
				}
				return
			}
			release := func() { <-slots }
			d := NewDelivery(queue, headerValue(m.Headers, headerMessageID), m.Value, headerValue(m.Headers, headerRedelivered) != "",
				func() error {
					defer release()
					return r.CommitMessages(ctx, m)
				},
				func() error {
					defer release()
					return c.requeue(ctx, r, m)
				},
			)
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// requeue appends a copy of m to the tail of its topic, then commits m.
// If the copy cannot be written the offset stays uncommitted and m comes back
// after the group rebalances.
func (c *kafkaConn) requeue(ctx context.Context, r *kafka.Reader, m kafka.Message) error {
	headers := make([]kafka.Header, 0, len(m.Headers)+1)
	for _, h := range m.Headers {
		if h.Key != headerRedelivered {
			headers = append(headers, h)
		}
	}
	headers = append(headers, kafka.Header{Key: headerRedelivered, Value: []byte("1")})

	err := c.writer.WriteMessages(ctx, kafka.Message{Topic: m.Topic, Key: m.Key, Value: m.Value, Headers: headers})
	if err != nil {
		c.fail(fmt.Errorf("kafka requeue %s: %w", m.Topic, err))
		return err
	}
	return r.CommitMessages(ctx, m)
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
