// Package broker is the durable delivery channel between the outbox relay and the projector.
//
// A Dialer opens a Conn to a concrete broker (Kafka, NATS JetStream or the in-process
// MemoryBroker). A Session owns one Conn at a time and drives the reconnect state machine;
// components never hold a connection handle themselves.
//
// Delivery is at-least-once: a consumer Acks after its effect is durable and Nacks to have
// the message requeued. Unacknowledged messages of a lost connection come back.
package broker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotConnected is returned by Session.Publish while no connection is up.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrClosed is returned by operations on a closed or failed connection.
	ErrClosed = errors.New("broker: connection closed")
	// ErrUnknownQueue is returned when a queue was never declared.
	ErrUnknownQueue = errors.New("broker: unknown queue")
	// ErrSettled is returned when a delivery is acked or nacked twice.
	ErrSettled = errors.New("broker: delivery already settled")
)

// Message is what producers hand to the channel. ID is used for broker-side
// deduplication where the driver supports it.
type Message struct {
	ID   string
	Body []byte
}

// Delivery is one message handed to a consumer. Exactly one of Ack or Nack takes effect.
type Delivery struct {
	Queue       string
	MessageID   string
	Body        []byte
	Redelivered bool

	once sync.Once
	ack  func() error
	nack func() error
}

// NewDelivery wires a delivery to its driver's settlement functions.
func NewDelivery(queue, id string, body []byte, redelivered bool, ack, nack func() error) *Delivery {
	return &Delivery{Queue: queue, MessageID: id, Body: body, Redelivered: redelivered, ack: ack, nack: nack}
}

// Ack removes the message from the queue permanently.
func (d *Delivery) Ack() error { return d.settle(d.ack) }

// Nack returns the message to the queue for redelivery.
func (d *Delivery) Nack() error { return d.settle(d.nack) }

func (d *Delivery) settle(fn func() error) error {
	err := ErrSettled
	d.once.Do(func() {
		err = nil
		if fn != nil {
			err = fn()
		}
	})
	return err
}

// Handler processes one delivery and settles it.
type Handler func(ctx context.Context, d *Delivery)

// Conn is a live connection to a broker. Done is closed when the connection is lost
// or closed; Err then reports why.
type Conn interface {
	// DeclareQueue creates a durable queue; declaring an existing queue is a no-op.
	DeclareQueue(ctx context.Context, name string) error
	// Publish returns once the broker accepted the persistent message.
	Publish(ctx context.Context, queue string, msg Message) error
	// Consume streams deliveries with at most prefetch unsettled at a time. The channel
	// is closed when ctx ends or the connection is lost.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan *Delivery, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
