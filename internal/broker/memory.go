package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryBroker is an in-process broker with durable-queue semantics for a single
// process: unacked messages of a closed connection are requeued at the head, nacked
// messages go to the tail, and a message delivered twice is flagged Redelivered.
type MemoryBroker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queues    map[string]*memQueue
	conns     map[*memConn]struct{}
	failDials int
	seq       uint64
}

type memQueue struct {
	ready   []*memMessage
	unacked int
}

type memMessage struct {
	seq        uint64
	id         string
	body       []byte
	deliveries int
}

func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{
		queues: map[string]*memQueue{},
		conns:  map[*memConn]struct{}{},
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

var errDialRefused = errors.New("memory broker: dial refused")

func (b *MemoryBroker) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDials > 0 {
		b.failDials--
		return nil, errDialRefused
	}
	c := &memConn{broker: b, done: make(chan struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials makes the next n dials fail.
func (b *MemoryBroker) FailDials(n int) {
	b.mu.Lock()
	b.failDials = n
	b.mu.Unlock()
}

// DropConnections fails every live connection with err, as a broker restart would.
func (b *MemoryBroker) DropConnections(err error) {
	b.mu.Lock()
	conns := make([]*memConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.fail(err)
	}
}

// Connections reports the number of live connections.
func (b *MemoryBroker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Pending counts ready plus delivered-but-unsettled messages of queue.
func (b *MemoryBroker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return len(q.ready) + q.unacked
}

// Messages snapshots the ready messages of queue in delivery order.
func (b *MemoryBroker) Messages(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, Message{ID: m.id, Body: m.body})
	}
	return out
}

type memConn struct {
	broker *MemoryBroker
	once   sync.Once
	done   chan struct{}
	err    error
}

func (c *memConn) fail(err error) {
	c.once.Do(func() {
		b := c.broker
		b.mu.Lock()
		c.err = err
		delete(b.conns, c)
		close(c.done)
		b.cond.Broadcast()
		b.mu.Unlock()
	})
}

func (c *memConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *memConn) Done() <-chan struct{} { return c.done }

func (c *memConn) Err() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.err
}

func (c *memConn) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *memConn) DeclareQueue(_ context.Context, name string) error {
	if c.closed() {
		return ErrClosed
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &memQueue{}
	}
	return nil
}

func (c *memConn) Publish(_ context.Context, queue string, msg Message) error {
	if c.closed() {
		return ErrClosed
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return ErrUnknownQueue
	}
	b.seq++
	body := append([]byte(nil), msg.Body...)
	q.ready = append(q.ready, &memMessage{seq: b.seq, id: msg.ID, body: body})
	b.cond.Broadcast()
	return nil
}

type memSub struct {
	stopped  bool
	inflight map[uint64]*memMessage
}

func (c *memConn) Consume(ctx context.Context, queue string, prefetch int) (<-chan *Delivery, error) {
	if c.closed() {
		return nil, ErrClosed
	}
	if prefetch < 1 {
		prefetch = 1
	}
	b := c.broker
	b.mu.Lock()
	q, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnknownQueue
	}

	sub := &memSub{inflight: map[uint64]*memMessage{}}
	stop := make(chan struct{})
	out := make(chan *Delivery)

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		b.mu.Lock()
		sub.stopped = true
		close(stop)
		b.cond.Broadcast()
		b.mu.Unlock()
	}()
	go c.dispatch(queue, q, sub, prefetch, out, stop)
	return out, nil
}

func (c *memConn) dispatch(queue string, q *memQueue, sub *memSub, prefetch int, out chan<- *Delivery, stop <-chan struct{}) {
	b := c.broker
	defer close(out)
	for {
		b.mu.Lock()
		for !sub.stopped && (len(q.ready) == 0 || len(sub.inflight) >= prefetch) {
			b.cond.Wait()
		}
		if sub.stopped {
			requeueInflight(q, sub)
			b.mu.Unlock()
			return
		}
		m := q.ready[0]
		q.ready = q.ready[1:]
		m.deliveries++
		sub.inflight[m.seq] = m
		q.unacked++
		b.mu.Unlock()

		d := NewDelivery(queue, m.id, m.body, m.deliveries > 1,
			func() error { return c.settle(q, sub, m, false) },
			func() error { return c.settle(q, sub, m, true) },
		)
		select {
		case out <- d:
		case <-stop:
			// m is still in flight and is requeued on the next pass
		}
	}
}

func (c *memConn) settle(q *memQueue, sub *memSub, m *memMessage, requeue bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.stopped {
		return ErrClosed
	}
	if _, ok := sub.inflight[m.seq]; !ok {
		return ErrSettled
	}
	delete(sub.inflight, m.seq)
	q.unacked--
	if requeue {
		q.ready = append(q.ready, m)
	}
	b.cond.Broadcast()
	return nil
}

// requeueInflight puts unsettled messages back at the head in their original order.
// Caller holds the broker lock.
func requeueInflight(q *memQueue, sub *memSub) {
	if len(sub.inflight) == 0 {
		return
	}
	back := make([]*memMessage, 0, len(sub.inflight))
	for _, m := range sub.inflight {
		back = append(back, m)
	}
	sort.Slice(back, func(i, j int) bool { return back[i].seq < back[j].seq })
	q.unacked -= len(back)
	q.ready = append(back, q.ready...)
	sub.inflight = map[uint64]*memMessage{}
}
