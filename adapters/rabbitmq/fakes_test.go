package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-pos-bridge/adapters/rabbitmq"
)

type confirmMode int

const (
	confirmAck confirmMode = iota
	confirmNack
	confirmNone
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type binding struct{ queue, key, exchange string }

// events records close order across a connection and its channels.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.log...)
}

type fakeChannel struct {
	mu  sync.Mutex
	evt *events

	exchanges map[string]string
	queues    map[string]amqp.Table
	binds     []binding
	qos       []int
	confirm   bool

	confirms chan amqp.Confirmation
	closeCh  chan *amqp.Error
	flowCh   chan bool

	mode       confirmMode
	publishErr error
	declareErr error
	nextTag    uint64
	published  []published

	deliveries  chan amqp.Delivery
	consumeTag  string
	consumeAuto bool
	cancelled   []string

	closed    bool
	closeOnce sync.Once
}

func newFakeChannel(evt *events) *fakeChannel {
	return &fakeChannel{
		evt:        evt,
		exchanges:  map[string]string{},
		queues:     map[string]amqp.Table{},
		deliveries: make(chan amqp.Delivery, 8),
	}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.declareErr != nil {
		return c.declareErr
	}

	if !durable {
		return errors.New("exchange must be durable")
	}

	c.exchanges[name] = kind

	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}

	c.queues[name] = args

	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	c.binds = append(c.binds, binding{name, key, exchange})
	c.mu.Unlock()

	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	c.qos = append(c.qos, prefetchCount)
	c.mu.Unlock()

	return nil
}

func (c *fakeChannel) Confirm(bool) error {
	c.mu.Lock()
	c.confirm = true
	c.mu.Unlock()

	return nil
}

func (c *fakeChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	c.confirms = ch
	c.mu.Unlock()

	return ch
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	c.closeCh = ch
	c.mu.Unlock()

	return ch
}

func (c *fakeChannel) NotifyFlow(ch chan bool) chan bool {
	c.mu.Lock()
	c.flowCh = ch
	c.mu.Unlock()

	return ch
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}

	if c.publishErr != nil {
		return c.publishErr
	}

	c.nextTag++
	c.published = append(c.published, published{exchange, key, msg})

	switch c.mode {
	case confirmAck, confirmNack:
		select {
		case c.confirms <- amqp.Confirmation{DeliveryTag: c.nextTag, Ack: c.mode == confirmAck}:
		default:
		}
	case confirmNone:
	}

	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	c.consumeTag = consumer
	c.consumeAuto = autoAck
	c.mu.Unlock()

	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, consumer)
	c.mu.Unlock()

	return nil
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		closeCh := c.closeCh
		c.mu.Unlock()

		if c.evt != nil {
			c.evt.add("channel.close")
		}

		if closeCh != nil {
			close(closeCh)
		}
	})

	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *fakeChannel) publishedMessages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]published(nil), c.published...)
}

type fakeConn struct {
	mu  sync.Mutex
	evt *events
	ch  *fakeChannel

	closeCh   chan *amqp.Error
	blockedCh chan amqp.Blocking

	closed    bool
	closeOnce sync.Once
}

func (c *fakeConn) Channel() (rabbitmq.Channel, error) { return c.ch, nil }

func (c *fakeConn) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	c.closeCh = ch
	c.mu.Unlock()

	return ch
}

func (c *fakeConn) NotifyBlocked(ch chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	c.blockedCh = ch
	c.mu.Unlock()

	return ch
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if c.evt != nil {
			c.evt.add("connection.close")
		}
	})

	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// forceClose simulates the broker dropping the connection.
func (c *fakeConn) forceClose() {
	c.mu.Lock()
	ch := c.closeCh
	c.mu.Unlock()

	ch <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true}
}

func (c *fakeConn) block(active bool) {
	c.mu.Lock()
	ch := c.blockedCh
	c.mu.Unlock()

	ch <- amqp.Blocking{Active: active, Reason: "low on memory"}
}

// broker hands out a fresh connection and channel per dial.
type broker struct {
	evt     events
	mu      sync.Mutex
	conns   []*fakeConn
	dials   atomic.Int32
	failing atomic.Bool
	setup   func(*fakeChannel)
}

func (b *broker) dial(context.Context) (rabbitmq.Connection, error) {
	b.dials.Add(1)

	if b.failing.Load() {
		return nil, errors.New("connection refused")
	}

	ch := newFakeChannel(&b.evt)
	if b.setup != nil {
		b.setup(ch)
	}

	conn := &fakeConn{evt: &b.evt, ch: ch}

	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	return conn, nil
}

func (b *broker) last() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.conns) == 0 {
		return nil
	}

	return b.conns[len(b.conns)-1]
}

type fakeAcker struct {
	mu      sync.Mutex
	acks    []uint64
	rejects []uint64
	requeue []bool
	multi   []bool
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acks = append(a.acks, tag)
	a.multi = append(a.multi, multiple)
	a.mu.Unlock()

	return nil
}

func (a *fakeAcker) Nack(uint64, bool, bool) error { return errors.New("nack not used") }

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	a.rejects = append(a.rejects, tag)
	a.requeue = append(a.requeue, requeue)
	a.mu.Unlock()

	return nil
}

func (c *fakeChannel) setMode(m confirmMode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

func (c *fakeChannel) setPublishErr(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

func (c *fakeChannel) consumer() (tag string, autoAck bool, cancelled []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.consumeTag, c.consumeAuto, append([]string(nil), c.cancelled...)
}

func (c *fakeChannel) prefetch() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]int(nil), c.qos...)
}
