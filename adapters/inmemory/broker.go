package inmemory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// Message is one command accepted by the Broker.
type Message struct {
	RoutingKey string
	MessageID  string
	Body       []byte
}

// DeadLetter is an inbound delivery the consumer rejected.
type DeadLetter struct {
	Delivery   cbus.Delivery
	RejectedAt time.Time
}

type subscription struct {
	wake chan struct{}
	done chan struct{}
}

// Broker is a thread-safe in-memory transport: it confirms published commands and feeds
// injected events to one subscriber at a time. Deliveries left unsettled when the
// subscription ends are redelivered to the next subscriber with Redelivered set.
type Broker struct {
	mu        sync.Mutex
	connected bool
	failWith  error

	published []Message
	onPublish []chan Message
	hooks     []func(context.Context)

	sub     *subscription
	backlog []cbus.Delivery
	unacked map[uint64]cbus.Delivery
	nextTag uint64

	acked       []cbus.Delivery
	deadLetters []DeadLetter
}

var (
	_ cbus.CommandPublisher = (*Broker)(nil)
	_ cbus.Readiness        = (*Broker)(nil)
	_ cbus.EventSource      = (*Broker)(nil)
	_ cbus.Acknowledger     = (*Broker)(nil)
)

// NewBroker creates a connected broker.
func NewBroker() *Broker {
	return &Broker{connected: true, unacked: make(map[uint64]cbus.Delivery)}
}

func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connected
}

// SetConnected simulates losing or regaining the broker. Going down ends the active
// subscription and queues its unsettled deliveries for redelivery.
func (b *Broker) SetConnected(up bool) {
	b.mu.Lock()

	if up {
		wasDown := !b.connected
		b.connected = true
		hooks := slices.Clone(b.hooks)
		b.mu.Unlock()

		if wasDown {
			for _, h := range hooks {
				h(context.Background())
			}
		}

		return
	}

	defer b.mu.Unlock()

	b.connected = false

	if b.sub != nil {
		close(b.sub.done)
		b.sub = nil
	}

	redeliver := make([]cbus.Delivery, 0, len(b.unacked))
	for tag, d := range b.unacked {
		d.Redelivered = true
		redeliver = append(redeliver, d)
		delete(b.unacked, tag)
	}

	sort.Slice(redeliver, func(i, j int) bool { return redeliver[i].DeliveryTag < redeliver[j].DeliveryTag })
	b.backlog = append(redeliver, b.backlog...)
}

// OnConnected registers fn to run each time SetConnected(true) restores the broker.
func (b *Broker) OnConnected(fn func(context.Context)) {
	if fn == nil {
		return
	}

	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

// FailPublishes makes every following Publish return err until called with nil.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	b.failWith = err
	b.mu.Unlock()
}

func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()

	if !b.connected {
		b.mu.Unlock()
		return fmt.Errorf("publish %s: %w", routingKey, berr.ErrNotConnected)
	}

	if b.failWith != nil {
		err := b.failWith
		b.mu.Unlock()

		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	m := Message{RoutingKey: routingKey, MessageID: uuid.NewString(), Body: append([]byte(nil), body...)}
	b.published = append(b.published, m)
	watchers := append([]chan Message(nil), b.onPublish...)
	b.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- m:
		default:
		}
	}

	return nil
}

// Published returns the confirmed commands in publish order.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Message(nil), b.published...)
}

// Watch returns a channel receiving each message published from now on. The channel is
// buffered with size n; messages are dropped when it is full.
func (b *Broker) Watch(n int) <-chan Message {
	ch := make(chan Message, n)

	b.mu.Lock()
	b.onPublish = append(b.onPublish, ch)
	b.mu.Unlock()

	return ch
}

// Subscribe starts a subscription. A new subscription replaces the previous one.
func (b *Broker) Subscribe(ctx context.Context) (<-chan cbus.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, fmt.Errorf("subscribe: %w", berr.ErrNotConnected)
	}

	if b.sub != nil {
		close(b.sub.done)
	}

	sub := &subscription{wake: make(chan struct{}, 1), done: make(chan struct{})}
	b.sub = sub

	out := make(chan cbus.Delivery)
	go b.forward(ctx, sub, out)

	return out, nil
}

// Inject enqueues an inbound event and returns its delivery tag.
func (b *Broker) Inject(routingKey, messageID string, body []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextTag++
	d := cbus.Delivery{
		Acknowledger: b,
		RoutingKey:   routingKey,
		MessageID:    messageID,
		DeliveryTag:  b.nextTag,
		Headers:      map[string]string{},
		Body:         append([]byte(nil), body...),
	}

	b.offerLocked(d)

	return d.DeliveryTag
}

func (b *Broker) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.unacked[tag]
	if !ok {
		return fmt.Errorf("ack %d: unknown delivery tag: %w", tag, berr.ErrNotConnected)
	}

	delete(b.unacked, tag)
	b.acked = append(b.acked, d)

	return nil
}

func (b *Broker) Reject(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.unacked[tag]
	if !ok {
		return fmt.Errorf("reject %d: unknown delivery tag: %w", tag, berr.ErrNotConnected)
	}

	delete(b.unacked, tag)
	b.deadLetters = append(b.deadLetters, DeadLetter{Delivery: d, RejectedAt: time.Now()})

	return nil
}

// Acked returns settled-by-ack deliveries in order.
func (b *Broker) Acked() []cbus.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]cbus.Delivery(nil), b.acked...)
}

// DeadLetters returns the dead-letter queue contents in order.
func (b *Broker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]DeadLetter(nil), b.deadLetters...)
}

// Unsettled reports deliveries handed out but not yet acked or rejected.
func (b *Broker) Unsettled() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.unacked)
}

// offerLocked queues d and wakes the active subscription.
func (b *Broker) offerLocked(d cbus.Delivery) {
	b.backlog = append(b.backlog, d)

	if b.sub != nil {
		select {
		case b.sub.wake <- struct{}{}:
		default:
		}
	}
}

// next pops the head of the backlog for sub and marks it unsettled.
func (b *Broker) next(sub *subscription) (d cbus.Delivery, ok, active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != sub {
		return d, false, false
	}

	if len(b.backlog) == 0 {
		return d, false, true
	}

	d = b.backlog[0]
	b.backlog = b.backlog[1:]
	b.unacked[d.DeliveryTag] = d

	return d, true, true
}

// unshift returns an undelivered d to the head of the backlog unless a disconnect
// already moved it there.
func (b *Broker) unshift(d cbus.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.unacked[d.DeliveryTag]; !ok {
		return
	}

	delete(b.unacked, d.DeliveryTag)
	b.backlog = append([]cbus.Delivery{d}, b.backlog...)
}

func (b *Broker) forward(ctx context.Context, sub *subscription, out chan<- cbus.Delivery) {
	defer close(out)

	for {
		d, ok, active := b.next(sub)
		if !active {
			return
		}

		if !ok {
			select {
			case <-sub.wake:
				continue
			case <-sub.done:
				return
			case <-ctx.Done():
				b.detach(sub)
				return
			}
		}

		select {
		case out <- d:
		case <-sub.done:
			b.unshift(d)
			return
		case <-ctx.Done():
			b.unshift(d)
			b.detach(sub)

			return
		}
	}
}

func (b *Broker) detach(sub *subscription) {
	b.mu.Lock()
	if b.sub == sub {
		close(sub.done)
		b.sub = nil
	}
	b.mu.Unlock()
}
