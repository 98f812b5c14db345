package bus

import "context"

// Acknowledger settles a delivery with the broker. Reject never requeues: the broker
// routes the message to the dead-letter exchange.
type Acknowledger interface {
	Ack(tag uint64) error
	Reject(tag uint64) error
}

// Delivery is one inbound message. It must be settled exactly once.
type Delivery struct {
	Acknowledger Acknowledger

	RoutingKey  string
	MessageID   string
	DeliveryTag uint64
	Redelivered bool
	Headers     map[string]string
	Body        []byte
}

// Ack acknowledges the delivery.
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return nil
	}

	return d.Acknowledger.Ack(d.DeliveryTag)
}

// Reject rejects the delivery without requeue.
func (d Delivery) Reject() error {
	if d.Acknowledger == nil {
		return nil
	}

	return d.Acknowledger.Reject(d.DeliveryTag)
}

// EventSource yields inbound deliveries. The returned channel closes when the
// underlying subscription ends (disconnect or ctx cancellation); callers resubscribe.
// While the transport is disconnected Subscribe returns ErrNotConnected.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan Delivery, error)
}
