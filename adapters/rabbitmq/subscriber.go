package rabbitmq

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// DefaultConsumerTag prefixes consumer tags; a random suffix keeps them unique per subscription.
const DefaultConsumerTag = "posbridge"

// Subscriber consumes the events queue with one unacknowledged message in flight.
type Subscriber struct {
	m         *Manager
	queue     string
	tagPrefix string
	prefetch  int
	logger    *zap.Logger
}

var _ cbus.EventSource = (*Subscriber)(nil)

// NewSubscriber consumes m's events queue.
func NewSubscriber(m *Manager, tagPrefix string, logger *zap.Logger) *Subscriber {
	if tagPrefix == "" {
		tagPrefix = DefaultConsumerTag
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Subscriber{
		m:         m,
		queue:     m.Topology().EventsQueue,
		tagPrefix: tagPrefix,
		prefetch:  1,
		logger:    logger.Named("subscriber"),
	}
}

// Subscribe starts a consumer on the live session. The returned channel closes when the
// session ends or ctx is done; on ctx the consumer tag is cancelled first.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan cbus.Delivery, error) {
	sess, err := s.m.Session()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.queue, err)
	}

	if err := sess.Channel.Qos(s.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("subscribe %s: qos: %w: %w", s.queue, berr.ErrConnectivity, err)
	}

	tag := s.tagPrefix + "-" + uuid.NewString()[:8]

	msgs, err := sess.Channel.Consume(s.queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: consume: %w: %w", s.queue, berr.ErrConnectivity, err)
	}

	s.logger.Info("consuming", zap.String("queue", s.queue), zap.String("consumer_tag", tag))

	out := make(chan cbus.Delivery)

	go func() {
		defer close(out)

		cancel := func() {
			if err := sess.Channel.Cancel(tag, false); err != nil {
				s.logger.Debug("cancel consumer", zap.String("consumer_tag", tag), zap.Error(err))
			}
		}

		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-sess.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}

				select {
				case out <- toDelivery(d):
				case <-ctx.Done():
					// Left unsettled; the broker requeues it when the channel closes.
					cancel()
					return
				case <-sess.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

type deliveryAcker struct{ ack amqp.Acknowledger }

func (a deliveryAcker) Ack(tag uint64) error { return a.ack.Ack(tag, false) }

func (a deliveryAcker) Reject(tag uint64) error { return a.ack.Reject(tag, false) }

func toDelivery(d amqp.Delivery) cbus.Delivery {
	var ack cbus.Acknowledger
	if d.Acknowledger != nil {
		ack = deliveryAcker{ack: d.Acknowledger}
	}

	return cbus.Delivery{
		Acknowledger: ack,
		RoutingKey:   d.RoutingKey,
		MessageID:    d.MessageId,
		DeliveryTag:  d.DeliveryTag,
		Redelivered:  d.Redelivered,
		Headers:      fromTable(d.Headers),
		Body:         d.Body,
	}
}
