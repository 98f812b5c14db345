package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// DefaultConfirmTimeout bounds the wait for a publisher confirm.
const DefaultConfirmTimeout = 10 * time.Second

const instrumentationName = "github.com/next-trace/scg-pos-bridge/adapters/rabbitmq"

// Publisher publishes persistent messages to the commands exchange and returns once the
// broker confirmed them. Publishes are serialized so confirms pair with their message
// without delivery-tag bookkeeping.
type Publisher struct {
	m              *Manager
	exchange       string
	confirmTimeout time.Duration
	propagator     cbus.HeaderPropagator
	tracer         trace.Tracer
	logger         *zap.Logger
	now            func() time.Time

	publishMu sync.Mutex
}

var (
	_ cbus.CommandPublisher = (*Publisher)(nil)
	_ cbus.Readiness        = (*Publisher)(nil)
)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout overrides DefaultConfirmTimeout.
func WithConfirmTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// WithPropagator injects trace context into message headers.
func WithPropagator(hp cbus.HeaderPropagator) PublisherOption {
	return func(p *Publisher) {
		if hp != nil {
			p.propagator = hp
		}
	}
}

// WithPublisherTracer sets the tracer provider.
func WithPublisherTracer(tp trace.TracerProvider) PublisherOption {
	return func(p *Publisher) {
		if tp != nil {
			p.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(l *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPublisher publishes through m's session onto the commands exchange.
func NewPublisher(m *Manager, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		m:              m,
		exchange:       m.Topology().CommandsExchange,
		confirmTimeout: DefaultConfirmTimeout,
		propagator:     cbus.NopHeaderPropagator{},
		tracer:         otel.GetTracerProvider().Tracer(instrumentationName),
		logger:         zap.NewNop(),
		now:            func() time.Time { return time.Now().UTC() },
	}

	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}

	p.logger = p.logger.Named("publisher")

	return p
}

// Connected reports whether the broker session is live.
func (p *Publisher) Connected() bool { return p.m.Connected() }

// Publish sends body under routingKey and waits for the broker confirm.
//
//   - no session: ErrNotConnected
//   - broker flow control or blocked connection: ErrBufferFull
//   - nack or lost confirm: ErrPublishRejected
//   - no confirm within the timeout: ErrPublishRejected and ErrConfirmTimeout; the
//     session is invalidated because a late confirm would pair with the next message.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	sess, err := p.m.Session()
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	if p.m.Blocked() {
		return fmt.Errorf("publish %s: broker flow control active: %w", routingKey, berr.ErrBufferFull)
	}

	ctx, span := p.tracer.Start(ctx, "rabbitmq.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		))
	defer span.End()

	headers := make(map[string]string, 2)
	p.propagator.Inject(ctx, headers)

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.now(),
		Headers:      toTable(headers),
		Body:         body,
	}

	span.SetAttributes(attribute.String("messaging.message.id", msg.MessageId))

	if err := sess.Channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		err = fmt.Errorf("publish %s: %w", routingKey, classifyPublishErr(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")

		return err
	}

	if err := p.waitForConfirm(ctx, sess); err != nil {
		if errors.Is(err, berr.ErrConfirmTimeout) || ctx.Err() != nil {
			p.m.Invalidate(sess, err)
		}

		err = fmt.Errorf("publish %s: %w", routingKey, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm")

		return err
	}

	p.logger.Debug("publish confirmed", zap.String("routing_key", routingKey), zap.String("message_id", msg.MessageId))

	return nil
}

func (p *Publisher) waitForConfirm(ctx context.Context, sess *Session) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-sess.Confirms:
		if !ok {
			return fmt.Errorf("confirm stream closed: %w: %w", berr.ErrPublishRejected, berr.ErrConnectivity)
		}

		if !c.Ack {
			return fmt.Errorf("broker nack delivery_tag=%d: %w", c.DeliveryTag, berr.ErrPublishRejected)
		}

		return nil
	case <-sess.Done():
		return fmt.Errorf("session ended before confirm: %w: %w", berr.ErrPublishRejected, berr.ErrConnectivity)
	case <-timer.C:
		return fmt.Errorf("no confirm after %s: %w: %w", p.confirmTimeout, berr.ErrPublishRejected, berr.ErrConfirmTimeout)
	case <-ctx.Done():
		return fmt.Errorf("waiting for confirm: %w: %w", berr.ErrPublishRejected, ctx.Err())
	}
}

func classifyPublishErr(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %w", berr.ErrNotConnected, err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %w", berr.ErrConnectivity, err)
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}

	return t
}

func fromTable(t amqp.Table) map[string]string {
	h := make(map[string]string, len(t))

	for k, v := range t {
		switch x := v.(type) {
		case string:
			h[k] = x
		case []byte:
			h[k] = string(x)
		default:
			h[k] = fmt.Sprint(x)
		}
	}

	return h
}
