package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// Config configures NewWithAMQPConn.
type Config struct {
	URL            string
	ConnTimeout    time.Duration
	ReconnectDelay time.Duration
	ConfirmTimeout time.Duration
	ConsumerTag    string
	// Product is reported in the AMQP client properties.
	Product  string
	Topology Topology
}

// Transport bundles the manager, publisher and subscriber over one connection. It
// satisfies the publisher, readiness and event source ports.
type Transport struct {
	manager    *Manager
	publisher  *Publisher
	subscriber *Subscriber
}

var (
	_ cbus.CommandPublisher = (*Transport)(nil)
	_ cbus.Readiness        = (*Transport)(nil)
	_ cbus.EventSource      = (*Transport)(nil)
)

// Option configures a Transport.
type Option func(*options)

type options struct {
	dialer     Dialer
	logger     *zap.Logger
	propagator cbus.HeaderPropagator
	tracer     trace.TracerProvider
	backoff    Backoff
}

// WithDialer replaces the AMQP dialer, mainly for tests.
func WithDialer(d Dialer) Option { return func(o *options) { o.dialer = d } }

// WithLogger sets the transport logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithHeaderPropagator sets the trace header propagator used on publish.
func WithHeaderPropagator(hp cbus.HeaderPropagator) Option {
	return func(o *options) { o.propagator = hp }
}

// WithTracerProvider sets the tracer provider for publish spans.
func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *options) { o.tracer = tp } }

// WithReconnectBackoff replaces the constant reconnect delay.
func WithReconnectBackoff(b Backoff) Option { return func(o *options) { o.backoff = b } }

// NewWithAMQPConn builds a disconnected Transport. Call Run (or Connect) to go live.
func NewWithAMQPConn(cfg Config, opts ...Option) (*Transport, error) {
	var o options
	for _, f := range opts {
		if f != nil {
			f(&o)
		}
	}

	if cfg.URL == "" && o.dialer == nil {
		return nil, fmt.Errorf("rabbitmq: url required: %w", berr.ErrConfiguration)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	if cfg.Product == "" {
		cfg.Product = "scg-pos-bridge"
	}

	if o.dialer == nil {
		o.dialer = DialAMQP(cfg.URL, cfg.ConnTimeout, cfg.Product)
	}

	if o.backoff == nil {
		delay := cfg.ReconnectDelay
		if delay <= 0 {
			delay = DefaultReconnectDelay
		}

		o.backoff = ConstantBackoff(delay)
	}

	m := NewManager(o.dialer,
		WithTopology(cfg.Topology),
		WithBackoff(o.backoff),
		WithManagerLogger(o.logger),
	)

	pub := NewPublisher(m,
		WithConfirmTimeout(cfg.ConfirmTimeout),
		WithPropagator(o.propagator),
		WithPublisherTracer(o.tracer),
		WithPublisherLogger(o.logger),
	)

	return &Transport{
		manager:    m,
		publisher:  pub,
		subscriber: NewSubscriber(m, cfg.ConsumerTag, o.logger),
	}, nil
}

// Manager exposes the topology manager.
func (t *Transport) Manager() *Manager { return t.manager }

func (t *Transport) Publish(ctx context.Context, routingKey string, body []byte) error {
	return t.publisher.Publish(ctx, routingKey, body)
}

func (t *Transport) Connected() bool { return t.manager.Connected() }

func (t *Transport) Subscribe(ctx context.Context) (<-chan cbus.Delivery, error) {
	return t.subscriber.Subscribe(ctx)
}

// OnConnected registers fn to run after every (re)connect.
func (t *Transport) OnConnected(fn func(context.Context)) { t.manager.OnConnected(fn) }

// Run supervises the connection until ctx is done.
func (t *Transport) Run(ctx context.Context) error { return t.manager.Run(ctx) }

// Close tears down channel then connection.
func (t *Transport) Close() error { return t.manager.Close() }
