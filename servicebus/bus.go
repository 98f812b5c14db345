package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/next-trace/scg-pos-bridge/consumer"
	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
	"github.com/next-trace/scg-pos-bridge/dedup"
	"github.com/next-trace/scg-pos-bridge/dispatch"
	"github.com/next-trace/scg-pos-bridge/relay"
)

// Transport is the broker side of the bridge: confirmed command publishing, readiness
// and the inbound event source.
type Transport interface {
	cbus.CommandPublisher
	cbus.Readiness
	cbus.EventSource
}

// supervisor is implemented by transports that own a reconnect loop.
type supervisor interface {
	Run(ctx context.Context) error
}

type connectNotifier interface {
	OnConnected(fn func(ctx context.Context))
}

type closer interface {
	Close() error
}

// Options configures a Bridge. Transport, Store and Venues are required.
type Options struct {
	Transport     Transport
	Store         cbus.CommandStore
	Writer        cbus.CommandWriter
	Venues        cbus.VenueDirectory
	Notifications cbus.CommandNotifications

	// Deduper replaces the in-process dedup cache, e.g. with a shared Redis store.
	Deduper         cbus.Deduper
	DedupTTL        time.Duration
	DedupMaxEntries int

	Notifier   cbus.Notifier
	Propagator cbus.HeaderPropagator
	Middleware []dispatch.Middleware
	Logger     *zap.Logger

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	RelayQueueSize         int
	RelaySweepBatch        int
	RelaySweepInterval     time.Duration
	ListenerReconnectDelay time.Duration
	ProcessTimeout         time.Duration
	HandlerTimeout         time.Duration
	ResubscribeDelay       time.Duration
}

// Bridge is concurrency-safe and contains no global state.
type Bridge struct {
	transport Transport
	writer    cbus.CommandWriter
	registry  *dispatch.Registry
	relay     *relay.Relay
	consumer  *consumer.Consumer
	cache     *dedup.Cache
	logger    *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New wires transport → relay and transport → consumer → dispatcher.
func New(opts Options) (*Bridge, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("servicebus: transport required: %w", berr.ErrConfiguration)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bridge{
		transport: opts.Transport,
		writer:    opts.Writer,
		logger:    logger.Named("bridge"),
	}

	b.registry = dispatch.New(dispatch.WithLogger(logger), dispatch.WithMiddleware(opts.Middleware...))

	deduper := opts.Deduper
	if deduper == nil {
		b.cache = dedup.New(dedup.WithTTL(opts.DedupTTL), dedup.WithMaxEntries(opts.DedupMaxEntries))
		deduper = b.cache
	}

	var err error

	b.relay, err = relay.New(relay.Options{
		Store:                  opts.Store,
		Venues:                 opts.Venues,
		Publisher:              opts.Transport,
		Notifications:          opts.Notifications,
		Notifier:               opts.Notifier,
		Logger:                 logger,
		TracerProvider:         opts.TracerProvider,
		MeterProvider:          opts.MeterProvider,
		QueueSize:              opts.RelayQueueSize,
		SweepBatch:             opts.RelaySweepBatch,
		SweepInterval:          opts.RelaySweepInterval,
		ListenerReconnectDelay: opts.ListenerReconnectDelay,
		ProcessTimeout:         opts.ProcessTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("servicebus: %w", err)
	}

	b.consumer, err = consumer.New(consumer.Options{
		Source:           opts.Transport,
		Dispatcher:       b.registry,
		Deduper:          deduper,
		Notifier:         opts.Notifier,
		Propagator:       opts.Propagator,
		Logger:           logger,
		TracerProvider:   opts.TracerProvider,
		MeterProvider:    opts.MeterProvider,
		ResubscribeDelay: opts.ResubscribeDelay,
		HandlerTimeout:   opts.HandlerTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("servicebus: %w", err)
	}

	if cn, ok := opts.Transport.(connectNotifier); ok {
		// Commands left PENDING while the broker was down are only reachable by a sweep.
		cn.OnConnected(func(context.Context) { b.relay.TriggerSweep() })
	}

	return b, nil
}

// Handle registers h for (entity, event). Duplicate bindings are rejected.
func (b *Bridge) Handle(entity, event string, h cbus.EventHandler) error {
	return b.registry.Register(entity, event, h)
}

// HandleFunc registers fn for (entity, event).
func (b *Bridge) HandleFunc(entity, event string, fn func(ctx context.Context, e cbus.Event) error) error {
	return b.registry.RegisterFunc(entity, event, fn)
}

// Registry exposes the dispatcher, e.g. for dispatch.RegisterJSON.
func (b *Bridge) Registry() *dispatch.Registry { return b.registry }

// Relay exposes the command outbox relay.
func (b *Bridge) Relay() *relay.Relay { return b.relay }

// Consumer exposes the event consumer.
func (b *Bridge) Consumer() *consumer.Consumer { return b.consumer }

// Connected reports broker readiness.
func (b *Bridge) Connected() bool { return b.transport.Connected() }

// Enqueue stores cmd as PENDING. The store's notify signal wakes the relay.
func (b *Bridge) Enqueue(ctx context.Context, cmd *cbus.Command) error {
	if b.writer == nil {
		return fmt.Errorf("enqueue: no command writer: %w", berr.ErrConfiguration)
	}

	return b.writer.Enqueue(ctx, cmd)
}

// Requeue moves a FAILED command back to PENDING.
func (b *Bridge) Requeue(ctx context.Context, id uuid.UUID) error {
	if b.writer == nil {
		return fmt.Errorf("requeue %s: no command writer: %w", id, berr.ErrConfiguration)
	}

	return b.writer.Requeue(ctx, id)
}

// BatchOptions controls EnqueueBatch.
// OnProgress is called after each command with done and total.
// OnError is called when a command fails to enqueue with its index, the command and the error.
type BatchOptions struct {
	OnProgress func(done, total int)
	OnError    func(index int, cmd *cbus.Command, err error)
}

// BatchOpt configures BatchOptions.
type BatchOpt func(*BatchOptions)

// WithBatchProgress sets the progress callback.
func WithBatchProgress(fn func(done, total int)) BatchOpt {
	return func(o *BatchOptions) { o.OnProgress = fn }
}

// WithBatchOnError sets the error callback.
func WithBatchOnError(fn func(index int, cmd *cbus.Command, err error)) BatchOpt {
	return func(o *BatchOptions) { o.OnError = fn }
}

// EnqueueBatch enqueues cmds in order. It keeps going past failures, stops on ctx
// cancellation and returns every error joined.
func (b *Bridge) EnqueueBatch(ctx context.Context, cmds []*cbus.Command, opts ...BatchOpt) error {
	var o BatchOptions
	for _, f := range opts {
		f(&o)
	}

	total := len(cmds)

	var errs []error

	for i, c := range cmds {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		if err := b.Enqueue(ctx, c); err != nil {
			if o.OnError != nil {
				o.OnError(i, c, err)
			}

			errs = append(errs, err)
		}

		if o.OnProgress != nil {
			o.OnProgress(i+1, total)
		}
	}

	return errors.Join(errs...)
}

// Run runs the transport supervisor (when it has one), the relay, the consumer and the
// dedup sweeper until ctx is done, then closes the transport. The transport outlives the
// relay and the consumer so an in-flight publish still receives its confirm.
func (b *Bridge) Run(ctx context.Context) error {
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	transportCtx, stopTransport := context.WithCancel(context.WithoutCancel(ctx))
	defer stopTransport()

	var transport errgroup.Group

	if s, ok := b.transport.(supervisor); ok {
		transport.Go(func() error {
			err := s.Run(transportCtx)
			if err != nil {
				stopRun()
			}

			return err
		})
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return b.relay.Run(gctx) })
	g.Go(func() error { return b.consumer.Run(gctx) })

	if b.cache != nil {
		g.Go(func() error { return b.cache.Run(gctx) })
	}

	b.logger.Info("bridge running", zap.Int("routes", len(b.registry.Routes())))

	err := g.Wait()

	stopTransport()

	if terr := transport.Wait(); terr != nil {
		err = errors.Join(err, terr)
	}

	if cerr := b.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}

	b.logger.Info("bridge stopped", zap.Error(err))

	return err
}

// Close releases the transport. It is idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		if c, ok := b.transport.(closer); ok {
			b.closeErr = c.Close()
		}
	})

	return b.closeErr
}
