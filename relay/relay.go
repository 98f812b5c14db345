// Package relay drives PENDING commands from the durable command store to the broker.
//
// Two triggers feed one bounded queue: notify payloads from the store (near real time)
// and recovery sweeps that page through PENDING rows oldest first. A single worker
// drains the queue, so commands are published one at a time per process. For each id
// the worker re-reads the row and only claims it if it is still PENDING, which makes
// duplicate triggers harmless.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

const (
	DefaultQueueSize              = 256
	DefaultSweepBatch             = 100
	DefaultSweepInterval          = time.Minute
	DefaultListenerReconnectDelay = 5 * time.Second
	DefaultProcessTimeout         = 30 * time.Second

	// DefaultSettleTimeout bounds recording a failure once processing has given up.
	DefaultSettleTimeout = 5 * time.Second

	maxErrorMessage = 1024
)

// Options configures a Relay. Store, Venues and Publisher are required.
type Options struct {
	Store         cbus.CommandStore
	Venues        cbus.VenueDirectory
	Publisher     cbus.CommandPublisher
	Notifications cbus.CommandNotifications
	Notifier      cbus.Notifier
	Logger        *zap.Logger

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	QueueSize  int
	SweepBatch int
	// SweepInterval <= 0 disables the periodic sweep; startup and reconnect sweeps still run.
	SweepInterval          time.Duration
	ListenerReconnectDelay time.Duration
	// ProcessTimeout bounds one command, including the in-flight one during shutdown.
	// Keep it above the publisher's confirm timeout so a missing confirm is reported by
	// the publisher rather than by this deadline.
	ProcessTimeout time.Duration
	// SettleTimeout bounds MarkFailed and the failure signal. They run on a context
	// detached from ProcessTimeout, which may already have expired.
	SettleTimeout time.Duration
	Clock          func() time.Time
}

// Relay is the command outbox relay.
type Relay struct {
	store     cbus.CommandStore
	venues    cbus.VenueDirectory
	publisher cbus.CommandPublisher
	listener  cbus.CommandNotifications
	notifier  cbus.Notifier
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   relayMetrics

	queue   chan uuid.UUID
	sweepCh chan struct{}

	mu     sync.Mutex
	queued map[uuid.UUID]struct{}

	sweepBatch     int
	sweepInterval  time.Duration
	listenDelay    time.Duration
	processTimeout time.Duration
	settleTimeout  time.Duration
	now            func() time.Time
}

// New validates opts and builds a Relay.
func New(opts Options) (*Relay, error) {
	if opts.Store == nil || opts.Venues == nil || opts.Publisher == nil {
		return nil, fmt.Errorf("relay: store, venues and publisher are required: %w", berr.ErrConfiguration)
	}

	r := &Relay{
		store:          opts.Store,
		venues:         opts.Venues,
		publisher:      opts.Publisher,
		listener:       opts.Notifications,
		notifier:       opts.Notifier,
		logger:         opts.Logger,
		queued:         make(map[uuid.UUID]struct{}),
		sweepCh:        make(chan struct{}, 1),
		sweepBatch:     opts.SweepBatch,
		sweepInterval:  opts.SweepInterval,
		listenDelay:    opts.ListenerReconnectDelay,
		processTimeout: opts.ProcessTimeout,
		settleTimeout:  opts.SettleTimeout,
		now:            opts.Clock,
	}

	if r.notifier == nil {
		r.notifier = cbus.NopNotifier{}
	}

	if r.logger == nil {
		r.logger = zap.NewNop()
	}

	r.logger = r.logger.Named("relay")

	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	r.queue = make(chan uuid.UUID, size)

	if r.sweepBatch <= 0 {
		r.sweepBatch = DefaultSweepBatch
	}

	if r.listenDelay <= 0 {
		r.listenDelay = DefaultListenerReconnectDelay
	}

	if r.processTimeout <= 0 {
		r.processTimeout = DefaultProcessTimeout
	}

	if r.settleTimeout <= 0 {
		r.settleTimeout = DefaultSettleTimeout
	}

	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	r.tracer = tp.Tracer(instrumentationName)

	m, err := newRelayMetrics(opts.MeterProvider)
	if err != nil {
		return nil, err
	}

	r.metrics = m

	return r, nil
}

// Run starts the worker, the sweeper and, when configured, the notify listener. It
// returns once ctx is done and the in-flight command has finished.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", zap.Int("queue_size", cap(r.queue)), zap.Int("sweep_batch", r.sweepBatch))
	defer r.logger.Info("relay stopped")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.work(gctx)
		return nil
	})

	g.Go(func() error {
		r.sweepLoop(gctx)
		return nil
	})

	if r.listener != nil {
		g.Go(func() error {
			r.listen(gctx)
			return nil
		})
	}

	return g.Wait()
}

// Notify queues id without blocking. It returns false when the queue is full; the
// command then stays PENDING until the next sweep.
func (r *Relay) Notify(id uuid.UUID) bool {
	if !r.markQueued(id) {
		return true
	}

	select {
	case r.queue <- id:
		return true
	default:
		r.unmarkQueued(id)
		r.logger.Warn("relay queue full; command left for sweep", zap.String("command_id", id.String()))

		return false
	}
}

// TriggerSweep requests a recovery sweep. Requests coalesce.
func (r *Relay) TriggerSweep() {
	select {
	case r.sweepCh <- struct{}{}:
	default:
	}
}

// Sweep queues every PENDING command, oldest first, in pages of the sweep batch size.
// It blocks while the queue is full and returns the number of commands queued.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "relay.sweep")
	defer span.End()

	var (
		cursor cbus.Cursor
		total  int
	)

	for {
		page, err := r.store.ListPending(ctx, cursor, r.sweepBatch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list pending")

			return total, fmt.Errorf("sweep: list pending: %w", err)
		}

		for _, c := range page {
			queued, err := r.enqueueWait(ctx, c.ID)
			if err != nil {
				return total, err
			}

			if queued {
				total++
			}
		}

		if len(page) < r.sweepBatch {
			break
		}

		cursor = cbus.CursorOf(page[len(page)-1])
	}

	span.SetAttributes(attribute.Int("relay.swept", total))
	r.metrics.add(ctx, r.metrics.swept, int64(total))

	return total, nil
}

func (r *Relay) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			r.unmarkQueued(id)

			// The in-flight command finishes even when shutdown starts mid-publish.
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.processTimeout)
			if err := r.processSafely(pctx, id); err != nil {
				r.logger.Error("process command", zap.String("command_id", id.String()), zap.Error(err))
			}
			cancel()
		}
	}
}

func (r *Relay) sweepLoop(ctx context.Context) {
	var tick <-chan time.Time

	if r.sweepInterval > 0 {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	r.runSweep(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			r.runSweep(ctx, "interval")
		case <-r.sweepCh:
			r.runSweep(ctx, "requested")
		}
	}
}

func (r *Relay) runSweep(ctx context.Context, trigger string) {
	n, err := r.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("recovery sweep failed", zap.String("trigger", trigger), zap.Error(err))
		}

		return
	}

	if n > 0 {
		r.logger.Info("recovery sweep queued pending commands", zap.String("trigger", trigger), zap.Int("count", n))
	}
}

func (r *Relay) listen(ctx context.Context) {
	for {
		err := r.listener.Listen(ctx, r.onListening, r.onNotify)
		if ctx.Err() != nil {
			return
		}

		r.logger.Warn("command notifications lost; reconnecting",
			zap.Error(err),
			zap.Duration("delay", r.listenDelay),
		)

		t := time.NewTimer(r.listenDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (r *Relay) onListening() {
	r.logger.Info("listening for command notifications", zap.String("channel", cbus.NotifyChannel))
	// Anything inserted while the subscription was down is only reachable by a sweep.
	r.TriggerSweep()
}

func (r *Relay) onNotify(payload string) {
	id, err := uuid.Parse(strings.TrimSpace(payload))
	if err != nil {
		r.logger.Warn("ignoring malformed command notification", zap.String("payload", payload), zap.Error(err))
		return
	}

	r.Notify(id)
}

func (r *Relay) processSafely(ctx context.Context, id uuid.UUID) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("relay: panic processing %s: %v", id, p)
		}
	}()

	return r.process(ctx, id)
}

// process runs one pass for id. Only store failures are returned; every publish
// outcome is recorded on the command itself.
func (r *Relay) process(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "relay.process",
		trace.WithAttributes(attribute.String("command.id", id.String())))
	defer span.End()

	log := r.logger.With(zap.String("command_id", id.String()))

	cmd, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, berr.ErrCommandNotFound) {
			log.Warn("notified command does not exist")
			r.metrics.skip(ctx, "not_found")

			return nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "load command")

		return fmt.Errorf("load command %s: %w", id, err)
	}

	if cmd.Status != cbus.StatusPending {
		log.Debug("command is not pending; nothing to do", zap.String("status", string(cmd.Status)))
		r.metrics.skip(ctx, "not_pending")

		return nil
	}

	if rd, ok := r.publisher.(cbus.Readiness); ok && !rd.Connected() {
		log.Debug("broker not connected; command left pending")
		r.metrics.skip(ctx, "not_connected")

		return nil
	}

	at := r.now()

	claimed, err := r.store.MarkProcessing(ctx, id, at)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim command")

		return fmt.Errorf("claim command %s: %w", id, err)
	}

	if !claimed {
		log.Debug("command claimed by another pass")
		r.metrics.skip(ctx, "claimed")

		return nil
	}

	cmd.Status = cbus.StatusProcessing
	cmd.LastAttemptAt = &at

	log = log.With(zap.String("venue_id", cmd.VenueID), zap.String("command_type", cmd.CommandType))
	span.SetAttributes(attribute.String("venue.id", cmd.VenueID))

	venue, err := r.venues.Venue(ctx, cmd.VenueID)
	if err == nil && venue.PosType == "" {
		err = berr.ErrConfiguration
	}

	if err != nil {
		return r.fail(ctx, span, log, cmd, fmt.Errorf("resolve venue %s: %w", cmd.VenueID, err))
	}

	body, err := cmd.Body()
	if err != nil {
		return r.fail(ctx, span, log, cmd, err)
	}

	routingKey := cbus.CommandRoutingKey(venue.PosType, cmd.VenueID)
	span.SetAttributes(attribute.String("messaging.destination.routing_key", routingKey))

	if err := r.publish(ctx, routingKey, body); err != nil {
		return r.fail(ctx, span, log, cmd, err)
	}

	log.Info("command published", zap.String("routing_key", routingKey))
	r.metrics.add(ctx, r.metrics.published, 1)

	return nil
}

func (r *Relay) publish(ctx context.Context, routingKey string, body []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("publish %s: publisher panic: %v", routingKey, p)
		}
	}()

	return r.publisher.Publish(ctx, routingKey, body)
}

// fail records cause on the command and raises the operational signal.
func (r *Relay) fail(ctx context.Context, span trace.Span, log *zap.Logger, cmd *cbus.Command, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "command failed")

	msg := errorMessage(cause)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settleTimeout)
	defer cancel()

	at := r.now()
	if err := r.store.MarkFailed(ctx, cmd.ID, msg, at); err != nil {
		return fmt.Errorf("mark command %s failed: %w", cmd.ID, errors.Join(err, cause))
	}

	log.Error("command failed", zap.Error(cause), zap.Bool("retryable", berr.Retryable(cause)))
	r.metrics.add(ctx, r.metrics.failed, 1)

	signal := cbus.FailedCommand{
		CommandID:   cmd.ID.String(),
		VenueID:     cmd.VenueID,
		EntityType:  cmd.EntityType,
		CommandType: cmd.CommandType,
		Attempts:    cmd.Attempts + 1,
		Error:       msg,
		FailedAt:    at,
	}

	if err := r.notifier.CommandFailed(ctx, signal); err != nil {
		log.Warn("failure signal not delivered", zap.Error(err))
	}

	return nil
}

// errorMessage renders cause as valid UTF-8 of at most maxErrorMessage bytes, cut on a
// rune boundary.
func errorMessage(cause error) string {
	msg := strings.ToValidUTF8(cause.Error(), "\uFFFD")
	if len(msg) <= maxErrorMessage {
		return msg
	}

	n := maxErrorMessage
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}

	return msg[:n]
}

// enqueueWait blocks until id is queued or ctx is done. It reports false when id was
// already waiting in the queue.
func (r *Relay) enqueueWait(ctx context.Context, id uuid.UUID) (bool, error) {
	if !r.markQueued(id) {
		return false, nil
	}

	select {
	case r.queue <- id:
		return true, nil
	case <-ctx.Done():
		r.unmarkQueued(id)
		return false, ctx.Err()
	}
}

func (r *Relay) markQueued(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queued[id]; ok {
		return false
	}

	r.queued[id] = struct{}{}

	return true
}

func (r *Relay) unmarkQueued(id uuid.UUID) {
	r.mu.Lock()
	delete(r.queued, id)
	r.mu.Unlock()
}
