// Package consumer reads inbound POS events, suppresses redeliveries and settles every
// message exactly once: ack after a successful dispatch or a duplicate hit, reject
// (dead-letter) on an unparseable body or a dispatch error.
package consumer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

const (
	DefaultResubscribeDelay = time.Second
	DefaultHandlerTimeout   = 30 * time.Second

	instrumentationName = "github.com/next-trace/scg-pos-bridge/consumer"
)

// externalIDKeys are the payload fields that carry the POS-side identifier, in lookup order.
var externalIDKeys = []string{"externalId", "external_id", "id"}

// Outcome is how a delivery was settled.
type Outcome int

const (
	Acked Outcome = iota + 1
	Duplicate
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Duplicate:
		return "duplicate"
	case DeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Options configures a Consumer. Source, Dispatcher and Deduper are required.
type Options struct {
	Source     cbus.EventSource
	Dispatcher cbus.EventDispatcher
	Deduper    cbus.Deduper
	Notifier   cbus.Notifier
	Propagator cbus.HeaderPropagator
	Logger     *zap.Logger

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	// ResubscribeDelay is the pause before subscribing again after the source ends.
	ResubscribeDelay time.Duration
	// HandlerTimeout bounds one dispatch. Shutdown does not cancel a running handler.
	HandlerTimeout time.Duration
}

// Consumer is the inbound event consumer.
type Consumer struct {
	source     cbus.EventSource
	dispatcher cbus.EventDispatcher
	dedup      cbus.Deduper
	notifier   cbus.Notifier
	propagator cbus.HeaderPropagator
	logger     *zap.Logger
	tracer     trace.Tracer

	acked        metric.Int64Counter
	duplicates   metric.Int64Counter
	deadLettered metric.Int64Counter

	resubscribeDelay time.Duration
	handlerTimeout   time.Duration
}

// New validates opts and builds a Consumer.
func New(opts Options) (*Consumer, error) {
	if opts.Source == nil || opts.Dispatcher == nil || opts.Deduper == nil {
		return nil, fmt.Errorf("consumer: source, dispatcher and deduper are required: %w", berr.ErrConfiguration)
	}

	c := &Consumer{
		source:           opts.Source,
		dispatcher:       opts.Dispatcher,
		dedup:            opts.Deduper,
		notifier:         opts.Notifier,
		propagator:       opts.Propagator,
		logger:           opts.Logger,
		resubscribeDelay: opts.ResubscribeDelay,
		handlerTimeout:   opts.HandlerTimeout,
	}

	if c.notifier == nil {
		c.notifier = cbus.NopNotifier{}
	}

	if c.propagator == nil {
		c.propagator = cbus.NopHeaderPropagator{}
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	c.logger = c.logger.Named("consumer")

	if c.resubscribeDelay <= 0 {
		c.resubscribeDelay = DefaultResubscribeDelay
	}

	if c.handlerTimeout <= 0 {
		c.handlerTimeout = DefaultHandlerTimeout
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	c.tracer = tp.Tracer(instrumentationName)

	if err := c.initMetrics(opts.MeterProvider); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Consumer) initMetrics(provider metric.MeterProvider) error {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(instrumentationName)

	var err error

	c.acked, err = meter.Int64Counter("posbridge.events.acked",
		metric.WithDescription("Inbound events dispatched and acknowledged"),
		metric.WithUnit("{event}"))
	if err != nil {
		return fmt.Errorf("create posbridge.events.acked counter: %w", err)
	}

	c.duplicates, err = meter.Int64Counter("posbridge.events.duplicate",
		metric.WithDescription("Inbound redeliveries acknowledged without dispatch"),
		metric.WithUnit("{event}"))
	if err != nil {
		return fmt.Errorf("create posbridge.events.duplicate counter: %w", err)
	}

	c.deadLettered, err = meter.Int64Counter("posbridge.events.dead_lettered",
		metric.WithDescription("Inbound events rejected to the dead-letter queue"),
		metric.WithUnit("{event}"))
	if err != nil {
		return fmt.Errorf("create posbridge.events.dead_lettered counter: %w", err)
	}

	return nil
}

// Run consumes until ctx is done, subscribing again whenever the source ends.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.logger.Info("consumer stopped")

	for {
		deliveries, err := c.source.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, berr.ErrNotConnected) {
				c.logger.Debug("event source not connected; waiting")
			} else {
				c.logger.Warn("subscribe to events failed", zap.Error(err))
			}
		} else {
			c.logger.Info("subscribed to events")

			for d := range deliveries {
				c.HandleDelivery(ctx, d)
			}

			if ctx.Err() != nil {
				return nil
			}

			c.logger.Warn("event subscription ended; resubscribing", zap.Duration("delay", c.resubscribeDelay))
		}

		t := time.NewTimer(c.resubscribeDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// HandleDelivery processes and settles one delivery.
func (c *Consumer) HandleDelivery(ctx context.Context, d cbus.Delivery) Outcome {
	ctx = c.propagator.Extract(ctx, d.Headers)

	ctx, span := c.tracer.Start(ctx, "consumer.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.routing_key", d.RoutingKey),
			attribute.String("messaging.message.id", d.MessageID),
			attribute.Bool("messaging.redelivered", d.Redelivered),
		))
	defer span.End()

	log := c.logger.With(
		zap.String("routing_key", d.RoutingKey),
		zap.String("message_id", d.MessageID),
		zap.Uint64("delivery_tag", d.DeliveryTag),
	)

	externalID, err := ExternalID(d.Body)
	if err != nil {
		return c.deadLetter(ctx, span, log, d, fmt.Errorf("parse event body: %w", err))
	}

	if externalID == "" {
		externalID = "tag:" + strconv.FormatUint(d.DeliveryTag, 10)
	}

	fp := Fingerprint(d.RoutingKey, externalID, d.MessageID)
	log = log.With(zap.String("external_id", externalID), zap.String("fingerprint", fp))

	dup, err := c.dedup.Claim(ctx, fp, externalID)
	if err != nil {
		// Without the dedup store the message is processed; handlers are idempotent.
		log.Warn("dedup lookup failed; processing anyway", zap.Error(err))
	}

	if dup {
		log.Debug("duplicate delivery acknowledged without dispatch")
		c.settle(log, d, true)
		c.duplicates.Add(ctx, 1)
		span.SetAttributes(attribute.String("posbridge.outcome", Duplicate.String()))

		return Duplicate
	}

	if err := c.dispatch(ctx, d); err != nil {
		if rerr := c.dedup.Release(ctx, fp); rerr != nil {
			log.Warn("release fingerprint", zap.Error(rerr))
		}

		return c.deadLetter(ctx, span, log, d, err)
	}

	c.settle(log, d, true)
	c.acked.Add(ctx, 1)
	span.SetAttributes(attribute.String("posbridge.outcome", Acked.String()))

	return Acked
}

func (c *Consumer) dispatch(ctx context.Context, d cbus.Delivery) (err error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handlerTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatch %s: handler panic: %v: %w", d.RoutingKey, p, berr.ErrHandlerFailed)
		}
	}()

	return c.dispatcher.Dispatch(hctx, d.RoutingKey, d.Body)
}

func (c *Consumer) deadLetter(ctx context.Context, span trace.Span, log *zap.Logger, d cbus.Delivery, cause error) Outcome {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "dead-lettered")
	span.SetAttributes(attribute.String("posbridge.outcome", DeadLettered.String()))

	log.Error("event rejected to dead-letter queue", zap.Error(cause))
	c.settle(log, d, false)
	c.deadLettered.Add(ctx, 1)

	signal := cbus.RejectedEvent{
		RoutingKey: d.RoutingKey,
		MessageID:  d.MessageID,
		Reason:     cause.Error(),
		RejectedAt: time.Now().UTC(),
	}

	if err := c.notifier.EventRejected(ctx, signal); err != nil {
		log.Warn("rejection signal not delivered", zap.Error(err))
	}

	return DeadLettered
}

func (c *Consumer) settle(log *zap.Logger, d cbus.Delivery, ack bool) {
	var err error
	if ack {
		err = d.Ack()
	} else {
		err = d.Reject()
	}

	// The broker redelivers an unsettled message once the channel is re-established.
	if err != nil {
		log.Warn("settle delivery", zap.Bool("ack", ack), zap.Error(err))
	}
}

// ExternalID returns the POS-side identifier embedded in body, or "" when the body is
// valid JSON without one. Invalid JSON yields ErrMalformedMessage.
func ExternalID(body []byte) (string, error) {
	if !json.Valid(body) {
		return "", berr.ErrMalformedMessage
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", nil
	}

	for _, k := range externalIDKeys {
		raw, ok := obj[k]
		if !ok {
			continue
		}

		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s, nil
			}

			continue
		}

		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String(), nil
		}
	}

	return "", nil
}

// Fingerprint identifies a delivery for redelivery suppression.
func Fingerprint(routingKey, externalID, messageID string) string {
	h := sha256.New()
	h.Write([]byte(routingKey))
	h.Write([]byte{0})
	h.Write([]byte(externalID))
	h.Write([]byte{0})
	h.Write([]byte(messageID))

	return hex.EncodeToString(h.Sum(nil))
}
