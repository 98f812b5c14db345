package rabbitmq

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
)

// TracePropagator carries OpenTelemetry context in AMQP headers.
type TracePropagator struct {
	p propagation.TextMapPropagator
}

var _ cbus.HeaderPropagator = TracePropagator{}

// NewTracePropagator wraps p; nil uses the global propagator.
func NewTracePropagator(p propagation.TextMapPropagator) TracePropagator {
	if p == nil {
		p = otel.GetTextMapPropagator()
	}

	return TracePropagator{p: p}
}

// W3CPropagator returns a propagator for W3C trace context and baggage.
func W3CPropagator() TracePropagator {
	return TracePropagator{p: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})}
}

func (t TracePropagator) Inject(ctx context.Context, headers map[string]string) {
	if headers == nil || t.p == nil {
		return
	}

	t.p.Inject(ctx, propagation.MapCarrier(headers))
}

func (t TracePropagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 || t.p == nil {
		return ctx
	}

	return t.p.Extract(ctx, propagation.MapCarrier(headers))
}
