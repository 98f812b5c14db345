package relay

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/next-trace/scg-pos-bridge/relay"

type relayMetrics struct {
	published metric.Int64Counter
	failed    metric.Int64Counter
	skipped   metric.Int64Counter
	swept     metric.Int64Counter
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(instrumentationName)

	var (
		m   relayMetrics
		err error
	)

	m.published, err = meter.Int64Counter(
		"posbridge.commands.published",
		metric.WithDescription("Commands confirmed by the broker"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create posbridge.commands.published counter: %w", err)
	}

	m.failed, err = meter.Int64Counter(
		"posbridge.commands.failed",
		metric.WithDescription("Commands marked FAILED"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create posbridge.commands.failed counter: %w", err)
	}

	m.skipped, err = meter.Int64Counter(
		"posbridge.commands.skipped",
		metric.WithDescription("Processing passes that left a command untouched"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create posbridge.commands.skipped counter: %w", err)
	}

	m.swept, err = meter.Int64Counter(
		"posbridge.relay.swept",
		metric.WithDescription("PENDING commands queued by recovery sweeps"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create posbridge.relay.swept counter: %w", err)
	}

	return m, nil
}

func (m relayMetrics) skip(ctx context.Context, reason string) {
	if m.skipped == nil {
		return
	}

	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m relayMetrics) add(ctx context.Context, c metric.Int64Counter, n int64) {
	if c == nil || n <= 0 {
		return
	}

	c.Add(ctx, n)
}
