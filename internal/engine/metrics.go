package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/brokerd/internal/core"
	"pkt.systems/pslog"
)

type engineMetrics struct {
	claims   metric.Int64Counter
	inflight metric.Int64UpDownCounter
	duration metric.Float64Histogram
}

func newEngineMetrics(logger pslog.Logger) *engineMetrics {
	meter := otel.Meter("pkt.systems/brokerd/engine")
	m := &engineMetrics{}
	var err error
	m.claims, err = meter.Int64Counter(
		"brokerd.engine.claims",
		metric.WithDescription("Claim attempts by result"),
	)
	core.LogMetricInitError(logger, "brokerd.engine.claims", err)
	m.inflight, err = meter.Int64UpDownCounter(
		"brokerd.engine.inflight",
		metric.WithDescription("Handlers currently running"),
	)
	core.LogMetricInitError(logger, "brokerd.engine.inflight", err)
	m.duration, err = meter.Float64Histogram(
		"brokerd.engine.handler.duration",
		metric.WithDescription("Handler duration"),
		metric.WithUnit("s"),
	)
	core.LogMetricInitError(logger, "brokerd.engine.handler.duration", err)
	return m
}

func (m *engineMetrics) recordClaim(ctx context.Context, kind, result string) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(
		attribute.String("brokerd.resource.kind", kind),
		attribute.String("brokerd.claim.result", result),
	))
}

func (m *engineMetrics) addInflight(ctx context.Context, kind string, delta int64) {
	if m == nil || m.inflight == nil {
		return
	}
	m.inflight.Add(ctx, delta, metric.WithAttributes(attribute.String("brokerd.resource.kind", kind)))
}

func (m *engineMetrics) recordHandler(ctx context.Context, kind string, outcome Outcome, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("brokerd.resource.kind", kind),
		attribute.String("brokerd.handler.outcome", outcome.String()),
	))
}
