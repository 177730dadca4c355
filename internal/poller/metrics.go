package poller

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/brokerd/internal/core"
	"pkt.systems/pslog"
)

type pollerMetrics struct {
	transitions metric.Int64Counter
	probes      metric.Int64Counter
	reschedules metric.Int64Counter
}

func newPollerMetrics(logger pslog.Logger) *pollerMetrics {
	meter := otel.Meter("pkt.systems/brokerd/poller")
	m := &pollerMetrics{}
	var err error
	m.transitions, err = meter.Int64Counter(
		"brokerd.lro.transitions",
		metric.WithDescription("Tracked operation state transitions"),
	)
	core.LogMetricInitError(logger, "brokerd.lro.transitions", err)
	m.probes, err = meter.Int64Counter(
		"brokerd.lro.probes",
		metric.WithDescription("Probe calls by result"),
	)
	core.LogMetricInitError(logger, "brokerd.lro.probes", err)
	m.reschedules, err = meter.Int64Counter(
		"brokerd.lro.reschedules",
		metric.WithDescription("Reschedule attempts by result"),
	)
	core.LogMetricInitError(logger, "brokerd.lro.reschedules", err)
	return m
}

func (m *pollerMetrics) recordTransition(ctx context.Context, op, state string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("brokerd.lro.operation", op),
		attribute.String("brokerd.lro.state", state),
	))
}

func (m *pollerMetrics) recordProbe(ctx context.Context, op string, err error) {
	if m == nil || m.probes == nil {
		return
	}
	m.probes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("brokerd.lro.operation", op),
		attribute.String("brokerd.lro.result", core.MetricResultLabel(err)),
	))
}

func (m *pollerMetrics) recordReschedule(ctx context.Context, op string, err error) {
	if m == nil || m.reschedules == nil {
		return
	}
	m.reschedules.Add(ctx, 1, metric.WithAttributes(
		attribute.String("brokerd.lro.operation", op),
		attribute.String("brokerd.lro.result", core.MetricResultLabel(err)),
	))
}
