package lockmgr

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/brokerd/internal/core"
	"pkt.systems/pslog"
)

type lockMetrics struct {
	acquire metric.Int64Counter
	release metric.Int64Counter
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/brokerd/lockmgr")
	m := &lockMetrics{}
	var err error
	m.acquire, err = meter.Int64Counter(
		"brokerd.lock.acquire",
		metric.WithDescription("Lock acquisition attempts by result"),
	)
	core.LogMetricInitError(logger, "brokerd.lock.acquire", err)
	m.release, err = meter.Int64Counter(
		"brokerd.lock.release",
		metric.WithDescription("Lock releases by result"),
	)
	core.LogMetricInitError(logger, "brokerd.lock.release", err)
	return m
}

func (m *lockMetrics) recordAcquire(ctx context.Context, op, result string) {
	if m == nil || m.acquire == nil {
		return
	}
	m.acquire.Add(ctx, 1, metric.WithAttributes(
		attribute.String("brokerd.lock.operation", op),
		attribute.String("brokerd.lock.result", result),
	))
}

func (m *lockMetrics) recordRelease(ctx context.Context, result string) {
	if m == nil || m.release == nil {
		return
	}
	m.release.Add(ctx, 1, metric.WithAttributes(attribute.String("brokerd.lock.result", result)))
}
