package core

import "pkt.systems/pslog"

// MetricResultLabel maps an error to the result attribute used on counters.
func MetricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

// LogMetricInitError reports instruments that could not be created. Metrics
// are best effort and never block startup.
func LogMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}
