package brokerd

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
	}{
		{"collector", "grpc", "collector:4317", "", true},
		{"collector:9000", "grpc", "collector:9000", "", true},
		{"grpcs://otel.example.com", "grpc", "otel.example.com:4317", "", false},
		{"http://otel:4318/v1/traces", "http", "otel:4318", "/v1/traces", true},
		{"https://otel.example.com", "http", "otel.example.com:4318", "", false},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got.protocol != tc.protocol || got.endpoint != tc.endpoint || got.path != tc.path || got.insecure != tc.insecure {
			t.Fatalf("%s: unexpected target %+v", tc.raw, got)
		}
	}
	for _, bad := range []string{"", "ftp://x", "http://"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, err := setupTelemetry(context.Background(), telemetryConfig{}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if tel != nil {
		t.Fatalf("expected nil telemetry when nothing is enabled")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
	if _, err := setupTelemetry(context.Background(), telemetryConfig{EnableProfilingMetrics: true}, nil); err == nil {
		t.Fatalf("expected profiling without metrics listener to fail")
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	tel, err := setupTelemetry(context.Background(), telemetryConfig{MetricsListen: "127.0.0.1:0"}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	resp, err := http.Get("http://" + tel.metricsAddr.String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "target_info") {
		t.Fatalf("expected otel target_info in scrape output")
	}
}
