package brokerd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"pkt.systems/pslog"

	"pkt.systems/brokerd/internal/version"
)

type telemetryConfig struct {
	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
}

func (c telemetryConfig) empty() bool {
	return strings.TrimSpace(c.OTLPEndpoint) == "" &&
		strings.TrimSpace(c.MetricsListen) == "" &&
		strings.TrimSpace(c.PprofListen) == ""
}

// telemetry owns the providers and debug listeners started for a server.
// Shutdown runs the recorded closers in reverse order.
type telemetry struct {
	logger      pslog.Logger
	closers     []namedCloser
	metricsAddr net.Addr
	pprofAddr   net.Addr
}

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

func (t *telemetry) onShutdown(name string, fn func(context.Context) error) {
	t.closers = append(t.closers, namedCloser{name: name, fn: fn})
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		c := t.closers[i]
		if err := c.fn(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", c.name, err))
			t.logger.Warn("telemetry.shutdown.failure", "component", c.name, "error", err)
		}
	}
	t.closers = nil
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// setupTelemetry installs the global tracer and meter providers requested by
// cfg. It returns nil when nothing is enabled.
func setupTelemetry(ctx context.Context, cfg telemetryConfig, logger pslog.Logger) (_ *telemetry, err error) {
	if cfg.EnableProfilingMetrics && strings.TrimSpace(cfg.MetricsListen) == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	if cfg.empty() {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := sdkresource.New(ctx,
		sdkresource.WithSchemaURL(semconv.SchemaURL),
		sdkresource.WithAttributes(
			semconv.ServiceName("brokerd"),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	t := &telemetry{logger: logger}
	defer func() {
		if err != nil {
			_ = t.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		exporter, err := newTraceExporter(ctx, target)
		if err != nil {
			return nil, err
		}
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(provider)
		t.onShutdown("trace", provider.Shutdown)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if listen := strings.TrimSpace(cfg.MetricsListen); listen != "" {
		registry := prometheus.NewRegistry()
		opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.EnableProfilingMetrics {
			opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(provider)
		t.onShutdown("metric", provider.Shutdown)
		if cfg.EnableProfilingMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
			})
			if runtimeMetricsErr != nil {
				return nil, fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr)
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		addr, err := t.serve("metrics", listen, mux)
		if err != nil {
			return nil, err
		}
		t.metricsAddr = addr
		logger.Info("telemetry.metrics.enabled", "listen", addr.String())
	}

	if listen := strings.TrimSpace(cfg.PprofListen); listen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		addr, err := t.serve("pprof", listen, mux)
		if err != nil {
			return nil, err
		}
		t.pprofAddr = addr
		logger.Info("profiling.pprof.enabled", "listen", addr.String())
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

func (t *telemetry) serve(name, addr string, handler http.Handler) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve.error", "component", name, "error", err)
		}
	}()
	t.onShutdown(name+" server", srv.Shutdown)
	return ln.Addr(), nil
}

type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

func newTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
		}
		return exporter, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
}

// resolveOTLPTarget accepts host[:port] (grpc, plaintext) or a URL with a
// grpc, grpcs, http or https scheme.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withDefaultPort(raw, "4317"), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	target := otlpTarget{endpoint: u.Host, path: strings.TrimSuffix(u.Path, "/")}
	port := "4317"
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		target.protocol, target.insecure = "grpc", true
	case "grpcs":
		target.protocol = "grpc"
	case "http":
		target.protocol, target.insecure, port = "http", true, "4318"
	case "https":
		target.protocol, port = "http", "4318"
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if target.endpoint == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	target.endpoint = withDefaultPort(target.endpoint, port)
	return target, nil
}

func withDefaultPort(hostport, port string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(hostport, port)
}
