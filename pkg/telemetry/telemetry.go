// Package telemetry sets up OpenTelemetry metrics and tracing for the
// gojolite tools. Metrics are exported in Prometheus format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Config holds the telemetry settings.
type Config struct {
	// Enabled toggles metrics and tracing.
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	// PrometheusPort serves /metrics when non-zero.
	PrometheusPort int `yaml:"prometheus_port"`
	// TraceSampleRatio is the fraction of statements traced. Values outside
	// (0, 1] mean 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Telemetry holds the active providers.
type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	// Registry gathers the exported metrics. It is nil when disabled.
	Registry *prometheus.Registry
	// Addr is the address /metrics is served on, once listening.
	Addr string

	shutdown []func(context.Context) error
}

// New sets up the providers. When disabled it returns no-op ones.
func New(config Config, logger *zap.Logger) (*Telemetry, error) {
	if !config.Enabled {
		return &Telemetry{
			Tracer: nooptrace.NewTracerProvider().Tracer(""),
			Meter:  noop.NewMeterProvider().Meter(""),
		}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	name := config.ServiceName
	if name == "" {
		name = "gojolite"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(name)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	ratio := config.TraceSampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		Tracer:   tracerProvider.Tracer(name),
		Meter:    meterProvider.Meter(name),
		Registry: registry,
		shutdown: []func(context.Context) error{tracerProvider.Shutdown, meterProvider.Shutdown},
	}
	if config.PrometheusPort != 0 {
		if err := t.serve(config.PrometheusPort, logger); err != nil {
			_ = t.Shutdown(context.Background())
			return nil, err
		}
	}
	return t, nil
}

func (t *Telemetry) serve(port int, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	t.Addr = ln.Addr().String()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", t.Addr))
	t.shutdown = append([]func(context.Context) error{srv.Shutdown}, t.shutdown...)
	return nil
}

// Shutdown stops the metrics server and flushes the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	t.shutdown = nil
	return errors.Join(errs...)
}
