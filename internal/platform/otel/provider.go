// Package otel sets up OpenTelemetry tracing and Prometheus-backed metrics
// for signalflow processes.
package otel

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls trace export. Tracing is opt-in: without an endpoint no
// exporter is created.
type Config struct {
	Endpoint string `env:"SIGNALFLOW_OTEL_ENDPOINT" yaml:"endpoint"`
	Enabled  bool   `env:"SIGNALFLOW_OTEL_ENABLED" envDefault:"true" yaml:"enabled"`
}

// Telemetry holds the providers a process hands to its components.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	registry *prometheus.Registry
	shutdown []func(context.Context) error
}

// Setup initialises tracing and metrics for serviceName.
//
// Metrics are always collected into a private Prometheus registry exposed by
// MetricsHandler. Spans are exported over OTLP/HTTP when cfg names an
// endpoint; otherwise the global (no-op) tracer provider is used.
//
// The returned Telemetry must be shut down to flush pending data.
func Setup(ctx context.Context, serviceName string, cfg Config) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{TracerProvider: otel.GetTracerProvider()}

	if cfg.Enabled && cfg.Endpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(cfg.Endpoint),
		)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		t.TracerProvider = tp
		t.shutdown = append(t.shutdown, tp.Shutdown)
	}

	reg, err := newRegistry()
	if err != nil {
		return nil, errors.Join(err, t.Shutdown(ctx))
	}
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, errors.Join(err, t.Shutdown(ctx))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	t.MeterProvider = mp
	t.registry = reg
	t.shutdown = append(t.shutdown, mp.Shutdown)

	return t, nil
}

func newRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return reg, nil
}

// MetricsHandler serves the collected metrics in the Prometheus exposition
// format.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Shutdown flushes and stops every provider created by Setup.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}
