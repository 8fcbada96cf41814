// Package otel wires the OpenTelemetry SDK for lazyrunner.  Spans and
// metrics can be pushed over OTLP/HTTP, printed to stdout, and metrics
// can additionally be pulled through a Prometheus registry.  Every
// signal carries the identity of the controlled instance as resource
// attributes, so dashboards for several lazyrunner deployments can be
// told apart.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/lazyrunner/internal/buildinfo"
)

// Resource attribute keys describing the controlled instance.
const (
	AttrInstanceType = attribute.Key("lazyrunner.instance.type")
	AttrInstanceName = attribute.Key("lazyrunner.instance.name")
)

// DefaultExportInterval is how often pushed metrics are exported.
const DefaultExportInterval = 10 * time.Second

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP push for traces and metrics.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// StdOut prints traces and metrics to stdout, with or without OTLP.
	StdOut bool

	// Registerer, when set, enables a Prometheus metric reader that
	// registers its collector there.  The /metrics handler is served by
	// the application from the matching Gatherer.
	Registerer prometheus.Registerer

	// InstanceType is the backend kind (gcp, yandex, docker).
	InstanceType string

	// InstanceName identifies the VM or container being toggled.
	InstanceName string

	// ExportInterval for pushed metrics.  Default: 10s.
	ExportInterval time.Duration
}

// SetupOTelSDK installs global tracer and meter providers for the
// signals cfg enables and returns a shutdown function that flushes and
// closes them.  With nothing enabled the global no-op providers stay in
// place and shutdown is a no-op.
func SetupOTelSDK(ctx context.Context, serviceName string, cfg Config) (func(context.Context) error, error) {
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = DefaultExportInterval
	}

	res, err := newResource(ctx, serviceName, cfg)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	var closers []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = errors.Join(err, closers[i](ctx))
		}
		closers = nil
		return err
	}

	spanExporters, err := newSpanExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(spanExporters) > 0 {
		opts := []trace.TracerProviderOption{trace.WithResource(res)}
		for _, exp := range spanExporters {
			opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
		}
		tp := trace.NewTracerProvider(opts...)
		closers = append(closers, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	readers, err := newMetricReaders(ctx, cfg)
	if err != nil {
		return nil, errors.Join(err, shutdown(ctx))
	}
	if len(readers) > 0 {
		opts := []metric.Option{metric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, metric.WithReader(r))
		}
		mp := metric.NewMeterProvider(opts...)
		closers = append(closers, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return shutdown, nil
}

// newResource describes this process.  Attributes are added schemaless
// so the SDK's own detectors can never disagree on a schema URL.
func newResource(ctx context.Context, serviceName string, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(buildinfo.Version),
	}
	if cfg.InstanceType != "" {
		attrs = append(attrs, AttrInstanceType.String(cfg.InstanceType))
	}
	if cfg.InstanceName != "" {
		attrs = append(attrs, AttrInstanceName.String(cfg.InstanceName))
	}

	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
}

func newSpanExporters(ctx context.Context, cfg Config) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter

	if cfg.Enabled {
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}

	if cfg.StdOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}

	return exporters, nil
}

func newMetricReaders(ctx context.Context, cfg Config) ([]metric.Reader, error) {
	var readers []metric.Reader

	if cfg.Enabled {
		var opts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
		}
		readers = append(readers, metric.NewPeriodicReader(exp, metric.WithInterval(cfg.ExportInterval)))
	}

	if cfg.StdOut {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		readers = append(readers, metric.NewPeriodicReader(exp, metric.WithInterval(cfg.ExportInterval)))
	}

	if cfg.Registerer != nil {
		exp, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		readers = append(readers, exp)
	}

	return readers, nil
}
