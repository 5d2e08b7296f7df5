// Package observability installs the OpenTelemetry tracer provider used by
// the verify, aggregate, and anchor paths. Tracing is opt-in: without an
// OTLP endpoint the global no-op provider stays in place and span creation
// costs nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Config configures the tracer provider.
type Config struct {
	ServiceName  string
	OTLPEndpoint string        // e.g. "localhost:4317"; empty disables export
	SampleRate   float64       // 0.0 to 1.0, default 1.0
	BatchTimeout time.Duration // default 5s
	Insecure     bool          // plaintext gRPC, dev only
}

// Provider owns the installed tracer provider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *slog.Logger
}

// Init builds and installs a global tracer provider exporting to cfg's OTLP
// endpoint. Returns nil when no endpoint is configured.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentdna"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		logger: slog.Default().With("component", "observability"),
	}, nil
}

// Shutdown flushes buffered spans. Safe on a nil receiver so callers can
// always defer it.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		p.logger.Warn("tracer provider shutdown", "error", err)
		return err
	}
	return nil
}
