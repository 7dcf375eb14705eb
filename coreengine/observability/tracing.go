// Package observability provides OpenTelemetry tracing for the coreengine.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// TracingConfig configures the OTLP trace pipeline.
type TracingConfig struct {
	// ServiceName labels every span with the emitting process.
	ServiceName string
	// ServiceVersion is stamped on the trace resource. Empty means "1.0.0".
	ServiceVersion string
	// Environment separates deployments sharing one collector. Empty means
	// "development".
	Environment string
	// Endpoint is the OTLP/gRPC collector address (host:port).
	Endpoint string
	// SampleRatio keeps the given fraction of trace roots. Zero and values
	// >= 1 keep everything.
	SampleRatio float64
	// Insecure disables transport security. Collectors on localhost or the
	// pod network usually run plaintext.
	Insecure bool
}

// InitTracer wires the global tracer to an OTLP collector with full
// sampling, the setup used by development processes and tests.
// Returns a shutdown function that must be called on service termination.
func InitTracer(serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	return InitTracerWithConfig(&TracingConfig{
		ServiceName: serviceName,
		Endpoint:    otlpEndpoint,
		Insecure:    true,
	})
}

// InitTracerWithConfig wires the global tracer provider and propagators
// from an explicit configuration. Turn, reasoning, and tool dispatch spans
// flow through the returned provider; the caller owns the shutdown
// function.
func InitTracerWithConfig(cfg *TracingConfig) (func(context.Context) error, error) {
	ctx := context.Background()

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	version := cfg.ServiceVersion
	if version == "" {
		version = "1.0.0"
	}
	environment := cfg.Environment
	if environment == "" {
		environment = "development"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
			semconv.DeploymentEnvironment(environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Ratio sampling applies at trace roots; child spans follow their
	// parent so cross-process traces stay whole.
	sampler := trace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = trace.TraceIDRatioBased(cfg.SampleRatio)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)

	// Propagate trace context and baggage across service boundaries.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}
