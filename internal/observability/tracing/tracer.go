package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the instrumentation and resource name of the gateway.
const ServiceName = "admission-gateway"

// Config configures the tracer provider.
type Config struct {
	ServiceName string
	Version     string

	// SampleRatio applies to root spans; child spans follow their parent.
	// Values outside (0, 1] sample everything.
	SampleRatio float64

	// Exporter is optional.
	Exporter sdktrace.SpanExporter
}

// Setup installs a global tracer provider and the W3C propagators.
// The returned function flushes and stops the provider.
func Setup(cfg Config) func(context.Context) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = ServiceName
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.Version),
		)),
	}
	if cfg.Exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.Exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown
}

// GetTracer returns the gateway's tracer from the global provider.
func GetTracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}
