package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

/*
LEARNING: JAEGER TRACING

  App -> OpenTelemetry SDK -> Jaeger exporter -> Jaeger collector -> Jaeger UI

Spans from the HTTP middleware and from every dispatched realtime message
go through the global TracerProvider set here. With no endpoint configured
the global provider stays a no-op and spans cost almost nothing.
*/

// ShutdownFunc flushes pending spans
type ShutdownFunc func(context.Context) error

// InitJaeger installs a Jaeger-backed TracerProvider as the global provider.
// sampleRatio outside (0, 1) samples every trace.
func InitJaeger(serviceName, version, jaegerEndpoint string, sampleRatio float64, logger *zap.Logger) (ShutdownFunc, error) {
	if jaegerEndpoint == "" {
		logger.Info("tracing disabled, no jaeger endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(sampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("jaeger tracing initialized",
		zap.String("endpoint", jaegerEndpoint),
		zap.Float64("sample_ratio", sampleRatio),
	)

	return tp.Shutdown, nil
}

// sampler follows the parent's decision and samples root spans by ratio
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
