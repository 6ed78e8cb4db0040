package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/ramiqadoumi/taskpulse/internal/version"
)

// InitTracer configures the global OpenTelemetry TracerProvider and
// TextMapPropagator. endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
//
// If endpoint is empty, no exporter is registered and spans are silently
// discarded (zero overhead). The propagator is always configured so trace
// context still flows through Kafka message headers.
//
// The returned shutdown function must be called on service exit to flush
// pending spans. sampleRatio in (0,1) samples that fraction of root traces;
// anything else samples every trace.
func InitTracer(ctx context.Context, serviceName, endpoint string, sampleRatio float64) (shutdown func(), err error) {
	// Always configure the propagator so Kafka header propagation works even
	// when no exporter is active.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if endpoint == "" {
		// No exporter configured; spans are discarded by the default no-op provider.
		return func() {}, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version.Version),
		),
		resource.WithProcess(),
		resource.WithOS(),
	)
	if err != nil || res == nil {
		res = resource.Default()
	}

	sampler := sdktrace.AlwaysSample()
	if sampleRatio > 0 && sampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}
