// Package otel wires OpenTelemetry tracing for the service.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"storefront/pkg/logger"
)

// StdoutHost selects the pretty-printing stdout exporter instead of OTLP.
const StdoutHost = "stdout"

// Config selects the exporter target and sampling rate.
type Config struct {
	ServiceName string
	Host        string
	Probability float64
}

type ctxKey int

const tracerKey ctxKey = 1

const defaultTracer = "storefront"

// InitTracing installs a global tracer provider. With an empty Host it installs
// a no-op provider so the service runs without a collector.
func InitTracing(log *logger.Logger, cfg Config) (trace.TracerProvider, func(context.Context) error, error) {
	if cfg.Host == "" {
		log.Info(context.Background(), "tracing disabled", "reason", "no collector host")
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(cfg.Host)
	if err != nil {
		return nil, nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Probability))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Info(context.Background(), "tracing enabled", "host", cfg.Host, "probability", cfg.Probability)
	return tp, tp.Shutdown, nil
}

func newExporter(host string) (sdktrace.SpanExporter, error) {
	if host == StdoutHost {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(host),
	)
}

// InjectTracing stores the tracer in the context for AddSpan.
func InjectTracing(ctx context.Context, tracer trace.Tracer) context.Context {
	return context.WithValue(ctx, tracerKey, tracer)
}

// AddSpan starts a span using the tracer in ctx, falling back to the global provider.
func AddSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer, ok := ctx.Value(tracerKey).(trace.Tracer)
	if !ok || tracer == nil {
		tracer = otel.Tracer(defaultTracer)
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}

// GetTraceID returns the trace id of the span in ctx, or "" when none is recorded.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
