package otel

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"storefront/pkg/logger"
)

func TestAddSpanUsesInjectedTracer(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	ctx := InjectTracing(context.Background(), tp.Tracer("test"))
	ctx, span := AddSpan(ctx, "inventory.adjust_stock")
	if GetTraceID(ctx) == "" {
		t.Fatal("expected a trace id inside the span")
	}
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "inventory.adjust_stock" {
		t.Fatalf("unexpected spans: %v", ended)
	}
}

func TestInitTracingWithoutHostIsNoop(t *testing.T) {
	tp, shutdown, err := InitTracing(logger.Nop(), Config{ServiceName: "storefront"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer shutdown(context.Background())

	ctx, span := tp.Tracer("x").Start(context.Background(), "noop")
	defer span.End()
	if GetTraceID(ctx) != "" {
		t.Fatal("no-op provider should not record trace ids")
	}
}

func TestInitTracingStdoutExporter(t *testing.T) {
	tp, shutdown, err := InitTracing(logger.Nop(), Config{ServiceName: "storefront", Host: StdoutHost, Probability: 1})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer shutdown(context.Background())

	ctx, span := tp.Tracer("x").Start(context.Background(), "sampled")
	defer span.End()
	if GetTraceID(ctx) == "" {
		t.Fatal("stdout provider should record trace ids")
	}
}
