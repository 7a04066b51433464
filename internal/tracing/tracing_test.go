package tracing

import (
	"context"
	"errors"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracing(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return exporter
}

func TestStartSpan(t *testing.T) {
	exporter := setupTestTracing(t)

	_, span := StartSpan(context.Background(), "spool.enqueue",
		attribute.String("workspace_id", "ws-1"),
		attribute.Int("limit", 10),
	)
	if span == nil {
		t.Fatal("StartSpan() returned nil span")
	}
	if !span.SpanContext().IsValid() {
		t.Error("StartSpan() span context not valid")
	}
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "spool.enqueue" {
		t.Errorf("span Name = %q, want spool.enqueue", spans[0].Name)
	}
	attrs := make(map[attribute.Key]attribute.Value)
	for _, a := range spans[0].Attributes {
		attrs[a.Key] = a.Value
	}
	if got := attrs["workspace_id"]; got.AsString() != "ws-1" {
		t.Errorf("span attribute workspace_id = %q, want ws-1", got.AsString())
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracing(t)

	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() without a span = %q, want empty", id)
	}

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()

	id := GetTraceID(ctx)
	if id == "" {
		t.Fatal("GetTraceID() inside a span is empty")
	}
	if id != span.SpanContext().TraceID().String() {
		t.Errorf("GetTraceID() = %q, want %q", id, span.SpanContext().TraceID().String())
	}
}

func TestSetSpanError(t *testing.T) {
	exporter := setupTestTracing(t)

	ctx, span := StartSpan(context.Background(), "failing-op")
	SetSpanError(ctx, errors.New("delivery request failed"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	if len(spans[0].Events) == 0 {
		t.Error("SetSpanError() recorded no error event")
	}

	// A nil error must be a no-op, not a panic.
	SetSpanError(ctx, nil)
}

func TestAddSpanEvent(t *testing.T) {
	exporter := setupTestTracing(t)

	ctx, span := StartSpan(context.Background(), "op")
	AddSpanEvent(ctx, "spool.breaker_open_skip", attribute.String("host", "hooks.example.com"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	found := false
	for _, ev := range spans[0].Events {
		if ev.Name == "spool.breaker_open_skip" {
			found = true
		}
	}
	if !found {
		t.Error("AddSpanEvent() event not recorded on the span")
	}
}

func TestNSQTracePropagation(t *testing.T) {
	setupTestTracing(t)

	ctx, span := StartSpan(context.Background(), "spool.enqueue")
	defer span.End()

	headers := PropagateTraceToNSQ(ctx)
	if len(headers) == 0 {
		t.Fatal("PropagateTraceToNSQ() returned no headers")
	}
	if _, ok := headers["traceparent"]; !ok {
		t.Errorf("PropagateTraceToNSQ() headers = %v, want a traceparent entry", headers)
	}

	extracted := ExtractTraceFromNSQ(context.Background(), headers)
	if got := GetTraceID(extracted); got != GetTraceID(ctx) {
		t.Errorf("ExtractTraceFromNSQ() trace ID = %q, want %q", got, GetTraceID(ctx))
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     string
	}{
		{name: "default", envValue: "", want: "tempo:4318"},
		{name: "plain host port", envValue: "collector:4318", want: "collector:4318"},
		{name: "strips http scheme", envValue: "http://collector:4318", want: "collector:4318"},
		{name: "strips https scheme", envValue: "https://collector:4318", want: "collector:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
				defer os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")
			} else {
				os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")
			}
			if got := getOTLPEndpoint(); got != tt.want {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}
