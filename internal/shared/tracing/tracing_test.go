package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestStartAndEnd(t *testing.T) {
	rec := recordSpans(t)

	ctx, parent := Start(context.Background(), "reprocess.run", attribute.String("step_id", "s1"))
	_, child := Start(ctx, "reprocess.document")
	End(child, errors.New("storage down"))
	End(parent, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	doc, run := spans[0], spans[1]
	if doc.Name() != "reprocess.document" || doc.Status().Code != codes.Error {
		t.Fatalf("unexpected child span %s %v", doc.Name(), doc.Status())
	}
	if doc.Parent().SpanID() != run.SpanContext().SpanID() {
		t.Fatalf("document span must be a child of the run span")
	}
	if run.Status().Code == codes.Error {
		t.Fatalf("run span must not be marked failed")
	}
	if got := run.Attributes(); len(got) != 1 || got[0].Value.AsString() != "s1" {
		t.Fatalf("unexpected attributes %v", got)
	}
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
