package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingProvider(t *testing.T) (*Provider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	p, err := NewProvider("test", sdktrace.WithSyncer(exporter))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, exporter
}

func TestStartTick_RecordsWorkflowAttributesAndOKStatus(t *testing.T) {
	_, exporter := newRecordingProvider(t)

	ctx, span := StartTick(context.Background(), "wf-1", "order.fulfill")
	End(span, nil)
	_ = ctx

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected exactly one recorded span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "loom.replay.tick" {
		t.Fatalf("expected span name loom.replay.tick, got %q", got.Name)
	}
	if got.Status.Code != codes.Ok {
		t.Fatalf("expected an Ok status for a nil error, got %v", got.Status.Code)
	}

	var sawWorkflowID bool
	for _, attr := range got.Attributes {
		if string(attr.Key) == "loom.workflow_id" && attr.Value.AsString() == "wf-1" {
			sawWorkflowID = true
		}
	}
	if !sawWorkflowID {
		t.Fatalf("expected a loom.workflow_id attribute, got %+v", got.Attributes)
	}
}

func TestStartActivity_RecordsErrorStatusOnFailure(t *testing.T) {
	_, exporter := newRecordingProvider(t)

	_, span := StartActivity(context.Background(), "wf-2", "charge_card", 3)
	End(span, errors.New("gateway timeout"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected exactly one recorded span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "loom.activity.execute" {
		t.Fatalf("expected span name loom.activity.execute, got %q", got.Name)
	}
	if got.Status.Code != codes.Error {
		t.Fatalf("expected an Error status after End(span, err), got %v", got.Status.Code)
	}
	if len(got.Events) == 0 {
		t.Fatalf("expected RecordError to add an exception event")
	}
}
