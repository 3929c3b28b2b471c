package loom

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	loomerrors "github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/store"
)

type greetWorkflow struct{}

func (greetWorkflow) Meta() WorkflowMeta {
	return WorkflowMeta{Name: "greet", Module: "test", Version: "v1"}
}
func (greetWorkflow) Steps() []Step {
	return []Step{{Name: "say_hello", Run: func(ctx Context) error {
		return ctx.State().Set("greeted", true)
	}}}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(context.Background(), store.SQLiteConfig{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, nil)
}

func TestEngine_StartAndHandleRoundtrip(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.RegisterWorkflow(func() Workflow { return greetWorkflow{} }); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	ctx := context.Background()
	h, err := eng.Start(ctx, "test", "greet", map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.ID() == "" {
		t.Fatalf("expected a non-empty workflow id")
	}

	status, err := h.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != store.StatusRunning {
		t.Fatalf("expected RUNNING immediately after Start, got %s", status)
	}

	// Result on a still-running workflow surfaces a StillRunningError
	// rather than blocking (spec §7).
	_, err = h.Result(ctx)
	var stillRunning *loomerrors.StillRunningError
	if !loomerrors.As(err, &stillRunning) {
		t.Fatalf("expected a StillRunningError, got %v", err)
	}

	// Reattach via Engine.Handle and confirm it resolves to the same id.
	h2 := eng.Handle(h.ID())
	if h2.ID() != h.ID() {
		t.Fatalf("expected Handle(id) to reattach to %s, got %s", h.ID(), h2.ID())
	}
}

func TestHandle_ResultAfterCompletion(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	if err := eng.RegisterWorkflow(func() Workflow { return greetWorkflow{} }); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	h, err := eng.Start(ctx, "test", "greet", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := eng.Store().AppendEvent(ctx, h.ID(), store.EventStateSet, mustMarshalStateSet(t, "greeted", true)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := eng.Store().MarkCompleted(ctx, h.ID()); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	result, err := h.Result(ctx)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result["greeted"] != true {
		t.Fatalf("expected folded state greeted=true, got %+v", result)
	}
}

func TestHandle_ResultAfterFailurePrefersWorkflowFailedPayload(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	if err := eng.RegisterWorkflow(func() Workflow { return greetWorkflow{} }); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	h, err := eng.Start(ctx, "test", "greet", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	activityFailed, err := store.MarshalActivityFailed("charge_card", "gateway timeout")
	if err != nil {
		t.Fatalf("MarshalActivityFailed: %v", err)
	}
	if _, err := eng.Store().AppendEvent(ctx, h.ID(), store.EventActivityFailed, activityFailed); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := eng.Store().MarkFailed(ctx, h.ID(), "insufficient funds"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	_, err = h.Result(ctx)
	var execErr *loomerrors.WorkflowExecutionError
	if !loomerrors.As(err, &execErr) {
		t.Fatalf("expected a WorkflowExecutionError, got %v", err)
	}
	if execErr.Source != "WORKFLOW" || execErr.Message != "insufficient funds" {
		t.Fatalf("expected the WORKFLOW_FAILED detail to win, got %+v", execErr)
	}
}

func TestHandle_SignalAndCancel(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	if err := eng.RegisterWorkflow(func() Workflow { return greetWorkflow{} }); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	h, err := eng.Start(ctx, "test", "greet", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.Signal(ctx, "approved", map[string]any{"by": "alice"}); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	events, err := h.Events(ctx)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var sawSignal bool
	for _, e := range events {
		if e.Type == store.EventSignalReceived {
			sawSignal = true
		}
	}
	if !sawSignal {
		t.Fatalf("expected a SIGNAL_RECEIVED event, got %+v", events)
	}

	if err := h.Cancel(ctx, "user requested"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	status, err := h.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != store.StatusCanceled {
		t.Fatalf("expected CANCELED after Cancel, got %s", status)
	}

	_, err = h.Result(ctx)
	var cancelled *loomerrors.CancelledError
	if !loomerrors.As(err, &cancelled) {
		t.Fatalf("expected a CancelledError, got %v", err)
	}
	if cancelled.Reason != "user requested" {
		t.Fatalf("expected the cancel reason to roundtrip, got %q", cancelled.Reason)
	}
}

func mustMarshalStateSet(t *testing.T, key string, value any) []byte {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshaling %v: %v", value, err)
	}
	payload, err := store.MarshalStateSet(key, raw)
	if err != nil {
		t.Fatalf("MarshalStateSet: %v", err)
	}
	return payload
}
