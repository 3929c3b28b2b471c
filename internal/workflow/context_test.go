package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	loomerrors "github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(context.Background(), store.SQLiteConfig{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestActivity_FirstTickSchedulesAndSuspends(t *testing.T) {
	st := newTestStore(t)
	wfID, err := st.CreateWorkflow(context.Background(), store.WorkflowMeta{Name: "wf", Module: "m"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	c := New(context.Background(), wfID, json.RawMessage(`{}`), nil, nil, st, nil)
	def := registry.ActivityDef{Name: "charge_card", Module: "m", Func: "ChargeCard"}

	_, err = c.Activity(def, map[string]any{"amount": 100})
	if !errors.Is(err, ErrSuspend) {
		t.Fatalf("expected ErrSuspend on first tick, got %v", err)
	}

	events, err := st.ListEvents(context.Background(), wfID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var sawScheduled bool
	for _, e := range events {
		if e.Type == store.EventActivityScheduled {
			sawScheduled = true
		}
	}
	if !sawScheduled {
		t.Fatalf("expected an ACTIVITY_SCHEDULED event, got %+v", events)
	}
}

func TestActivity_ReplayTickReturnsRecordedResult(t *testing.T) {
	st := newTestStore(t)
	wfID, err := st.CreateWorkflow(context.Background(), store.WorkflowMeta{Name: "wf", Module: "m"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	// Drive the STEP task out of the way so CreateActivity/CompleteActivity
	// don't collide with the driver-uniqueness invariant.
	stepTask, err := st.ClaimTask(context.Background())
	if err != nil || stepTask == nil {
		t.Fatalf("ClaimTask: %+v %v", stepTask, err)
	}
	if err := st.CreateActivity(context.Background(), wfID, store.ActivityMeta{Name: "charge_card", Module: "m", Func: "ChargeCard"}); err != nil {
		t.Fatalf("CreateActivity: %v", err)
	}
	if err := st.CompleteTask(context.Background(), stepTask.ID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	actTask, err := st.ClaimTask(context.Background())
	if err != nil || actTask == nil {
		t.Fatalf("ClaimTask(activity): %+v %v", actTask, err)
	}
	if err := st.CompleteActivity(context.Background(), wfID, actTask.ID, "charge_card", []byte(`{"charged":true}`)); err != nil {
		t.Fatalf("CompleteActivity: %v", err)
	}

	history, err := st.ListEvents(context.Background(), wfID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	c := New(context.Background(), wfID, json.RawMessage(`{}`), history, nil, st, nil)
	// Bootstrap consumes WORKFLOW_STARTED; a real replay driver calls this
	// before any step body runs (spec §4.D step 4).
	if err := c.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	def := registry.ActivityDef{Name: "charge_card", Module: "m", Func: "ChargeCard"}
	result, err := c.Activity(def, map[string]any{"amount": 100})
	if err != nil {
		t.Fatalf("Activity on replay: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if decoded["charged"] != true {
		t.Fatalf("expected charged=true, got %+v", decoded)
	}
	if c.IsReplaying() {
		t.Fatalf("expected cursor to have caught up with history after consuming all events")
	}
}

func TestBeginStep_DetectsNonDeterministicRename(t *testing.T) {
	st := newTestStore(t)
	wfID, err := st.CreateWorkflow(context.Background(), store.WorkflowMeta{Name: "wf", Module: "m"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	// Record STEP_START("charge") as history would contain it from a
	// previous deploy of this workflow.
	c0 := New(context.Background(), wfID, json.RawMessage(`{}`), nil, nil, st, nil)
	if err := c0.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := c0.BeginStep("charge"); err != nil {
		t.Fatalf("BeginStep: %v", err)
	}

	history, err := st.ListEvents(context.Background(), wfID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	// A redeployed workflow whose first step was renamed must be rejected
	// as non-deterministic rather than silently diverging from history.
	c1 := New(context.Background(), wfID, json.RawMessage(`{}`), history, nil, st, nil)
	if err := c1.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	err = c1.BeginStep("charge_renamed")
	var nonDet *loomerrors.NonDeterministicError
	if !errors.As(err, &nonDet) {
		t.Fatalf("expected a non-determinism error for a renamed step, got %v", err)
	}
}

func TestStateProxy_SetThenGetAcrossReplay(t *testing.T) {
	st := newTestStore(t)
	wfID, err := st.CreateWorkflow(context.Background(), store.WorkflowMeta{Name: "wf", Module: "m"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	c := New(context.Background(), wfID, json.RawMessage(`{}`), nil, nil, st, nil)
	if err := c.State().Set("status", "pending"); !errors.Is(err, ErrSuspend) {
		t.Fatalf("expected ErrSuspend after Set, got %v", err)
	}

	history, err := st.ListEvents(context.Background(), wfID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	c2 := New(context.Background(), wfID, json.RawMessage(`{}`), history, nil, st, nil)
	if err := c2.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := c2.State().Set("status", "pending"); err != nil {
		t.Fatalf("expected replay of STATE_SET to succeed without suspending, got %v", err)
	}
	if got := c2.State().Get("status", nil); got != "pending" {
		t.Fatalf("expected status=pending after replay, got %v", got)
	}
}
