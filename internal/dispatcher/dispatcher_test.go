package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/activity"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/replay"
	"github.com/loomworks/loom/internal/store"
)

func TestBackoff_ExponentialUpToCap(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{6, 60 * time.Second},  // 2^6=64, capped
		{10, 60 * time.Second}, // far past the cap
	}
	for _, c := range cases {
		if got := backoff(c.attempts); got != c.want {
			t.Errorf("backoff(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}

func TestLatestTimerID_PicksMostRecentScheduled(t *testing.T) {
	older, err := store.MarshalStateSet("noise", nil)
	if err != nil {
		t.Fatalf("MarshalStateSet: %v", err)
	}
	firstTimer, err := store.ParseTimerScheduled([]byte(`{"timer_id":"t1"}`))
	if err != nil {
		t.Fatalf("ParseTimerScheduled: %v", err)
	}
	_ = firstTimer

	history := []store.Event{
		{Type: store.EventStateSet, Payload: older},
		{Type: store.EventTimerScheduled, Payload: []byte(`{"timer_id":"t1"}`)},
		{Type: store.EventStateSet, Payload: older},
		{Type: store.EventTimerScheduled, Payload: []byte(`{"timer_id":"t2"}`)},
	}

	id, ok := latestTimerID(history)
	if !ok {
		t.Fatalf("expected a timer id to be found")
	}
	if id != "t2" {
		t.Fatalf("expected the most recently scheduled timer t2, got %q", id)
	}
}

func TestLatestTimerID_NoneFound(t *testing.T) {
	if _, ok := latestTimerID(nil); ok {
		t.Fatalf("expected no timer id to be found in empty history")
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.SQLiteStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(context.Background(), store.SQLiteConfig{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	re := replay.New(st, reg, nil)
	ax := activity.New(st, reg, nil)
	return New(st, re, ax, nil), st
}

func TestDispatchTimer_FiresDueTimerAndRotatesDriver(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	wfID, err := st.CreateWorkflow(ctx, store.WorkflowMeta{Name: "wf", Module: "m"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	stepTask, err := st.ClaimTask(ctx)
	if err != nil || stepTask == nil {
		t.Fatalf("ClaimTask: %+v %v", stepTask, err)
	}
	if _, err := st.CreateTimer(ctx, wfID, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if err := st.CompleteTask(ctx, stepTask.ID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	timerTask, err := st.ClaimTask(ctx)
	if err != nil || timerTask == nil || timerTask.Kind != store.TaskTimer {
		t.Fatalf("expected a claimable TIMER task, got %+v err=%v", timerTask, err)
	}

	if err := d.dispatchTimer(ctx, timerTask); err != nil {
		t.Fatalf("dispatchTimer: %v", err)
	}

	events, err := st.ListEvents(ctx, wfID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var sawFired bool
	for _, e := range events {
		if e.Type == store.EventTimerFired {
			sawFired = true
		}
	}
	if !sawFired {
		t.Fatalf("expected a TIMER_FIRED event, got %+v", events)
	}

	driver, err := st.ClaimTask(ctx)
	if err != nil || driver == nil || driver.Kind != store.TaskStep {
		t.Fatalf("expected a rotated STEP task, got %+v err=%v", driver, err)
	}
}

func TestDispatchTimer_EarlyTaskIsReleasedNotFired(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	wfID, err := st.CreateWorkflow(ctx, store.WorkflowMeta{Name: "wf", Module: "m"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	stepTask, err := st.ClaimTask(ctx)
	if err != nil || stepTask == nil {
		t.Fatalf("ClaimTask: %+v %v", stepTask, err)
	}
	if _, err := st.CreateTimer(ctx, wfID, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if err := st.CompleteTask(ctx, stepTask.ID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	timerTask, err := st.ClaimTask(ctx)
	if err != nil || timerTask == nil {
		t.Fatalf("ClaimTask(timer): %+v %v", timerTask, err)
	}

	// Simulate a store backend whose run_at filter under-claimed: the
	// task object in hand claims to be due an hour from now, even though
	// it was already claimed. dispatchTimer must re-check and release it
	// rather than firing early (spec §4.B).
	stale := *timerTask
	stale.RunAt = time.Now().UTC().Add(time.Hour)

	if err := d.dispatchTimer(ctx, &stale); err != nil {
		t.Fatalf("dispatchTimer: %v", err)
	}

	events, err := st.ListEvents(ctx, wfID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	for _, e := range events {
		if e.Type == store.EventTimerFired {
			t.Fatalf("expected no TIMER_FIRED event for an early task, got %+v", events)
		}
	}

	// Released back to PENDING: re-claimable now that run_at has elapsed.
	reclaimed, err := st.ClaimTask(ctx)
	if err != nil || reclaimed == nil || reclaimed.ID != timerTask.ID {
		t.Fatalf("expected the released timer task to be reclaimable, got %+v err=%v", reclaimed, err)
	}
}

func newFlakyDispatcher(t *testing.T, retryCount int, runErr error) (*Dispatcher, *store.SQLiteStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(context.Background(), store.SQLiteConfig{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	if err := reg.RegisterActivity(registry.ActivityDef{
		Name: "flaky", Module: "m", Func: "Flaky",
		RetryCount: retryCount, TimeoutSeconds: 30,
		Fn: func(ctx context.Context, args json.RawMessage) (any, error) { return nil, runErr },
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
	re := replay.New(st, reg, nil)
	ax := activity.New(st, reg, nil)
	d := New(st, re, ax, nil)

	ctx := context.Background()
	wfID, err := st.CreateWorkflow(ctx, store.WorkflowMeta{Name: "wf", Module: "m"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	stepTask, err := st.ClaimTask(ctx)
	if err != nil || stepTask == nil {
		t.Fatalf("ClaimTask(step): %+v %v", stepTask, err)
	}
	if err := st.CreateActivity(ctx, wfID, store.ActivityMeta{
		Name: "flaky", Module: "m", Func: "Flaky", RetryCount: retryCount, TimeoutSeconds: 30,
	}); err != nil {
		t.Fatalf("CreateActivity: %v", err)
	}
	if err := st.CompleteTask(ctx, stepTask.ID); err != nil {
		t.Fatalf("CompleteTask(step): %v", err)
	}
	return d, st, wfID
}

func TestDispatchActivity_SchedulesRetryWhileAttemptsRemain(t *testing.T) {
	d, st, wfID := newFlakyDispatcher(t, 3, errors.New("gateway timeout"))
	ctx := context.Background()

	task, err := st.ClaimTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("ClaimTask(activity): %+v %v", task, err)
	}

	if err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Retried task goes back to PENDING with a future run_at, so an
	// immediate claim must find nothing yet.
	none, err := st.ClaimTask(ctx)
	if err != nil {
		t.Fatalf("ClaimTask after retry scheduling: %v", err)
	}
	if none != nil {
		t.Fatalf("expected the retried task to not be immediately claimable, got %+v", none)
	}

	events, err := st.ListEvents(ctx, wfID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	for _, e := range events {
		if e.Type == store.EventActivityFailed {
			t.Fatalf("expected no ACTIVITY_FAILED event while retries remain, got %+v", events)
		}
	}
}

func TestDispatchActivity_FailsPermanentlyAfterExhaustingRetries(t *testing.T) {
	d, st, wfID := newFlakyDispatcher(t, 1, errors.New("gateway timeout"))
	ctx := context.Background()

	task, err := st.ClaimTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("ClaimTask(activity): %+v %v", task, err)
	}
	// RetryCount is 1, and ClaimTask just incremented Attempts to 1: the
	// retry budget is already exhausted (spec §4.B).
	if task.Attempts < task.MaxAttempts {
		t.Fatalf("expected attempts %d to meet or exceed max_attempts %d", task.Attempts, task.MaxAttempts)
	}

	if err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	events, err := st.ListEvents(ctx, wfID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var sawFailed bool
	for _, e := range events {
		if e.Type == store.EventActivityFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("expected an ACTIVITY_FAILED event after exhausting retries, got %+v", events)
	}

	driver, err := st.ClaimTask(ctx)
	if err != nil || driver == nil || driver.Kind != store.TaskStep {
		t.Fatalf("expected a rotated STEP task after permanent failure, got %+v err=%v", driver, err)
	}
}
