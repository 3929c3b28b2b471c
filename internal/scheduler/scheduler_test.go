package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/config"
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

func TestNew_RejectsAnInvalidCronExpressionAtStartup(t *testing.T) {
	st := newTestStore(t)
	_, err := New(st, []config.ScheduleEntry{
		{Name: "broken", Cron: "not a cron expression", Module: "m", Workflow: "wf"},
	}, nil)
	if err == nil {
		t.Fatalf("expected New to reject a malformed cron expression")
	}
}

func TestScheduler_FiresAndCreatesWorkflows(t *testing.T) {
	st := newTestStore(t)
	sched, err := New(st, []config.ScheduleEntry{
		{Name: "nightly", Cron: "@every 15ms", Module: "orders", Workflow: "reconcile", Input: map[string]any{"batch": 1}},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		wfs, err := st.ListWorkflows(context.Background(), store.WorkflowFilter{})
		if err != nil {
			t.Fatalf("ListWorkflows: %v", err)
		}
		if len(wfs) > 0 {
			if wfs[0].Name != "reconcile" || wfs[0].Module != "orders" {
				t.Fatalf("expected a reconcile/orders workflow, got %+v", wfs[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the scheduler to have started at least one workflow within the deadline")
}
