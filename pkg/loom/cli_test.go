package loom

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/store"
)

// newTestLoadEngine wires newCleanCommand's loadEngine dependency directly
// to a file-backed SQLite store, bypassing config.Load/store.Open so the
// clean command can be exercised against known workflow/task state.
func newTestLoadEngine(t *testing.T) (func(context.Context) (*Engine, store.Store, *config.Config, error), string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(context.Background(), store.SQLiteConfig{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{Backend: config.BackendConfig{Type: "sqlite", SQLitePath: dbPath}}
	return func(ctx context.Context) (*Engine, store.Store, *config.Config, error) {
		return New(st, nil), st, cfg, nil
	}, dbPath
}

func TestCleanCommand_RequiresForceBeforeTouchingAnything(t *testing.T) {
	loadEngine, _ := newTestLoadEngine(t)
	cmd := newCleanCommand(loadEngine)
	cmd.SetArgs([]string{"--requeue-orphans"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out.String(); got == "" {
		t.Fatalf("expected a message explaining --force is required, got empty output")
	}
}

func TestCleanCommand_RecreatesOnlyGenuinelyOrphanedDrivers(t *testing.T) {
	loadEngine, dbPath := newTestLoadEngine(t)
	ctx := context.Background()

	_, st, _, err := loadEngine(ctx)
	if err != nil {
		t.Fatalf("loadEngine: %v", err)
	}

	// Orphaned workflow: its STEP task completed with nothing scheduled
	// after it, as if the worker that owned it crashed mid-tick and the
	// completion it recorded left no follow-up task. Created (and its
	// single task claimed and completed) before the healthy workflow
	// exists, so there is no ambiguity about which task gets claimed.
	orphanID, err := st.CreateWorkflow(ctx, store.WorkflowMeta{Name: "orphan", Module: "m"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateWorkflow(orphan): %v", err)
	}
	orphanTask, err := st.ClaimTask(ctx)
	if err != nil || orphanTask == nil || orphanTask.WorkflowID != orphanID {
		t.Fatalf("ClaimTask(orphan's step): %+v %v", orphanTask, err)
	}
	if err := st.CompleteTask(ctx, orphanTask.ID); err != nil {
		t.Fatalf("CompleteTask(orphan's step): %v", err)
	}

	// Healthy workflow: its STEP task is still PENDING.
	healthyID, err := st.CreateWorkflow(ctx, store.WorkflowMeta{Name: "healthy", Module: "m"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateWorkflow(healthy): %v", err)
	}

	cmd := newCleanCommand(loadEngine)
	cmd.SetArgs([]string{"--force", "--requeue-orphans"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected the backed-up store file to still exist: %v", err)
	}
	matches, err := filepath.Glob(dbPath + ".bak-*")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one pre-repair backup file, got %v", matches)
	}

	// Drain every claimable task: the healthy workflow must contribute
	// exactly one (RecreateDriver must not have touched it, so there is no
	// second driver racing its own), and the orphaned workflow must
	// contribute exactly one recreated task.
	healthyCount, orphanCount := 0, 0
	for {
		task, err := st.ClaimTask(ctx)
		if err != nil {
			t.Fatalf("ClaimTask: %v", err)
		}
		if task == nil {
			break
		}
		switch task.WorkflowID {
		case healthyID:
			healthyCount++
		case orphanID:
			orphanCount++
		}
	}
	if healthyCount != 1 {
		t.Fatalf("expected exactly 1 claimable STEP task for the healthy workflow, got %d", healthyCount)
	}
	if orphanCount != 1 {
		t.Fatalf("expected exactly 1 recreated STEP task for the orphaned workflow, got %d", orphanCount)
	}
}

func TestCleanCommand_NoBackupSkipsTheBackupFile(t *testing.T) {
	loadEngine, dbPath := newTestLoadEngine(t)
	cmd := newCleanCommand(loadEngine)
	cmd.SetArgs([]string{"--force", "--requeue-orphans", "--no-backup"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	matches, err := filepath.Glob(dbPath + ".bak-*")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected --no-backup to skip the backup file, found %v", matches)
	}
}
