// SQLite backend, for single-node deployments. Grounded on the teacher's
// internal/controller/backend/sqlite package: a single-writer connection
// (SQLite serializes writes anyway), WAL for concurrent readers, and the
// same migration-list-of-statements idiom.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	loomerrors "github.com/loomworks/loom/internal/errors"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a SQLite-backed Store.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file path ("file::memory:?cache=shared" for an
	// in-memory database).
	Path string
	// WAL enables write-ahead logging for concurrent reads.
	WAL bool
}

// NewSQLiteStore opens (and migrates) a SQLite store.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// SQLite serializes writes; one connection avoids SQLITE_BUSY churn
	// and makes claimTask's transaction trivially atomic.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("executing %s: %w", p, err)
		}
	}
	return nil
}

// Init creates the workflows/events/tasks/logs tables and their indexes
// (spec §6.3), idempotently.
func (s *SQLiteStore) Init(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			module TEXT NOT NULL,
			input BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			type TEXT NOT NULL,
			payload BLOB,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow_id ON events(workflow_id, id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			run_at TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_run_at ON tasks(status, run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workflow_id ON tasks(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_workflow_id ON logs(workflow_id, id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// CreateWorkflow inserts the workflow row, appends WORKFLOW_STARTED and
// enqueues the first STEP task, all inside one transaction (spec §4.A).
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, meta WorkflowMeta, input []byte) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, description, version, status, module, input, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, meta.Name, meta.Description, meta.Version, string(StatusRunning), meta.Module, input,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("creating workflow: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		id, string(EventWorkflowStarted), input, now.Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("appending WORKFLOW_STARTED: %w", err)
	}

	if err := insertStepTask(ctx, tx, id, meta.Name, now); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func insertStepTask(ctx context.Context, tx *sql.Tx, workflowID, target string, runAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, kind, target, run_at, status, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		uuid.NewString(), workflowID, string(TaskStep), target, runAt.Format(time.RFC3339Nano),
		string(TaskPending), runAt.Format(time.RFC3339Nano), runAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueueing STEP task: %w", err)
	}
	return nil
}

// AppendEvent appends an event; refuses if the workflow is terminal.
func (s *SQLiteStore) AppendEvent(ctx context.Context, workflowID string, typ EventType, payload []byte) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer tx.Rollback()

	status, err := workflowStatusTx(ctx, tx, workflowID)
	if err != nil {
		return Event{}, err
	}
	if status.IsTerminal() {
		return Event{}, &loomerrors.TerminalWorkflowError{WorkflowID: workflowID, Status: string(status)}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, string(typ), payload, now.Format(time.RFC3339Nano))
	if err != nil {
		return Event{}, fmt.Errorf("appending event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, err
	}
	return Event{ID: id, WorkflowID: workflowID, Type: typ, Payload: payload, CreatedAt: now}, nil
}

func workflowStatusTx(ctx context.Context, tx *sql.Tx, workflowID string) (WorkflowStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM workflows WHERE id = ?`, workflowID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", &loomerrors.WorkflowNotFoundError{ID: workflowID}
	}
	if err != nil {
		return "", err
	}
	return WorkflowStatus(status), nil
}

// ListEvents returns a workflow's events ordered by id ascending.
func (s *SQLiteStore) ListEvents(ctx context.Context, workflowID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, payload, created_at FROM events WHERE workflow_id = ? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &createdAt); err != nil {
			return nil, err
		}
		e.WorkflowID = workflowID
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetWorkflow returns workflow metadata.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	var status, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, version, status, module, input, created_at, updated_at
		FROM workflows WHERE id = ?`, id).
		Scan(&w.ID, &w.Name, &w.Description, &w.Version, &status, &w.Module, &w.Input, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &loomerrors.WorkflowNotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	w.Status = WorkflowStatus(status)
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &w, nil
}

// ListWorkflows lists workflows matching filter, newest first.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT id, name, description, version, status, module, input, created_at, updated_at FROM workflows WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		w := &Workflow{}
		var status, createdAt, updatedAt string
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.Version, &status, &w.Module, &w.Input, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		w.Status = WorkflowStatus(status)
		w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

// ClaimTask atomically selects the oldest eligible PENDING task and marks
// it RUNNING with attempts+=1 (spec §4.A). SQLite's single writer
// connection makes the select-then-update sequence race-free without
// SELECT FOR UPDATE.
func (s *SQLiteStore) ClaimTask(ctx context.Context) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var t Task
	var runAt, createdAt, updatedAt string
	err = tx.QueryRowContext(ctx, `
		SELECT id, workflow_id, kind, target, run_at, status, attempts, max_attempts, last_error, created_at, updated_at
		FROM tasks
		WHERE status = ? AND run_at <= ?
		ORDER BY run_at ASC, created_at ASC
		LIMIT 1`, string(TaskPending), now).
		Scan(&t.ID, &t.WorkflowID, &t.Kind, &t.Target, &runAt, &t.Status, &t.Attempts, &t.MaxAttempts, &t.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.Attempts++
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		string(TaskRunning), t.Attempts, now, t.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Status = TaskRunning
	t.RunAt, _ = time.Parse(time.RFC3339Nano, runAt)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, now)
	return &t, nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, id string) error {
	return s.setTaskStatus(ctx, id, TaskCompleted, "")
}

func (s *SQLiteStore) FailTask(ctx context.Context, id string, errMsg string) error {
	return s.setTaskStatus(ctx, id, TaskFailed, errMsg)
}

func (s *SQLiteStore) ReleaseTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(TaskPending), time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

func (s *SQLiteStore) ScheduleRetry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(TaskPending), runAt.UTC().Format(time.RFC3339Nano), errMsg, now, id)
	return err
}

func (s *SQLiteStore) setTaskStatus(ctx context.Context, id string, status TaskStatus, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, now, id)
	return err
}

// CreateActivity appends ACTIVITY_SCHEDULED and inserts a PENDING ACTIVITY
// task in one transaction (spec §4.A).
func (s *SQLiteStore) CreateActivity(ctx context.Context, workflowID string, meta ActivityMeta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := requireRunningTx(ctx, tx, workflowID); err != nil {
		return err
	}

	payload, err := marshalActivityMeta(meta)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, string(EventActivityScheduled), payload, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("appending ACTIVITY_SCHEDULED: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, kind, target, run_at, status, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		uuid.NewString(), workflowID, string(TaskActivity), meta.Name, now.Format(time.RFC3339Nano),
		string(TaskPending), meta.RetryCount, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueueing ACTIVITY task: %w", err)
	}

	return tx.Commit()
}

// CreateTimer appends TIMER_SCHEDULED and inserts a PENDING TIMER task.
func (s *SQLiteStore) CreateTimer(ctx context.Context, workflowID string, fireAt time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := requireRunningTx(ctx, tx, workflowID); err != nil {
		return "", err
	}

	timerID := uuid.NewString()
	payload, err := marshalTimer(timerID, fireAt)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, string(EventTimerScheduled), payload, now.Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("appending TIMER_SCHEDULED: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, kind, target, run_at, status, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		uuid.NewString(), workflowID, string(TaskTimer), TimerTarget, fireAt.UTC().Format(time.RFC3339Nano),
		string(TaskPending), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("enqueueing TIMER task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return timerID, nil
}

// RotateDriver marks the current RUNNING STEP task COMPLETED and inserts a
// new PENDING STEP task, in one transaction. Idempotent if there is no
// RUNNING STEP task (spec §3, §5).
func (s *SQLiteStore) RotateDriver(ctx context.Context, workflowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := rotateDriverTx(ctx, tx, workflowID, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteActivity appends ACTIVITY_COMPLETED, marks the task COMPLETED,
// and rotates the driver, in one transaction (spec §4.E step 3).
func (s *SQLiteStore) CompleteActivity(ctx context.Context, workflowID, taskID, activityName string, result []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payload, err := MarshalActivityCompleted(activityName, result)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, string(EventActivityCompleted), payload, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("appending ACTIVITY_COMPLETED: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(TaskCompleted), now.Format(time.RFC3339Nano), taskID); err != nil {
		return err
	}
	if err := rotateDriverTx(ctx, tx, workflowID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// FailActivityPermanently appends ACTIVITY_FAILED, marks the task FAILED,
// and rotates the driver so the next tick surfaces a fatal workflow
// failure (spec §4.B, §4.D).
func (s *SQLiteStore) FailActivityPermanently(ctx context.Context, workflowID, taskID, activityName, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payload, err := MarshalActivityFailed(activityName, errMsg)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, string(EventActivityFailed), payload, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("appending ACTIVITY_FAILED: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(TaskFailed), errMsg, now.Format(time.RFC3339Nano), taskID); err != nil {
		return err
	}
	if err := rotateDriverTx(ctx, tx, workflowID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// FireTimer appends TIMER_FIRED, completes the TIMER task, and rotates the
// driver, all in one transaction.
func (s *SQLiteStore) FireTimer(ctx context.Context, workflowID, taskID, timerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payload, err := MarshalTimerFired(timerID, time.Now().UTC())
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, string(EventTimerFired), payload, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("appending TIMER_FIRED: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(TaskCompleted), now.Format(time.RFC3339Nano), taskID); err != nil {
		return err
	}
	if err := rotateDriverTx(ctx, tx, workflowID, now); err != nil {
		return err
	}
	return tx.Commit()
}

func rotateDriverTx(ctx context.Context, tx *sql.Tx, workflowID string, now time.Time) error {
	wf, err := getWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}

	var runningTarget string
	err = tx.QueryRowContext(ctx,
		`SELECT target FROM tasks WHERE workflow_id = ? AND kind = ? AND status = ? LIMIT 1`,
		workflowID, string(TaskStep), string(TaskRunning)).Scan(&runningTarget)
	switch {
	case err == sql.ErrNoRows:
		runningTarget = wf.Name
	case err != nil:
		return err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE workflow_id = ? AND kind = ? AND status = ?`,
			string(TaskCompleted), now.Format(time.RFC3339Nano), workflowID, string(TaskStep), string(TaskRunning)); err != nil {
			return err
		}
	}
	return insertStepTask(ctx, tx, workflowID, runningTarget, now)
}

func getWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (*Workflow, error) {
	var w Workflow
	var status string
	err := tx.QueryRowContext(ctx, `SELECT id, name, status FROM workflows WHERE id = ?`, id).
		Scan(&w.ID, &w.Name, &status)
	if err == sql.ErrNoRows {
		return nil, &loomerrors.WorkflowNotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	w.Status = WorkflowStatus(status)
	return &w, nil
}

// CreateSignal appends SIGNAL_RECEIVED; errors if the workflow is not RUNNING.
func (s *SQLiteStore) CreateSignal(ctx context.Context, workflowID, name string, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	wf, err := requireRunningWfTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	wrapped, err := marshalSignal(name, payload)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, string(EventSignalReceived), wrapped, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("appending SIGNAL_RECEIVED: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM tasks WHERE workflow_id = ? AND kind = ? AND status IN (?, ?) LIMIT 1`,
		workflowID, string(TaskStep), string(TaskPending), string(TaskRunning)).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == sql.ErrNoRows {
		if err := insertStepTask(ctx, tx, workflowID, wf.Name, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendEvents appends events atomically, refusing if the workflow is terminal.
func (s *SQLiteStore) AppendEvents(ctx context.Context, workflowID string, events []EventInput) ([]Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	status, err := workflowStatusTx(ctx, tx, workflowID)
	if err != nil {
		return nil, err
	}
	if status.IsTerminal() {
		return nil, &loomerrors.TerminalWorkflowError{WorkflowID: workflowID, Status: string(status)}
	}

	out := make([]Event, 0, len(events))
	for _, in := range events {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
			workflowID, string(in.Type), in.Payload, now.Format(time.RFC3339Nano))
		if err != nil {
			return nil, fmt.Errorf("appending event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		out = append(out, Event{ID: id, WorkflowID: workflowID, Type: in.Type, Payload: in.Payload, CreatedAt: now})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func requireRunningTx(ctx context.Context, tx *sql.Tx, workflowID string) (WorkflowStatus, error) {
	status, err := workflowStatusTx(ctx, tx, workflowID)
	if err != nil {
		return "", err
	}
	if status != StatusRunning {
		return "", &loomerrors.TerminalWorkflowError{WorkflowID: workflowID, Status: string(status)}
	}
	return status, nil
}

func requireRunningWfTx(ctx context.Context, tx *sql.Tx, workflowID string) (*Workflow, error) {
	wf, err := getWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != StatusRunning {
		return nil, &loomerrors.TerminalWorkflowError{WorkflowID: workflowID, Status: string(wf.Status)}
	}
	return wf, nil
}

// MarkFailed appends WORKFLOW_FAILED, sets status FAILED, and fails all
// PENDING tasks. No-op if already terminal.
func (s *SQLiteStore) MarkFailed(ctx context.Context, workflowID string, errMsg string) error {
	return s.markTerminal(ctx, workflowID, StatusFailed, EventWorkflowFailed, errMsg)
}

// MarkCompleted appends WORKFLOW_COMPLETED and sets status COMPLETED.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, workflowID string) error {
	return s.markTerminal(ctx, workflowID, StatusCompleted, EventWorkflowCompleted, "")
}

// MarkCancelled appends WORKFLOW_CANCELLED and sets status CANCELED.
func (s *SQLiteStore) MarkCancelled(ctx context.Context, workflowID string, reason string) error {
	return s.markTerminal(ctx, workflowID, StatusCanceled, EventWorkflowCancelled, reason)
}

func (s *SQLiteStore) markTerminal(ctx context.Context, workflowID string, status WorkflowStatus, evt EventType, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := workflowStatusTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if current.IsTerminal() {
		return tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	payload, err := marshalTerminalDetail(detail)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, string(evt), payload, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, workflowID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE workflow_id = ? AND status = ?`,
		string(TaskFailed), now, workflowID, string(TaskPending)); err != nil {
		return err
	}
	return tx.Commit()
}

// GetActivityEvent returns the outstanding ACTIVITY_SCHEDULED event for
// activityName (the most recent schedule of that name not yet resolved by
// a matching ACTIVITY_COMPLETED/ACTIVITY_FAILED), or nil if there is none.
func (s *SQLiteStore) GetActivityEvent(ctx context.Context, workflowID, activityName string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, payload, created_at FROM events
		WHERE workflow_id = ? AND type IN (?, ?, ?)
		ORDER BY id ASC`,
		workflowID, string(EventActivityScheduled), string(EventActivityCompleted), string(EventActivityFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outstanding *Event
	for rows.Next() {
		var id int64
		var typ string
		var payload []byte
		var createdAt string
		if err := rows.Scan(&id, &typ, &payload, &createdAt); err != nil {
			return nil, err
		}
		name, err := activityMetaName(payload)
		if err != nil {
			return nil, err
		}
		if name != activityName {
			continue
		}
		switch EventType(typ) {
		case EventActivityScheduled:
			e := &Event{ID: id, WorkflowID: workflowID, Type: EventActivityScheduled, Payload: payload}
			e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
			outstanding = e
		case EventActivityCompleted, EventActivityFailed:
			outstanding = nil
		}
	}
	return outstanding, rows.Err()
}

func (s *SQLiteStore) AppendLog(ctx context.Context, workflowID, level, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (workflow_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, level, message, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) ListLogs(ctx context.Context, workflowID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, message, created_at FROM logs WHERE workflow_id = ? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var l LogEntry
		var createdAt string
		if err := rows.Scan(&l.ID, &l.Level, &l.Message, &createdAt); err != nil {
			return nil, err
		}
		l.WorkflowID = workflowID
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// RecreateDriver inserts a fresh PENDING STEP task for a driver-less
// workflow (SPEC_FULL §3 supplement). It is a no-op, not an error, if a
// STEP task is already PENDING or RUNNING: the driver-uniqueness invariant
// (spec §3: "at most one STEP task per workflow is RUNNING or PENDING")
// means such a workflow isn't actually orphaned, and inserting a second
// STEP task would let two drivers replay it concurrently.
func (s *SQLiteStore) RecreateDriver(ctx context.Context, workflowID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	wf, err := getWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return false, err
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM tasks WHERE workflow_id = ? AND kind = ? AND status IN (?, ?) LIMIT 1`,
		workflowID, string(TaskStep), string(TaskPending), string(TaskRunning)).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if err == nil {
		return false, tx.Commit()
	}

	if err := insertStepTask(ctx, tx, workflowID, wf.Name, time.Now().UTC()); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
