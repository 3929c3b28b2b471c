// Postgres backend, for multi-node worker pools. Grounded on the teacher's
// internal/controller/backend/postgres package, in particular its
// DequeueJob's SELECT ... FOR UPDATE SKIP LOCKED pattern for claiming a
// unit of work across concurrent connections without a distributed lock.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	loomerrors "github.com/loomworks/loom/internal/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore is a Postgres-backed Store.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
}

// NewPostgresStore opens (and migrates) a Postgres store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the workflows/events/tasks/logs tables and indexes (spec §6.3).
func (s *PostgresStore) Init(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			module TEXT NOT NULL,
			input BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			type TEXT NOT NULL,
			payload BYTEA,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow_id ON events(workflow_id, id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			run_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_run_at ON tasks(status, run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workflow_id ON tasks(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id BIGSERIAL PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
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

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateWorkflow(ctx context.Context, meta WorkflowMeta, input []byte) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, description, version, status, module, input, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, meta.Name, meta.Description, meta.Version, string(StatusRunning), meta.Module, input, now, now)
	if err != nil {
		return "", fmt.Errorf("creating workflow: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		id, string(EventWorkflowStarted), input, now); err != nil {
		return "", fmt.Errorf("appending WORKFLOW_STARTED: %w", err)
	}

	if err := pgInsertStepTask(ctx, tx, id, meta.Name, now); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func pgInsertStepTask(ctx context.Context, tx *sql.Tx, workflowID, target string, runAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, kind, target, run_at, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $7)`,
		uuid.NewString(), workflowID, string(TaskStep), target, runAt, string(TaskPending), runAt)
	if err != nil {
		return fmt.Errorf("enqueueing STEP task: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, workflowID string, typ EventType, payload []byte) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer tx.Rollback()

	status, err := pgWorkflowStatusTx(ctx, tx, workflowID)
	if err != nil {
		return Event{}, err
	}
	if status.IsTerminal() {
		return Event{}, &loomerrors.TerminalWorkflowError{WorkflowID: workflowID, Status: string(status)}
	}

	now := time.Now().UTC()
	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		workflowID, string(typ), payload, now).Scan(&id)
	if err != nil {
		return Event{}, fmt.Errorf("appending event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, err
	}
	return Event{ID: id, WorkflowID: workflowID, Type: typ, Payload: payload, CreatedAt: now}, nil
}

func pgWorkflowStatusTx(ctx context.Context, tx *sql.Tx, workflowID string) (WorkflowStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM workflows WHERE id = $1`, workflowID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", &loomerrors.WorkflowNotFoundError{ID: workflowID}
	}
	if err != nil {
		return "", err
	}
	return WorkflowStatus(status), nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, workflowID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, payload, created_at FROM events WHERE workflow_id = $1 ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.WorkflowID = workflowID
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, version, status, module, input, created_at, updated_at
		FROM workflows WHERE id = $1`, id).
		Scan(&w.ID, &w.Name, &w.Description, &w.Version, &status, &w.Module, &w.Input, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &loomerrors.WorkflowNotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	w.Status = WorkflowStatus(status)
	return &w, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT id, name, description, version, status, module, input, created_at, updated_at FROM workflows WHERE TRUE`
	var args []any
	argN := 1
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argN)
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
		var status string
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.Version, &status, &w.Module, &w.Input, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Status = WorkflowStatus(status)
		out = append(out, w)
	}
	return out, rows.Err()
}

// ClaimTask uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent worker
// processes never block each other on contended rows (spec §4.A, §8.2).
func (s *PostgresStore) ClaimTask(ctx context.Context) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var t Task
	err = tx.QueryRowContext(ctx, `
		SELECT id, workflow_id, kind, target, run_at, status, attempts, max_attempts, last_error, created_at, updated_at
		FROM tasks
		WHERE status = $1 AND run_at <= $2
		ORDER BY run_at ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, string(TaskPending), now).
		Scan(&t.ID, &t.WorkflowID, &t.Kind, &t.Target, &t.RunAt, &t.Status, &t.Attempts, &t.MaxAttempts, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.Attempts++
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = $1, attempts = $2, updated_at = $3 WHERE id = $4`,
		string(TaskRunning), t.Attempts, now, t.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Status = TaskRunning
	t.UpdatedAt = now
	return &t, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, id string) error {
	return s.setTaskStatus(ctx, id, TaskCompleted, "")
}

func (s *PostgresStore) FailTask(ctx context.Context, id string, errMsg string) error {
	return s.setTaskStatus(ctx, id, TaskFailed, errMsg)
}

func (s *PostgresStore) ReleaseTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3`,
		string(TaskPending), time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, run_at = $2, last_error = $3, updated_at = $4 WHERE id = $5`,
		string(TaskPending), runAt.UTC(), errMsg, time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) setTaskStatus(ctx context.Context, id string, status TaskStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errMsg, time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) CreateActivity(ctx context.Context, workflowID string, meta ActivityMeta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := pgRequireRunningTx(ctx, tx, workflowID); err != nil {
		return err
	}

	payload, err := marshalActivityMeta(meta)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		workflowID, string(EventActivityScheduled), payload, now); err != nil {
		return fmt.Errorf("appending ACTIVITY_SCHEDULED: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, kind, target, run_at, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)`,
		uuid.NewString(), workflowID, string(TaskActivity), meta.Name, now, string(TaskPending), meta.RetryCount, now)
	if err != nil {
		return fmt.Errorf("enqueueing ACTIVITY task: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) CreateTimer(ctx context.Context, workflowID string, fireAt time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := pgRequireRunningTx(ctx, tx, workflowID); err != nil {
		return "", err
	}

	timerID := uuid.NewString()
	payload, err := marshalTimer(timerID, fireAt)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		workflowID, string(EventTimerScheduled), payload, now); err != nil {
		return "", fmt.Errorf("appending TIMER_SCHEDULED: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, kind, target, run_at, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $7)`,
		uuid.NewString(), workflowID, string(TaskTimer), TimerTarget, fireAt.UTC(), string(TaskPending), now)
	if err != nil {
		return "", fmt.Errorf("enqueueing TIMER task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return timerID, nil
}

func (s *PostgresStore) RotateDriver(ctx context.Context, workflowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pgRotateDriverTx(ctx, tx, workflowID, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func pgRotateDriverTx(ctx context.Context, tx *sql.Tx, workflowID string, now time.Time) error {
	wf, err := pgGetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}

	var runningTarget string
	err = tx.QueryRowContext(ctx,
		`SELECT target FROM tasks WHERE workflow_id = $1 AND kind = $2 AND status = $3 LIMIT 1`,
		workflowID, string(TaskStep), string(TaskRunning)).Scan(&runningTarget)
	switch {
	case err == sql.ErrNoRows:
		runningTarget = wf.Name
	case err != nil:
		return err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = $1, updated_at = $2 WHERE workflow_id = $3 AND kind = $4 AND status = $5`,
			string(TaskCompleted), now, workflowID, string(TaskStep), string(TaskRunning)); err != nil {
			return err
		}
	}

	return pgInsertStepTask(ctx, tx, workflowID, runningTarget, now)
}

// CompleteActivity appends ACTIVITY_COMPLETED, marks the task COMPLETED,
// and rotates the driver, in one transaction (spec §4.E step 3).
func (s *PostgresStore) CompleteActivity(ctx context.Context, workflowID, taskID, activityName string, result []byte) error {
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
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		workflowID, string(EventActivityCompleted), payload, now); err != nil {
		return fmt.Errorf("appending ACTIVITY_COMPLETED: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3`,
		string(TaskCompleted), now, taskID); err != nil {
		return err
	}
	if err := pgRotateDriverTx(ctx, tx, workflowID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// FailActivityPermanently appends ACTIVITY_FAILED, marks the task FAILED,
// and rotates the driver so the next tick surfaces a fatal workflow
// failure (spec §4.B, §4.D).
func (s *PostgresStore) FailActivityPermanently(ctx context.Context, workflowID, taskID, activityName, errMsg string) error {
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
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		workflowID, string(EventActivityFailed), payload, now); err != nil {
		return fmt.Errorf("appending ACTIVITY_FAILED: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
		string(TaskFailed), errMsg, now, taskID); err != nil {
		return err
	}
	if err := pgRotateDriverTx(ctx, tx, workflowID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// FireTimer appends TIMER_FIRED, completes the TIMER task, and rotates the
// driver, all in one transaction.
func (s *PostgresStore) FireTimer(ctx context.Context, workflowID, taskID, timerID string) error {
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
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		workflowID, string(EventTimerFired), payload, now); err != nil {
		return fmt.Errorf("appending TIMER_FIRED: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3`,
		string(TaskCompleted), now, taskID); err != nil {
		return err
	}
	if err := pgRotateDriverTx(ctx, tx, workflowID, now); err != nil {
		return err
	}
	return tx.Commit()
}

func pgGetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (*Workflow, error) {
	var w Workflow
	var status string
	err := tx.QueryRowContext(ctx, `SELECT id, name, status FROM workflows WHERE id = $1`, id).
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

func (s *PostgresStore) CreateSignal(ctx context.Context, workflowID, name string, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	wf, err := pgRequireRunningWfTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	wrapped, err := marshalSignal(name, payload)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		workflowID, string(EventSignalReceived), wrapped, now); err != nil {
		return fmt.Errorf("appending SIGNAL_RECEIVED: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM tasks WHERE workflow_id = $1 AND kind = $2 AND status IN ($3, $4) LIMIT 1`,
		workflowID, string(TaskStep), string(TaskPending), string(TaskRunning)).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == sql.ErrNoRows {
		if err := pgInsertStepTask(ctx, tx, workflowID, wf.Name, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendEvents appends events atomically, refusing if the workflow is terminal.
func (s *PostgresStore) AppendEvents(ctx context.Context, workflowID string, events []EventInput) ([]Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	status, err := pgWorkflowStatusTx(ctx, tx, workflowID)
	if err != nil {
		return nil, err
	}
	if status.IsTerminal() {
		return nil, &loomerrors.TerminalWorkflowError{WorkflowID: workflowID, Status: string(status)}
	}

	out := make([]Event, 0, len(events))
	for _, in := range events {
		now := time.Now().UTC()
		var id int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO events (workflow_id, type, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
			workflowID, string(in.Type), in.Payload, now).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("appending event: %w", err)
		}
		out = append(out, Event{ID: id, WorkflowID: workflowID, Type: in.Type, Payload: in.Payload, CreatedAt: now})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func pgRequireRunningTx(ctx context.Context, tx *sql.Tx, workflowID string) (WorkflowStatus, error) {
	status, err := pgWorkflowStatusTx(ctx, tx, workflowID)
	if err != nil {
		return "", err
	}
	if status != StatusRunning {
		return "", &loomerrors.TerminalWorkflowError{WorkflowID: workflowID, Status: string(status)}
	}
	return status, nil
}

func pgRequireRunningWfTx(ctx context.Context, tx *sql.Tx, workflowID string) (*Workflow, error) {
	wf, err := pgGetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != StatusRunning {
		return nil, &loomerrors.TerminalWorkflowError{WorkflowID: workflowID, Status: string(wf.Status)}
	}
	return wf, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, workflowID string, errMsg string) error {
	return s.markTerminal(ctx, workflowID, StatusFailed, EventWorkflowFailed, errMsg)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, workflowID string) error {
	return s.markTerminal(ctx, workflowID, StatusCompleted, EventWorkflowCompleted, "")
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, workflowID string, reason string) error {
	return s.markTerminal(ctx, workflowID, StatusCanceled, EventWorkflowCancelled, reason)
}

func (s *PostgresStore) markTerminal(ctx context.Context, workflowID string, status WorkflowStatus, evt EventType, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := pgWorkflowStatusTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if current.IsTerminal() {
		return tx.Commit()
	}

	now := time.Now().UTC()
	payload, err := marshalTerminalDetail(detail)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		workflowID, string(evt), payload, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), now, workflowID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE workflow_id = $3 AND status = $4`,
		string(TaskFailed), now, workflowID, string(TaskPending)); err != nil {
		return err
	}
	return tx.Commit()
}

// GetActivityEvent returns the outstanding ACTIVITY_SCHEDULED event for
// activityName (the most recent schedule of that name not yet resolved by
// a matching ACTIVITY_COMPLETED/ACTIVITY_FAILED), or nil if there is none.
func (s *PostgresStore) GetActivityEvent(ctx context.Context, workflowID, activityName string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, payload, created_at FROM events
		WHERE workflow_id = $1 AND type IN ($2, $3, $4)
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
		var createdAt time.Time
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
			outstanding = &Event{ID: id, WorkflowID: workflowID, Type: EventActivityScheduled, Payload: payload, CreatedAt: createdAt}
		case EventActivityCompleted, EventActivityFailed:
			outstanding = nil
		}
	}
	return outstanding, rows.Err()
}

func (s *PostgresStore) AppendLog(ctx context.Context, workflowID, level, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (workflow_id, level, message, created_at) VALUES ($1, $2, $3, $4)`,
		workflowID, level, message, time.Now().UTC())
	return err
}

func (s *PostgresStore) ListLogs(ctx context.Context, workflowID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, message, created_at FROM logs WHERE workflow_id = $1 ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.WorkflowID = workflowID
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
func (s *PostgresStore) RecreateDriver(ctx context.Context, workflowID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	wf, err := pgGetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return false, err
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM tasks WHERE workflow_id = $1 AND kind = $2 AND status IN ($3, $4) LIMIT 1`,
		workflowID, string(TaskStep), string(TaskPending), string(TaskRunning)).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if err == nil {
		return false, tx.Commit()
	}

	if err := pgInsertStepTask(ctx, tx, workflowID, wf.Name, time.Now().UTC()); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
