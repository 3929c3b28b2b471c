// Package store defines the durable event log and state store (spec §3,
// §4.A): the workflows, events, tasks and logs relations and the
// transactional operations the rest of the engine is built on.
package store

import (
	"context"
	"time"
)

// WorkflowStatus is the lifecycle status of a Workflow (spec §3).
type WorkflowStatus string

const (
	StatusRunning   WorkflowStatus = "RUNNING"
	StatusCompleted WorkflowStatus = "COMPLETED"
	StatusFailed    WorkflowStatus = "FAILED"
	StatusCanceled  WorkflowStatus = "CANCELED"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// EventType is the closed set of event types a workflow log may contain (spec §3).
type EventType string

const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"
	EventStepStart         EventType = "STEP_START"
	EventStepEnd           EventType = "STEP_END"
	EventActivityScheduled EventType = "ACTIVITY_SCHEDULED"
	EventActivityCompleted EventType = "ACTIVITY_COMPLETED"
	EventActivityFailed    EventType = "ACTIVITY_FAILED"
	EventTimerScheduled    EventType = "TIMER_SCHEDULED"
	EventTimerFired        EventType = "TIMER_FIRED"
	EventSignalReceived    EventType = "SIGNAL_RECEIVED"
	EventStateSet          EventType = "STATE_SET"
	EventStateUpdate       EventType = "STATE_UPDATE"
)

// TaskKind distinguishes the three kinds of scheduled work (spec §3).
type TaskKind string

const (
	TaskStep     TaskKind = "STEP"
	TaskActivity TaskKind = "ACTIVITY"
	TaskTimer    TaskKind = "TIMER"
)

// TimerTarget is the sentinel task target for TIMER tasks (spec §3).
const TimerTarget = "__timer__"

// TaskStatus is the lifecycle status of a Task (spec §3).
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Workflow is a running or terminated instance of a named, versioned program.
type Workflow struct {
	ID          string
	Name        string
	Description string
	Version     string
	Module      string
	Status      WorkflowStatus
	Input       []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is one immutable, ordered record in a workflow's log.
type Event struct {
	ID         int64
	WorkflowID string
	Type       EventType
	Payload    []byte // opaque JSON blob
	CreatedAt  time.Time
}

// Task is one unit of scheduled work consumed by the worker pool.
type Task struct {
	ID          string
	WorkflowID  string
	Kind        TaskKind
	Target      string
	RunAt       time.Time
	Status      TaskStatus
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LogEntry is diagnostic text emitted during live execution. It is never
// authoritative for workflow state (spec §3).
type LogEntry struct {
	ID         int64
	WorkflowID string
	Level      string
	Message    string
	CreatedAt  time.Time
}

// WorkflowMeta describes a workflow at creation time, sourced from the
// Definition Registry (spec §4.G).
type WorkflowMeta struct {
	Name        string
	Description string
	Version     string
	Module      string
}

// ActivityMeta is the full scheduling payload for an activity call (spec §4.C).
type ActivityMeta struct {
	Name           string
	Description    string
	RetryCount     int
	TimeoutSeconds int
	Func           string
	Module         string
	Args           []byte // JSON-encoded argument list
}

// WorkflowFilter restricts ListWorkflows results (used by the CLI's `list`).
type WorkflowFilter struct {
	Status WorkflowStatus // empty = no filter
	Limit  int
}

// EventInput is one event to append via AppendEvents.
type EventInput struct {
	Type    EventType
	Payload []byte
}

// Store is the transactional persistence layer behind the engine (spec §4.A).
// Every operation either fully commits or leaves no trace; callers treat a
// Store error as fatal to the current task, not to the whole worker.
type Store interface {
	// Init creates tables and indexes if absent.
	Init(ctx context.Context) error

	// CreateWorkflow inserts a RUNNING workflow row, appends
	// WORKFLOW_STARTED{input}, and enqueues the first STEP task, all in
	// one transaction.
	CreateWorkflow(ctx context.Context, meta WorkflowMeta, input []byte) (string, error)

	// AppendEvent appends an event. Returns a *loomerrors.TerminalWorkflowError
	// (via errors.As) if the workflow is already terminal.
	AppendEvent(ctx context.Context, workflowID string, typ EventType, payload []byte) (Event, error)

	// AppendEvents appends multiple events in one transaction (spec §4.C:
	// a batch scope's accumulated STATE_SET/STATE_UPDATE writes commit
	// together).
	AppendEvents(ctx context.Context, workflowID string, events []EventInput) ([]Event, error)

	// ListEvents returns a workflow's events ordered by id ascending.
	ListEvents(ctx context.Context, workflowID string) ([]Event, error)

	// GetWorkflow returns workflow metadata, or a *loomerrors.WorkflowNotFoundError.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// ListWorkflows lists workflows matching filter, newest first.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// ClaimTask atomically selects the oldest eligible PENDING task,
	// transitions it to RUNNING with attempts+=1, and returns it. Returns
	// (nil, nil) if no task is eligible.
	ClaimTask(ctx context.Context) (*Task, error)

	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id string, errMsg string) error
	ReleaseTask(ctx context.Context, id string) error
	ScheduleRetry(ctx context.Context, id string, runAt time.Time, errMsg string) error

	// CreateActivity appends ACTIVITY_SCHEDULED and inserts a PENDING
	// ACTIVITY task in one transaction.
	CreateActivity(ctx context.Context, workflowID string, meta ActivityMeta) error

	// CreateTimer appends TIMER_SCHEDULED and inserts a PENDING TIMER task
	// with run_at=fireAt in one transaction. Returns the generated timer id.
	CreateTimer(ctx context.Context, workflowID string, fireAt time.Time) (string, error)

	// RotateDriver marks the current RUNNING STEP task COMPLETED and
	// inserts a new PENDING STEP task, in one transaction. Idempotent if
	// there is no RUNNING STEP task.
	RotateDriver(ctx context.Context, workflowID string) error

	// CompleteActivity appends ACTIVITY_COMPLETED, marks the ACTIVITY task
	// COMPLETED, and rotates the driver, all in one transaction (spec
	// §4.E step 3).
	CompleteActivity(ctx context.Context, workflowID, taskID, activityName string, result []byte) error

	// FailActivityPermanently appends ACTIVITY_FAILED, marks the ACTIVITY
	// task FAILED, and rotates the driver, all in one transaction. Driver
	// rotation here is what lets the next tick observe ACTIVITY_FAILED at
	// its decision point and classify the workflow as fatally failed
	// (spec §4.B, §4.D boundary, §7).
	FailActivityPermanently(ctx context.Context, workflowID, taskID, activityName, errMsg string) error

	// FireTimer appends TIMER_FIRED, marks the TIMER task COMPLETED, and
	// rotates the driver, all in one transaction (spec §4.B: "(TIMER
	// handled locally) append TIMER_FIRED, rotate the driver").
	FireTimer(ctx context.Context, workflowID, taskID, timerID string) error

	// CreateSignal appends SIGNAL_RECEIVED and, if the workflow has no
	// PENDING or RUNNING STEP task, inserts one so a tick observes the
	// signal (a wait_until_signal suspension leaves no task of its own to
	// rotate on arrival). Errors if the workflow is not RUNNING.
	CreateSignal(ctx context.Context, workflowID, name string, payload []byte) error

	// MarkFailed appends WORKFLOW_FAILED, sets status FAILED, and fails
	// all PENDING tasks. No-op if the workflow is already terminal.
	MarkFailed(ctx context.Context, workflowID string, errMsg string) error

	// MarkCompleted appends WORKFLOW_COMPLETED and sets status COMPLETED.
	MarkCompleted(ctx context.Context, workflowID string) error

	// MarkCancelled appends WORKFLOW_CANCELLED and sets status CANCELED.
	MarkCancelled(ctx context.Context, workflowID string, reason string) error

	// GetActivityEvent returns the outstanding ACTIVITY_SCHEDULED event for
	// activityName: the most recent schedule of that name that has not yet
	// been resolved by a matching ACTIVITY_COMPLETED or ACTIVITY_FAILED, or
	// nil if there is none. ACTIVITY_SCHEDULED is written exactly once per
	// logical call — retries reuse the same task and event — so this is
	// independent of the task's attempt counter.
	GetActivityEvent(ctx context.Context, workflowID, activityName string) (*Event, error)

	// AppendLog records a diagnostic log line. Callers must treat failures
	// here as non-fatal (spec §5: logging is fire-and-forget).
	AppendLog(ctx context.Context, workflowID, level, message string) error

	// ListLogs returns a workflow's log entries ordered by id ascending.
	ListLogs(ctx context.Context, workflowID string) ([]LogEntry, error)

	// RecreateDriver inserts a fresh PENDING STEP task for a workflow whose
	// driver task was lost (SPEC_FULL §3 supplement, grounded on the
	// original's recreate_workflow_task). It reports whether a task was
	// actually inserted; it is a no-op, not an error, when the workflow
	// already has an active (PENDING or RUNNING) STEP task, since such a
	// workflow is not actually orphaned and inserting a second STEP task
	// would violate the driver-uniqueness invariant (spec §3).
	RecreateDriver(ctx context.Context, workflowID string) (inserted bool, err error)

	// Close releases underlying resources (connection pool, file handle).
	Close() error
}
