// Package activity implements the Activity Executor (spec §4.E): resolves
// a registered activity by name, invokes it under its declared timeout,
// and records the outcome.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/tracing"
)

// Executor runs ACTIVITY tasks.
type Executor struct {
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger
}

// New constructs an Executor.
func New(st store.Store, reg *registry.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: st, registry: reg, logger: logger}
}

// Execute runs one ACTIVITY task (spec §4.E). On success it writes
// ACTIVITY_COMPLETED, completes the task, and rotates the driver itself,
// all in one Store transaction, and returns nil. On failure it returns the
// error without touching the Store — the Dispatcher applies the retry
// policy of §4.B and decides between schedule_retry and a permanent
// failure.
func (x *Executor) Execute(ctx context.Context, task *store.Task) (err error) {
	ctx, span := tracing.StartActivity(ctx, task.WorkflowID, task.Target, task.Attempts)
	defer func() { tracing.End(span, err) }()

	wf, err := x.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return x.store.CompleteTask(ctx, task.ID)
	}

	// ACTIVITY_SCHEDULED is written exactly once per logical call; retries
	// reuse the same task and never append a second one, so the lookup is
	// keyed on the outstanding event for this activity name, not on the
	// task's attempt counter (spec §4.E step 1).
	event, err := x.store.GetActivityEvent(ctx, task.WorkflowID, task.Target)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("no outstanding ACTIVITY_SCHEDULED event for %s: history corruption", task.Target)
	}

	scheduled, err := store.ParseActivityScheduled(event.Payload)
	if err != nil {
		return err
	}

	def, err := x.registry.ResolveActivity(scheduled.Module, scheduled.Func)
	if err != nil {
		return err
	}

	timeout := time.Duration(scheduled.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, runErr := def.Fn(runCtx, scheduled.Args)
	if runErr != nil {
		return runErr
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return x.store.CompleteActivity(ctx, task.WorkflowID, task.ID, scheduled.Name, raw)
}
