// Package dispatcher implements the Task Dispatcher (spec §4.B): given one
// claimed task, route it to the Replay Engine or Activity Executor, apply
// the activity retry policy, and fire due timers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/loomworks/loom/internal/activity"
	loomerrors "github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/replay"
	"github.com/loomworks/loom/internal/store"
)

// maxBackoffSeconds caps the exponential retry delay (spec §4.B: "delay =
// min(60, 2^attempts) seconds").
const maxBackoffSeconds = 60

// Dispatcher routes one claimed Task to the component that knows how to
// run it, and records the outcome back to the Store.
type Dispatcher struct {
	store    store.Store
	replay   *replay.Engine
	activity *activity.Executor
	logger   *slog.Logger
}

// New constructs a Dispatcher.
func New(st store.Store, re *replay.Engine, ax *activity.Executor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: st, replay: re, activity: ax, logger: logger}
}

// Dispatch processes one claimed task (spec §4.B/§4.F step 3). The caller
// (the Worker Pool) is expected to have already obtained task via
// Store.ClaimTask.
func (d *Dispatcher) Dispatch(ctx context.Context, task *store.Task) error {
	metrics.RecordClaim(string(task.Kind))
	switch task.Kind {
	case store.TaskStep:
		return d.dispatchStep(ctx, task)
	case store.TaskActivity:
		return d.dispatchActivity(ctx, task)
	case store.TaskTimer:
		return d.dispatchTimer(ctx, task)
	default:
		return d.store.FailTask(ctx, task.ID, fmt.Sprintf("unknown task kind %q", task.Kind))
	}
}

// dispatchStep runs one replay tick and reconciles the STEP task's status
// with the tick's Outcome (spec §4.F steps 3-5). A Suspended tick is done
// with its task, so the dispatcher marks it COMPLETED; the next STEP task
// comes from whatever resumes the workflow (an ACTIVITY/TIMER task's
// completion, a driver rotation inside the Replay Engine, or CreateSignal
// finding no outstanding driver). Completing a task that a rotation has
// already completed leaves it COMPLETED.
func (d *Dispatcher) dispatchStep(ctx context.Context, task *store.Task) error {
	outcome, err := d.replay.ReplayUntilBlock(ctx, task.WorkflowID)
	switch outcome {
	case replay.Completed:
		metrics.RecordCompleted(string(store.TaskStep))
		return d.store.CompleteTask(ctx, task.ID)
	case replay.Failed:
		msg := "workflow failed"
		if err != nil {
			msg = err.Error()
		}
		metrics.RecordFailed(string(store.TaskStep), "workflow_failed")
		return d.store.FailTask(ctx, task.ID, msg)
	default: // Suspended
		metrics.RecordDriverRotation()
		return d.store.CompleteTask(ctx, task.ID)
	}
}

// dispatchActivity runs the activity, then applies the retry policy of
// spec §4.B on failure: schedule_retry while attempts remain, otherwise
// fail the activity permanently and let the next tick surface it.
func (d *Dispatcher) dispatchActivity(ctx context.Context, task *store.Task) error {
	err := d.activity.Execute(ctx, task)
	if err == nil {
		metrics.RecordCompleted(string(store.TaskActivity))
		return nil
	}

	var nonDet *loomerrors.NonDeterministicError
	if errors.As(err, &nonDet) {
		metrics.RecordFailed(string(store.TaskActivity), "non_deterministic")
		return d.store.FailTask(ctx, task.ID, err.Error())
	}

	if task.Attempts < task.MaxAttempts {
		delay := backoff(task.Attempts)
		d.logger.Warn("activity failed, scheduling retry",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "activity", task.Target,
			"attempt", task.Attempts, "max_attempts", task.MaxAttempts, "delay", delay, "error", err)
		metrics.RecordActivityRetry(task.Target)
		return d.store.ScheduleRetry(ctx, task.ID, time.Now().UTC().Add(delay), err.Error())
	}

	d.logger.Error("activity exhausted retries, failing permanently",
		"workflow_id", task.WorkflowID, "task_id", task.ID, "activity", task.Target,
		"attempts", task.Attempts, "error", err)
	metrics.RecordFailed(string(store.TaskActivity), "permanent")
	return d.store.FailActivityPermanently(ctx, task.WorkflowID, task.ID, task.Target, err.Error())
}

// dispatchTimer fires a due TIMER task (spec §4.B: "(TIMER handled
// locally) append TIMER_FIRED, rotate the driver"). Some store backends
// may not filter on run_at <= now with sufficient precision when claiming,
// so the dispatcher double-checks and releases the task if it isn't due
// yet rather than firing early.
func (d *Dispatcher) dispatchTimer(ctx context.Context, task *store.Task) error {
	if task.RunAt.After(time.Now().UTC()) {
		return d.store.ReleaseTask(ctx, task.ID)
	}

	history, err := d.store.ListEvents(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	timerID, ok := latestTimerID(history)
	if !ok {
		metrics.RecordFailed(string(store.TaskTimer), "history_corruption")
		return d.store.FailTask(ctx, task.ID, "no TIMER_SCHEDULED event found: history corruption")
	}
	metrics.RecordCompleted(string(store.TaskTimer))
	return d.store.FireTimer(ctx, task.WorkflowID, task.ID, timerID)
}

// latestTimerID returns the id of the most recently scheduled timer. The
// driver-uniqueness invariant guarantees at most one TIMER task is
// outstanding per workflow at a time, so the most recent TIMER_SCHEDULED
// event in history is always the one this task belongs to.
func latestTimerID(history []store.Event) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == store.EventTimerScheduled {
			p, err := store.ParseTimerScheduled(history[i].Payload)
			if err != nil {
				return "", false
			}
			return p.ID, true
		}
	}
	return "", false
}

// backoff is spec §4.B's delay = min(60, 2^attempts) seconds.
func backoff(attempts int) time.Duration {
	seconds := math.Pow(2, float64(attempts))
	if seconds > maxBackoffSeconds {
		seconds = maxBackoffSeconds
	}
	return time.Duration(seconds) * time.Second
}
