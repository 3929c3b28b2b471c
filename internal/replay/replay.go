// Package replay implements the Replay Engine (spec §4.D): the single
// replay_until_block procedure that loads a workflow's history, reconstructs
// its in-memory state, instantiates the registered workflow class, and
// drives its declared steps in order until the tick suspends, completes, or
// fails.
package replay

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	loomerrors "github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/tracing"
	"github.com/loomworks/loom/internal/workflow"
)

// Outcome classifies how a tick ended, so the caller (the Task Dispatcher)
// knows what, if anything, it still owes the STEP task record (spec §4.F
// step 3-5): Suspended leaves the task alone (an ACTIVITY/TIMER task or a
// rotate already accounts for it), Completed means the caller should mark
// the STEP task COMPLETED, Failed means the caller should fail it.
type Outcome int

const (
	Suspended Outcome = iota
	Completed
	Failed
)

// Engine runs replay_until_block against a Store and a Definition Registry.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger
}

// New constructs an Engine.
func New(st store.Store, reg *registry.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, registry: reg, logger: logger}
}

// ReplayUntilBlock is spec §4.D's replay_until_block(workflow_id).
func (e *Engine) ReplayUntilBlock(ctx context.Context, workflowID string) (outcome Outcome, err error) {
	ctx, span := tracing.StartTick(ctx, workflowID, "")
	defer func() { tracing.End(span, err) }()

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return Failed, err
	}
	span.SetAttributes(attribute.String("loom.workflow", wf.Name))
	// A tick that observes a terminal workflow exits quietly (spec §5,
	// §4.F step 2): a race between rotation and a concurrent terminal
	// transition is expected, not an error.
	if wf.Status.IsTerminal() {
		return Completed, nil
	}

	history, err := e.store.ListEvents(ctx, workflowID)
	if err != nil {
		return Failed, err
	}

	state, err := workflow.FoldState(history)
	if err != nil {
		return Failed, e.fail(ctx, workflowID, err)
	}

	logger := e.logger.With("workflow_id", workflowID, "workflow", wf.Name)
	wctx := workflow.New(ctx, workflowID, wf.Input, history, state, e.store, logger)

	if err := wctx.Bootstrap(); err != nil {
		return Failed, e.fail(ctx, workflowID, err)
	}

	_, steps, err := e.registry.ResolveWorkflow(wf.Module, wf.Name)
	if err != nil {
		return Failed, e.fail(ctx, workflowID, err)
	}

	for _, step := range steps {
		if err := wctx.BeginStep(step.Name); err != nil {
			return Failed, e.fail(ctx, workflowID, err)
		}

		if err := step.Run(wctx); err != nil {
			if errors.Is(err, workflow.ErrSuspend) {
				return Suspended, e.handleSuspend(ctx, workflowID, wctx)
			}

			var permFailed *loomerrors.ActivityPermanentlyFailedError
			if errors.As(err, &permFailed) {
				return Failed, e.store.MarkFailed(ctx, workflowID, err.Error())
			}
			return Failed, e.fail(ctx, workflowID, err)
		}

		if err := wctx.EndStep(step.Name); err != nil {
			return Failed, e.fail(ctx, workflowID, err)
		}
	}

	if err := e.store.MarkCompleted(ctx, workflowID); err != nil {
		return Failed, err
	}
	return Completed, nil
}

// handleSuspend implements §4.D's exception-handling boundary: a
// STATE_SET/STATE_UPDATE suspend has no task of its own to rotate the
// driver on completion, so the engine rotates it itself. Every other
// suspending write (ACTIVITY_SCHEDULED, TIMER_SCHEDULED) already enqueued
// a task whose eventual completion rotates the driver.
func (e *Engine) handleSuspend(ctx context.Context, workflowID string, wctx *workflow.Context) error {
	if t, ok := wctx.LastAppendedType(); ok && (t == store.EventStateSet || t == store.EventStateUpdate) {
		return e.store.RotateDriver(ctx, workflowID)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, workflowID string, cause error) error {
	e.logger.Error("workflow failed", "workflow_id", workflowID, "error", cause)
	return e.store.MarkFailed(ctx, workflowID, cause.Error())
}
