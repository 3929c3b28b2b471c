// Package loom is the programming surface consumed by user code (spec
// §6.1): declaring workflows and activities, starting and inspecting
// workflow instances, and driving the worker pool. Grounded on the
// teacher's pkg/workflow package for the declaration-surface shape
// (registration, builder-style options) and internal/daemon/runner.Run
// for the handle/status/result contract.
package loom

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	loomerrors "github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workflow"
)

// Context is the per-tick API user step code receives.
type Context = registry.Context

// StateProxy is the per-tick state API (get/set/update/batch).
type StateProxy = registry.StateProxy

// Step is one named, ordered unit of a workflow's implementation.
type Step = registry.Step

// ActivityDef declares a registered activity's metadata and function.
type ActivityDef = registry.ActivityDef

// ActivityFunc is the signature a registered activity implements.
type ActivityFunc = registry.ActivityFunc

// Workflow is the interface a user-defined workflow type implements.
type Workflow = registry.Workflow

// WorkflowMeta describes a workflow's identity.
type WorkflowMeta = registry.WorkflowMeta

// WorkflowFactory constructs a fresh Workflow instance for one tick.
type WorkflowFactory = registry.WorkflowFactory

// Engine is the compiled definition registry plus a Store connection: the
// unit of `Compiled` from spec §6.1.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger
}

// New constructs an Engine against an already-initialized Store.
func New(st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, registry: registry.New(), logger: logger}
}

// RegisterWorkflow adds a workflow definition to the engine.
func (e *Engine) RegisterWorkflow(factory WorkflowFactory) error {
	return e.registry.RegisterWorkflow(factory)
}

// RegisterActivity adds an activity definition to the engine.
func (e *Engine) RegisterActivity(def ActivityDef) error {
	return e.registry.RegisterActivity(def)
}

// Registry exposes the underlying Definition Registry, e.g. for a
// Dispatcher/worker pool constructed alongside this Engine.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Store exposes the underlying Store, e.g. for a worker pool or scheduler
// constructed alongside this Engine.
func (e *Engine) Store() store.Store { return e.store }

// Start creates a new workflow instance and returns a Handle to it (spec
// §6.1 `Compiled.start`).
func (e *Engine) Start(ctx context.Context, module, name string, input any) (*Handle, error) {
	wf, _, err := e.registry.ResolveWorkflow(module, name)
	if err != nil {
		return nil, err
	}
	meta := store.WorkflowMeta(wf.Meta())

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	id, err := e.store.CreateWorkflow(ctx, meta, raw)
	if err != nil {
		return nil, err
	}
	return &Handle{id: id, store: e.store}, nil
}

// Handle returns a Handle reattached to an existing workflow id (spec
// §6.1 `Handle.with_id`).
func (e *Engine) Handle(id string) *Handle {
	return &Handle{id: id, store: e.store}
}

// Handle is a reference to one workflow instance.
type Handle struct {
	id    string
	store store.Store
}

// ID returns the workflow's id.
func (h *Handle) ID() string { return h.id }

// Status returns the workflow's current lifecycle status (spec §6.1
// `Handle.status`).
func (h *Handle) Status(ctx context.Context) (store.WorkflowStatus, error) {
	wf, err := h.store.GetWorkflow(ctx, h.id)
	if err != nil {
		return "", err
	}
	return wf.Status, nil
}

// Info returns the workflow's metadata and timestamps (spec §6.1
// `Handle.info`).
func (h *Handle) Info(ctx context.Context) (*store.Workflow, error) {
	return h.store.GetWorkflow(ctx, h.id)
}

// Result does not wait: it returns a COMPLETED workflow's folded state
// (spec §6.1 `Handle.result`), or returns the extracted
// error per spec §7's policy: a *loomerrors.StillRunningError if RUNNING, a
// *loomerrors.WorkflowExecutionError if FAILED (preferring the last
// WORKFLOW_FAILED payload, else the last ACTIVITY_FAILED, else a generic
// message), or a *loomerrors.CancelledError if CANCELED.
func (h *Handle) Result(ctx context.Context) (map[string]any, error) {
	wf, err := h.store.GetWorkflow(ctx, h.id)
	if err != nil {
		return nil, err
	}

	switch wf.Status {
	case store.StatusRunning:
		return nil, &loomerrors.StillRunningError{ID: h.id}
	case store.StatusCanceled:
		reason, _ := h.cancelReason(ctx)
		return nil, &loomerrors.CancelledError{WorkflowID: h.id, Reason: reason}
	case store.StatusFailed:
		return nil, h.executionError(ctx, wf.Name)
	}

	history, err := h.store.ListEvents(ctx, h.id)
	if err != nil {
		return nil, err
	}
	return workflow.FoldState(history)
}

// executionError implements spec §7's extraction policy: prefer the last
// WORKFLOW_FAILED payload, else the last ACTIVITY_FAILED, else a generic
// message.
func (h *Handle) executionError(ctx context.Context, workflowName string) error {
	history, err := h.store.ListEvents(ctx, h.id)
	if err != nil {
		return err
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == store.EventWorkflowFailed {
			detail, err := store.ParseTerminalDetail(history[i].Payload)
			if err == nil {
				return &loomerrors.WorkflowExecutionError{WorkflowID: h.id, Source: "WORKFLOW", Message: detail}
			}
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == store.EventActivityFailed {
			p, err := store.ParseActivityFailed(history[i].Payload)
			if err == nil {
				return &loomerrors.WorkflowExecutionError{WorkflowID: h.id, Source: "ACTIVITY", Activity: p.Name, Message: p.Error}
			}
		}
	}
	return &loomerrors.WorkflowExecutionError{WorkflowID: h.id, Source: "WORKFLOW", Message: "workflow failed for unknown reasons"}
}

func (h *Handle) cancelReason(ctx context.Context) (string, error) {
	history, err := h.store.ListEvents(ctx, h.id)
	if err != nil {
		return "", err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == store.EventWorkflowCancelled {
			detail, err := store.ParseTerminalDetail(history[i].Payload)
			if err == nil {
				return detail, nil
			}
		}
	}
	return "", nil
}

// Signal appends SIGNAL_RECEIVED to the workflow's log (spec §6.1
// `Handle.signal`). Errors if the workflow is not RUNNING.
func (h *Handle) Signal(ctx context.Context, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.store.CreateSignal(ctx, h.id, name, raw)
}

// Cancel marks the workflow CANCELED (SPEC_FULL §3 supplement, grounded
// on original_source's Handle.cancel()).
func (h *Handle) Cancel(ctx context.Context, reason string) error {
	return h.store.MarkCancelled(ctx, h.id, reason)
}

// Logs returns the workflow's diagnostic log entries (SPEC_FULL §3
// supplement, grounded on original_source's Handle.logs()).
func (h *Handle) Logs(ctx context.Context) ([]store.LogEntry, error) {
	return h.store.ListLogs(ctx, h.id)
}

// Events returns the workflow's raw event log, e.g. for `loom inspect --events`.
func (h *Handle) Events(ctx context.Context) ([]store.Event, error) {
	return h.store.ListEvents(ctx, h.id)
}

// WaitResult polls Result until the workflow reaches a terminal status or
// ctx is cancelled. Convenience for tests and simple CLI callers; the core
// engine itself never polls for its own correctness.
func (h *Handle) WaitResult(ctx context.Context, pollInterval time.Duration) (map[string]any, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	for {
		result, err := h.Result(ctx)
		if err == nil {
			return result, nil
		}
		var stillRunning *loomerrors.StillRunningError
		if !asStillRunning(err, &stillRunning) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func asStillRunning(err error, target **loomerrors.StillRunningError) bool {
	return loomerrors.As(err, target)
}
