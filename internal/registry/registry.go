// Package registry is the Definition Surface (spec §4.G): a process-wide,
// read-mostly map from (module, name) to workflow factory and from
// (module, func) to activity function, populated once at process start and
// consulted by the replay engine and activity executor thereafter.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	loomerrors "github.com/loomworks/loom/internal/errors"
)

// WorkflowMeta is the declaration metadata for a workflow class (spec §6.1,
// §4.G): name, version, description and the module locator used to
// re-resolve the program across process restarts.
type WorkflowMeta struct {
	Name        string
	Description string
	Version     string
	Module      string
}

// Context is the surface a step body sees (spec §6.1, §4.C). internal/workflow.Context
// implements it; it is declared here, rather than there, so that Step (and
// this package) need not import internal/workflow — internal/workflow
// imports registry for ActivityDef, not the other way around.
type Context interface {
	// WorkflowID returns the id of the workflow instance being replayed.
	WorkflowID() string
	// Input returns the opaque input blob the workflow was started with.
	Input() json.RawMessage
	// Activity runs the three-branch decision point protocol for an
	// activity call (spec §4.C) and returns its recorded result once the
	// paired completion is present in history.
	Activity(def ActivityDef, args any) (json.RawMessage, error)
	// Sleep runs the decision point protocol for a timer (spec §4.C).
	Sleep(d time.Duration) error
	// SleepUntil is Sleep with an absolute fire time.
	SleepUntil(t time.Time) error
	// WaitUntilSignal runs the decision point protocol for a signal wait
	// (spec §4.C) and returns the signal's payload once received.
	WaitUntilSignal(name string) (json.RawMessage, error)
	// State returns the state proxy (get/set/update/batch, spec §4.C).
	State() StateProxy
	// Logger is fire-and-forget and silent during replay (spec §5, §4.C).
	Logger() *slog.Logger
}

// StateProxy is the in-memory state map exposed to step bodies (spec §4.C).
type StateProxy interface {
	Get(key string, def any) any
	Set(key string, value any) error
	Update(fn func(current map[string]any) map[string]any) error
	Batch(fn func(b StateProxy) error) error
}

// Step is one ordered section of workflow code (spec §3 GLOSSARY),
// bracketed at replay time by STEP_START/STEP_END. Run's single-argument
// signature (besides the receiver it closes over) satisfies §4.G's
// "exactly one argument besides the Context" constraint structurally: Go
// has no receiver-plus-extra-arg ambiguity to validate at runtime.
type Step struct {
	Name        string
	Description string
	Run         func(ctx Context) error
}

// Workflow is the abstract program a client starts (spec §6.1:
// "a class inheriting from the abstract Workflow<Input, State>").
type Workflow interface {
	Meta() WorkflowMeta
	Steps() []Step
}

// WorkflowFactory constructs a fresh Workflow instance for one replay tick
// (spec §4.D step 5: "instantiate it").
type WorkflowFactory func() Workflow

// ActivityFunc is a registered activity body. args is the JSON-encoded
// argument list recorded in the ACTIVITY_SCHEDULED payload; the return
// value is marshaled into ACTIVITY_COMPLETED's result.
type ActivityFunc func(ctx context.Context, args json.RawMessage) (any, error)

// ActivityDef is the declaration metadata for a registered activity
// (spec §6.1: "a free async function annotated with {name, description,
// retry_count, timeout_seconds}").
type ActivityDef struct {
	Name           string
	Description    string
	RetryCount     int
	TimeoutSeconds int
	Module         string
	Func           string
	Fn             ActivityFunc
}

type workflowEntry struct {
	meta    WorkflowMeta
	factory WorkflowFactory
	steps   []Step
}

// Registry is the process-wide Definition Surface. Safe for concurrent
// reads after registration; registration itself is expected to happen
// once, at program start, before any worker begins claiming tasks.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]workflowEntry
	activities map[string]ActivityDef
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		workflows:  make(map[string]workflowEntry),
		activities: make(map[string]ActivityDef),
	}
}

func workflowKey(module, name string) string { return module + "/" + name }
func activityKey(module, fn string) string   { return module + "/" + fn }

// RegisterWorkflow validates and registers a workflow factory under
// (module, meta.Name). Validation (spec §4.G, "compile-time validation when
// a workflow is first materialized"): at least one step, no duplicate step
// names, non-empty names.
func (r *Registry) RegisterWorkflow(factory WorkflowFactory) error {
	w := factory()
	meta := w.Meta()
	steps := w.Steps()

	if meta.Module == "" || meta.Name == "" {
		return &loomerrors.ValidationError{Field: "name", Message: "workflow module and name must be non-empty"}
	}
	if len(steps) == 0 {
		return &loomerrors.ValidationError{Field: "steps", Message: fmt.Sprintf("workflow %s/%s declares no steps", meta.Module, meta.Name)}
	}
	seen := make(map[string]bool, len(steps))
	for _, st := range steps {
		if st.Name == "" {
			return &loomerrors.ValidationError{Field: "step.name", Message: fmt.Sprintf("workflow %s/%s has an unnamed step", meta.Module, meta.Name)}
		}
		if seen[st.Name] {
			return &loomerrors.ValidationError{Field: "step.name", Message: fmt.Sprintf("workflow %s/%s declares step %q twice", meta.Module, meta.Name, st.Name)}
		}
		seen[st.Name] = true
		if st.Run == nil {
			return &loomerrors.ValidationError{Field: "step.run", Message: fmt.Sprintf("workflow %s/%s step %q has no body", meta.Module, meta.Name, st.Name)}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[workflowKey(meta.Module, meta.Name)] = workflowEntry{meta: meta, factory: factory, steps: steps}
	return nil
}

// RegisterActivity validates and registers an activity function under
// (module, def.Func). retry_count ∈ [0, 100], timeout_seconds ∈ (0, 3600]
// (spec §4.G).
func (r *Registry) RegisterActivity(def ActivityDef) error {
	if def.Module == "" || def.Name == "" || def.Func == "" {
		return &loomerrors.ValidationError{Field: "name", Message: "activity module, name and func must be non-empty"}
	}
	if def.RetryCount < 0 || def.RetryCount > 100 {
		return &loomerrors.ValidationError{Field: "retry_count", Message: fmt.Sprintf("activity %s: retry_count %d out of [0,100]", def.Name, def.RetryCount)}
	}
	if def.TimeoutSeconds <= 0 || def.TimeoutSeconds > 3600 {
		return &loomerrors.ValidationError{Field: "timeout_seconds", Message: fmt.Sprintf("activity %s: timeout_seconds %d out of (0,3600]", def.Name, def.TimeoutSeconds)}
	}
	if def.Fn == nil {
		return &loomerrors.ValidationError{Field: "fn", Message: fmt.Sprintf("activity %s has no implementation", def.Name)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[activityKey(def.Module, def.Func)] = def
	return nil
}

// ResolveWorkflow instantiates the workflow registered at (module, name).
func (r *Registry) ResolveWorkflow(module, name string) (Workflow, []Step, error) {
	r.mu.RLock()
	entry, ok := r.workflows[workflowKey(module, name)]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, &loomerrors.ValidationError{Field: "workflow", Message: fmt.Sprintf("no workflow registered for %s/%s", module, name)}
	}
	return entry.factory(), entry.steps, nil
}

// ResolveActivity looks up an activity by (module, func) — the fields
// recorded on the ACTIVITY_SCHEDULED payload (spec §4.E step 2).
func (r *Registry) ResolveActivity(module, fn string) (ActivityDef, error) {
	r.mu.RLock()
	def, ok := r.activities[activityKey(module, fn)]
	r.mu.RUnlock()
	if !ok {
		return ActivityDef{}, &loomerrors.ValidationError{Field: "activity", Message: fmt.Sprintf("no activity registered for %s/%s", module, fn)}
	}
	return def, nil
}
