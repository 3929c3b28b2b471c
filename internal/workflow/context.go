// Package workflow implements the Workflow Context and State Proxy (spec
// §4.C): the per-tick object that couples user step code to the event log
// through the three-branch decision-point protocol (skip housekeeping,
// match-and-consume, schedule-then-suspend).
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	loomerrors "github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
)

// ErrSuspend is the internal sentinel of §4.C: "this tick has done all work
// that history justifies; persist what was written and wait for an
// external event to rotate the driver." It is never surfaced to a client;
// the replay engine intercepts it with errors.Is.
var ErrSuspend = fmt.Errorf("workflow: suspend")

var _ registry.Context = (*Context)(nil)

type pendingEvent struct {
	typ     store.EventType
	payload []byte
}

// Context is one tick's view of a workflow: its replay cursor over history,
// the in-memory state map reconstructed at tick start, and the events this
// tick appends when it discovers new, not-yet-resolved decision points.
type Context struct {
	id          string
	input       json.RawMessage
	history     []store.Event
	cursor      int
	originalLen int
	state       map[string]any

	appendedTypes []store.EventType

	inBatch     bool
	batchEvents []pendingEvent

	store  store.Store
	goCtx  context.Context
	logger *slog.Logger
}

// New constructs a Context for one replay tick. state is the map already
// folded from STATE_SET/STATE_UPDATE events (spec §4.D step 2); history is
// the full event log, cursor starts at 0 and advances as events are
// consumed.
func New(goCtx context.Context, id string, input json.RawMessage, history []store.Event, state map[string]any, st store.Store, logger *slog.Logger) *Context {
	if state == nil {
		state = make(map[string]any)
	}
	return &Context{
		id:          id,
		input:       input,
		history:     history,
		originalLen: len(history),
		state:       state,
		store:       st,
		goCtx:       goCtx,
		logger:      logger,
	}
}

// WorkflowID implements registry.Context.
func (c *Context) WorkflowID() string { return c.id }

// Input implements registry.Context.
func (c *Context) Input() json.RawMessage { return c.input }

// Logger implements registry.Context. While IsReplaying() it returns a
// logger that discards its output (spec §5, §4.C).
func (c *Context) Logger() *slog.Logger {
	if c.IsReplaying() {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// IsReplaying reports whether the cursor is still within the history that
// existed when this tick began (spec §4.C).
func (c *Context) IsReplaying() bool { return c.cursor < c.originalLen }

// Cursor returns the current replay cursor, for diagnostics.
func (c *Context) Cursor() int { return c.cursor }

// LastAppendedType returns the event type of the most recent event this
// tick wrote to history, if any. The replay engine uses it to decide
// whether a suspend must itself call RotateDriver (true only for
// STATE_SET/STATE_UPDATE — every other suspending write already has an
// associated task whose completion rotates the driver) (spec §4.D).
func (c *Context) LastAppendedType() (store.EventType, bool) {
	if len(c.appendedTypes) == 0 {
		return "", false
	}
	return c.appendedTypes[len(c.appendedTypes)-1], true
}

func (c *Context) recordAppended(t store.EventType) {
	c.appendedTypes = append(c.appendedTypes, t)
}

// skipHousekeeping advances the cursor over STEP_START/STEP_END markers:
// they are structural, not decisions (spec §4.C step 1).
func (c *Context) skipHousekeeping() {
	for c.cursor < len(c.history) {
		t := c.history[c.cursor].Type
		if t != store.EventStepStart && t != store.EventStepEnd {
			return
		}
		c.cursor++
	}
}

func (c *Context) peek() (store.Event, bool) {
	if c.cursor < len(c.history) {
		return c.history[c.cursor], true
	}
	return store.Event{}, false
}

func (c *Context) consume() store.Event {
	e := c.history[c.cursor]
	c.cursor++
	return e
}

func nondeterministic(id, detail string) error {
	return &loomerrors.NonDeterministicError{WorkflowID: id, Detail: detail}
}

// Activity runs the activity decision point (spec §4.C table row 1).
func (c *Context) Activity(def registry.ActivityDef, args any) (json.RawMessage, error) {
	c.skipHousekeeping()

	if e, ok := c.peek(); ok {
		if e.Type != store.EventActivityScheduled {
			return nil, nondeterministic(c.id, fmt.Sprintf("expected ACTIVITY_SCHEDULED(%s), history has %s", def.Name, e.Type))
		}
		scheduled, err := store.ParseActivityScheduled(e.Payload)
		if err != nil {
			return nil, err
		}
		if scheduled.Name != def.Name {
			return nil, nondeterministic(c.id, fmt.Sprintf("expected activity %q, history scheduled %q", def.Name, scheduled.Name))
		}
		c.consume()

		c.skipHousekeeping()
		e2, ok := c.peek()
		if !ok {
			return nil, ErrSuspend
		}
		switch e2.Type {
		case store.EventActivityCompleted:
			result, err := store.ParseActivityCompleted(e2.Payload)
			if err != nil {
				return nil, err
			}
			if result.Name != def.Name {
				return nil, nondeterministic(c.id, fmt.Sprintf("ACTIVITY_COMPLETED name %q does not match scheduled %q", result.Name, def.Name))
			}
			c.consume()
			return result.Result, nil
		case store.EventActivityFailed:
			failed, err := store.ParseActivityFailed(e2.Payload)
			if err != nil {
				return nil, err
			}
			c.consume()
			return nil, &loomerrors.ActivityPermanentlyFailedError{Activity: def.Name, Cause: fmt.Errorf("%s", failed.Error)}
		default:
			return nil, nondeterministic(c.id, fmt.Sprintf("expected completion of activity %q, history has %s", def.Name, e2.Type))
		}
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	meta := store.ActivityMeta{
		Name:           def.Name,
		Description:    def.Description,
		RetryCount:     def.RetryCount,
		TimeoutSeconds: def.TimeoutSeconds,
		Func:           def.Func,
		Module:         def.Module,
		Args:           argsJSON,
	}
	if err := c.store.CreateActivity(c.goCtx, c.id, meta); err != nil {
		return nil, err
	}
	c.recordAppended(store.EventActivityScheduled)
	return nil, ErrSuspend
}

// Sleep is SleepUntil relative to now.
func (c *Context) Sleep(d time.Duration) error { return c.SleepUntil(time.Now().Add(d)) }

// SleepUntil runs the timer decision point (spec §4.C table row 2).
func (c *Context) SleepUntil(fireAt time.Time) error {
	c.skipHousekeeping()

	if e, ok := c.peek(); ok {
		if e.Type != store.EventTimerScheduled {
			return nondeterministic(c.id, fmt.Sprintf("expected TIMER_SCHEDULED, history has %s", e.Type))
		}
		c.consume()

		c.skipHousekeeping()
		e2, ok := c.peek()
		if !ok {
			return ErrSuspend
		}
		if e2.Type != store.EventTimerFired {
			return nondeterministic(c.id, fmt.Sprintf("expected TIMER_FIRED, history has %s", e2.Type))
		}
		c.consume()
		return nil
	}

	if _, err := c.store.CreateTimer(c.goCtx, c.id, fireAt); err != nil {
		return err
	}
	c.recordAppended(store.EventTimerScheduled)
	return ErrSuspend
}

// WaitUntilSignal runs the signal decision point (spec §4.C table row 3).
// Unlike activity/sleep, there is nothing to schedule: a signal is
// produced externally by Handle.Signal, so the "new" branch only suspends.
func (c *Context) WaitUntilSignal(name string) (json.RawMessage, error) {
	c.skipHousekeeping()

	if e, ok := c.peek(); ok {
		if e.Type != store.EventSignalReceived {
			return nil, nondeterministic(c.id, fmt.Sprintf("expected SIGNAL_RECEIVED(%s), history has %s", name, e.Type))
		}
		sig, err := store.ParseSignalReceived(e.Payload)
		if err != nil {
			return nil, err
		}
		if sig.Name != name {
			return nil, nondeterministic(c.id, fmt.Sprintf("expected signal %q, history has %q", name, sig.Name))
		}
		c.consume()
		return sig.Payload, nil
	}
	return nil, ErrSuspend
}

// State returns the state proxy (spec §4.C table rows 4-5).
func (c *Context) State() registry.StateProxy { return &stateProxy{ctx: c} }

type stepMarkerPayload struct {
	StepName string `json:"step_name"`
}

// Bootstrap consumes the structural WORKFLOW_STARTED event if it is next
// (spec §4.D step 4). It is a no-op, not a decision point: it never
// suspends and never schedules anything.
func (c *Context) Bootstrap() error {
	if e, ok := c.peek(); ok && e.Type == store.EventWorkflowStarted {
		c.consume()
	}
	return nil
}

// BeginStep consumes or appends the STEP_START marker for the named step
// (spec §4.D step 6, first two bullets). It never suspends: STEP_START is
// structural, not a decision point.
func (c *Context) BeginStep(name string) error {
	if e, ok := c.peek(); ok {
		if e.Type != store.EventStepStart {
			return nondeterministic(c.id, fmt.Sprintf("expected STEP_START(%s), history has %s", name, e.Type))
		}
		var p stepMarkerPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		if p.StepName != name {
			return nondeterministic(c.id, fmt.Sprintf("expected STEP_START(%s), history has STEP_START(%s)", name, p.StepName))
		}
		c.consume()
		return nil
	}
	payload, err := json.Marshal(stepMarkerPayload{StepName: name})
	if err != nil {
		return err
	}
	_, err = c.store.AppendEvent(c.goCtx, c.id, store.EventStepStart, payload)
	return err
}

// EndStep consumes or appends the STEP_END marker for the named step
// (spec §4.D step 6, last bullet). Only reached when the step body returned
// without suspending.
func (c *Context) EndStep(name string) error {
	if e, ok := c.peek(); ok {
		if e.Type != store.EventStepEnd {
			return nondeterministic(c.id, fmt.Sprintf("expected STEP_END(%s), history has %s", name, e.Type))
		}
		c.consume()
		return nil
	}
	payload, err := json.Marshal(stepMarkerPayload{StepName: name})
	if err != nil {
		return err
	}
	_, err = c.store.AppendEvent(c.goCtx, c.id, store.EventStepEnd, payload)
	return err
}
