package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
)

// stateProxy implements registry.StateProxy against a Context. Reads never
// consult history directly — the in-memory map is rebuilt by folding
// STATE_SET/STATE_UPDATE events at the top of each tick (spec §4.D step 2,
// §4.C "State reads").
type stateProxy struct {
	ctx *Context
}

func (p *stateProxy) Get(key string, def any) any {
	if v, ok := p.ctx.state[key]; ok {
		return v
	}
	return def
}

// Set runs the STATE_SET decision point (spec §4.C table row 4).
func (p *stateProxy) Set(key string, value any) error {
	return p.ctx.stateSet(key, value)
}

// Update runs the STATE_UPDATE decision point (spec §4.C table row 5).
// fn is evaluated against current in-memory state on first execution only
// (not on replay, where the recorded `values` delta is reapplied verbatim) —
// SPEC_FULL.md §6(a).
func (p *stateProxy) Update(fn func(current map[string]any) map[string]any) error {
	return p.ctx.stateUpdate(fn)
}

// Batch accumulates the state writes fn performs and commits them in one
// transaction on scope exit (spec §4.C "State batching"). Nested batches
// are rejected.
func (p *stateProxy) Batch(fn func(b registry.StateProxy) error) error {
	return p.ctx.batch(fn)
}

func (c *Context) stateSet(key string, value any) error {
	c.skipHousekeeping()

	if e, ok := c.peek(); ok {
		if e.Type != store.EventStateSet {
			return nondeterministic(c.id, fmt.Sprintf("expected STATE_SET(%s), history has %s", key, e.Type))
		}
		set, err := store.ParseStateSet(e.Payload)
		if err != nil {
			return err
		}
		if set.Key != key {
			return nondeterministic(c.id, fmt.Sprintf("expected state key %q, history has %q", key, set.Key))
		}
		c.consume()
		var v any
		if err := json.Unmarshal(set.Value, &v); err != nil {
			return err
		}
		c.state[key] = v
		return nil
	}

	rawValue, err := json.Marshal(value)
	if err != nil {
		return err
	}
	payload, err := store.MarshalStateSet(key, rawValue)
	if err != nil {
		return err
	}
	c.state[key] = value

	if c.inBatch {
		c.batchEvents = append(c.batchEvents, pendingEvent{typ: store.EventStateSet, payload: payload})
		return nil
	}
	if _, err := c.store.AppendEvent(c.goCtx, c.id, store.EventStateSet, payload); err != nil {
		return err
	}
	c.recordAppended(store.EventStateSet)
	return ErrSuspend
}

func (c *Context) stateUpdate(fn func(current map[string]any) map[string]any) error {
	c.skipHousekeeping()

	if e, ok := c.peek(); ok {
		if e.Type != store.EventStateUpdate {
			return nondeterministic(c.id, fmt.Sprintf("expected STATE_UPDATE, history has %s", e.Type))
		}
		c.consume()
		upd, err := store.ParseStateUpdate(e.Payload)
		if err != nil {
			return err
		}
		for k, raw := range upd.Values {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			c.state[k] = v
		}
		return nil
	}

	current := make(map[string]any, len(c.state))
	for k, v := range c.state {
		current[k] = v
	}
	values := fn(current)

	rawValues := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		rawValues[k] = raw
		c.state[k] = v
	}
	payload, err := store.MarshalStateUpdate(rawValues)
	if err != nil {
		return err
	}

	if c.inBatch {
		c.batchEvents = append(c.batchEvents, pendingEvent{typ: store.EventStateUpdate, payload: payload})
		return nil
	}
	if _, err := c.store.AppendEvent(c.goCtx, c.id, store.EventStateUpdate, payload); err != nil {
		return err
	}
	c.recordAppended(store.EventStateUpdate)
	return ErrSuspend
}

func (c *Context) batch(fn func(b registry.StateProxy) error) error {
	if c.inBatch {
		return fmt.Errorf("workflow: nested state batch is not allowed")
	}
	c.inBatch = true
	c.batchEvents = nil

	err := fn(&stateProxy{ctx: c})
	c.inBatch = false
	if err != nil {
		return err
	}
	if len(c.batchEvents) == 0 {
		return nil
	}

	inputs := make([]store.EventInput, len(c.batchEvents))
	for i, pe := range c.batchEvents {
		inputs[i] = store.EventInput{Type: pe.typ, Payload: pe.payload}
	}
	c.batchEvents = nil

	if _, err := c.store.AppendEvents(c.goCtx, c.id, inputs); err != nil {
		return err
	}
	for _, in := range inputs {
		c.recordAppended(in.Type)
	}
	return ErrSuspend
}
