package workflow

import (
	"encoding/json"

	"github.com/loomworks/loom/internal/store"
)

// FoldState reconstructs the in-memory state map by folding STATE_SET and
// STATE_UPDATE events over an empty map, in event-id order (spec §4.D step
// 2; also the basis of property 5, "state determinism", and of
// Handle.Result()'s replay over an empty map, spec §6.1).
func FoldState(history []store.Event) (map[string]any, error) {
	state := make(map[string]any)
	for _, e := range history {
		switch e.Type {
		case store.EventStateSet:
			set, err := store.ParseStateSet(e.Payload)
			if err != nil {
				return nil, err
			}
			var v any
			if err := json.Unmarshal(set.Value, &v); err != nil {
				return nil, err
			}
			state[set.Key] = v
		case store.EventStateUpdate:
			upd, err := store.ParseStateUpdate(e.Payload)
			if err != nil {
				return nil, err
			}
			for k, raw := range upd.Values {
				var v any
				if err := json.Unmarshal(raw, &v); err != nil {
					return nil, err
				}
				state[k] = v
			}
		}
	}
	return state, nil
}
