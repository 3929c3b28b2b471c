// Event payloads are opaque blobs from the Store's point of view (spec §3)
// but the engine above it needs a concrete wire format. These are that
// format: the JSON shape every producer (Store, Context, Dispatcher,
// Activity Executor) and consumer (Context, replay) of a given event type
// agree on.
package store

import (
	"encoding/json"
	"time"
)

// ActivityPayload is ACTIVITY_SCHEDULED's payload: the full ActivityMetadata
// (spec §4.C decision-point table).
type ActivityPayload struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	RetryCount     int             `json:"retry_count"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Func           string          `json:"func"`
	Module         string          `json:"module"`
	Args           json.RawMessage `json:"args,omitempty"`
}

func MarshalActivityScheduled(meta ActivityMeta) ([]byte, error) {
	args := meta.Args
	if args == nil {
		args = json.RawMessage("null")
	}
	return json.Marshal(ActivityPayload{
		Name:           meta.Name,
		Description:    meta.Description,
		RetryCount:     meta.RetryCount,
		TimeoutSeconds: meta.TimeoutSeconds,
		Func:           meta.Func,
		Module:         meta.Module,
		Args:           args,
	})
}

func ParseActivityScheduled(payload []byte) (ActivityPayload, error) {
	var p ActivityPayload
	err := json.Unmarshal(payload, &p)
	return p, err
}

func marshalActivityMeta(meta ActivityMeta) ([]byte, error) { return MarshalActivityScheduled(meta) }

func activityMetaName(payload []byte) (string, error) {
	p, err := ParseActivityScheduled(payload)
	return p.Name, err
}

// ActivityResultPayload is ACTIVITY_COMPLETED's payload.
type ActivityResultPayload struct {
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result,omitempty"`
}

func MarshalActivityCompleted(name string, result json.RawMessage) ([]byte, error) {
	if result == nil {
		result = json.RawMessage("null")
	}
	return json.Marshal(ActivityResultPayload{Name: name, Result: result})
}

func ParseActivityCompleted(payload []byte) (ActivityResultPayload, error) {
	var p ActivityResultPayload
	err := json.Unmarshal(payload, &p)
	return p, err
}

// ActivityErrorPayload is ACTIVITY_FAILED's payload.
type ActivityErrorPayload struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

func MarshalActivityFailed(name, errMsg string) ([]byte, error) {
	return json.Marshal(ActivityErrorPayload{Name: name, Error: errMsg})
}

func ParseActivityFailed(payload []byte) (ActivityErrorPayload, error) {
	var p ActivityErrorPayload
	err := json.Unmarshal(payload, &p)
	return p, err
}

// TimerPayload is TIMER_SCHEDULED's payload.
type TimerPayload struct {
	ID     string    `json:"timer_id"`
	FireAt time.Time `json:"fire_at"`
}

func marshalTimer(id string, fireAt time.Time) ([]byte, error) {
	return json.Marshal(TimerPayload{ID: id, FireAt: fireAt.UTC()})
}

func ParseTimerScheduled(payload []byte) (TimerPayload, error) {
	var p TimerPayload
	err := json.Unmarshal(payload, &p)
	return p, err
}

// TimerFiredPayload is TIMER_FIRED's payload.
type TimerFiredPayload struct {
	ID      string    `json:"timer_id"`
	FiredAt time.Time `json:"fired_at"`
}

func MarshalTimerFired(id string, firedAt time.Time) ([]byte, error) {
	return json.Marshal(TimerFiredPayload{ID: id, FiredAt: firedAt.UTC()})
}

func ParseTimerFired(payload []byte) (TimerFiredPayload, error) {
	var p TimerFiredPayload
	err := json.Unmarshal(payload, &p)
	return p, err
}

// SignalPayload is SIGNAL_RECEIVED's payload.
type SignalPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

func marshalSignal(name string, payload []byte) ([]byte, error) {
	p := payload
	if p == nil {
		p = json.RawMessage("null")
	}
	return json.Marshal(SignalPayload{Name: name, Payload: p, SentAt: time.Now().UTC()})
}

func ParseSignalReceived(payload []byte) (SignalPayload, error) {
	var p SignalPayload
	err := json.Unmarshal(payload, &p)
	return p, err
}

// StateSetPayload is STATE_SET's payload.
type StateSetPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func MarshalStateSet(key string, value json.RawMessage) ([]byte, error) {
	return json.Marshal(StateSetPayload{Key: key, Value: value})
}

func ParseStateSet(payload []byte) (StateSetPayload, error) {
	var p StateSetPayload
	err := json.Unmarshal(payload, &p)
	return p, err
}

// StateUpdatePayload is STATE_UPDATE's payload (Open Question (a): the
// `{values: {...}}` flat-merge contract — see SPEC_FULL.md §6).
type StateUpdatePayload struct {
	Values map[string]json.RawMessage `json:"values"`
}

func MarshalStateUpdate(values map[string]json.RawMessage) ([]byte, error) {
	return json.Marshal(StateUpdatePayload{Values: values})
}

func ParseStateUpdate(payload []byte) (StateUpdatePayload, error) {
	var p StateUpdatePayload
	err := json.Unmarshal(payload, &p)
	return p, err
}

// terminalPayload carries the failure message or cancellation reason on a
// WORKFLOW_FAILED/WORKFLOW_CANCELLED event.
type terminalPayload struct {
	Detail string `json:"detail,omitempty"`
}

func marshalTerminalDetail(detail string) ([]byte, error) {
	if detail == "" {
		return nil, nil
	}
	return json.Marshal(terminalPayload{Detail: detail})
}

func ParseTerminalDetail(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	var p terminalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	return p.Detail, nil
}
