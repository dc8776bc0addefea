package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Event Types
// ============================================================================
// Events are inputs to the daemon loop: key presses from any source, chooser
// answers, preference changes and status requests. The loop handles them one
// at a time.
// ============================================================================

// Event is a marker interface for all daemon inputs.
type Event interface {
	eventMarker()
}

// KeyPress is a media button event submitted over IPC. Either Key (a name such
// as "playpause") or Code must be set.
type KeyPress struct {
	Key       string `json:"key,omitempty"`
	Code      uint16 `json:"code,omitempty"`
	Phase     Phase  `json:"phase"`
	Repeat    bool   `json:"repeat,omitempty"`
	Ordered   bool   `json:"ordered"`
	Forwarded bool   `json:"forwarded,omitempty"`
}

func (KeyPress) eventMarker() {}

// resolveCode returns the key code named by k.
func (k KeyPress) resolveCode() (uint16, error) {
	if k.Key == "" {
		if k.Code == 0 {
			return 0, fmt.Errorf("key press without key or code")
		}
		return k.Code, nil
	}
	code, ok := keyCodeByName(k.Key)
	if !ok {
		return 0, fmt.Errorf("unknown key %q", k.Key)
	}
	return code, nil
}

// Choose answers an open chooser with the component the user picked.
type Choose struct {
	RequestID string `json:"request_id"`
	Component string `json:"component"` // flattened "package/name"
}

func (Choose) eventMarker() {}

// Dismiss closes an open chooser without forwarding.
type Dismiss struct {
	RequestID string `json:"request_id"`
}

func (Dismiss) eventMarker() {}

// SetPreference flips one of the boolean routing preferences.
type SetPreference struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

func (SetPreference) eventMarker() {}

// StatusRequest asks for a StateSnapshot.
type StatusRequest struct{}

func (StatusRequest) eventMarker() {}

// ============================================================================
// Internal events (never on the wire)
// ============================================================================

// KeyBroadcast carries a key event from an in-process source (evdev, the
// router's own MPRIS player). Reply may be nil.
type KeyBroadcast struct {
	Broadcast Broadcast
	Reply     chan<- Outcome
}

func (KeyBroadcast) eventMarker() {}

// Request wraps a wire event so the daemon can answer the IPC client.
type Request struct {
	Event Event
	Reply chan<- Result
}

func (Request) eventMarker() {}

// Result is the daemon's answer to a Request.
type Result struct {
	Outcome  *Outcome
	Snapshot *StateSnapshot
	Err      error
}

// RequestStateSnapshot asks the daemon loop for a snapshot (used by /ws and /status).
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// ============================================================================
// State broadcasts (published to WebSocket clients)
// ============================================================================

// StateBroadcast is a marker interface for externally visible state changes.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastDecision reports how a key event was routed.
type BroadcastDecision struct {
	Event    KeyEvent
	Source   string
	Decision Decision
	Aborted  bool
	At       time.Time
}

func (BroadcastDecision) broadcastMarker() {}

// BroadcastChooserShow asks chooser front-ends to display a request.
type BroadcastChooserShow struct {
	Request ChooserRequest
	At      time.Time
}

func (BroadcastChooserShow) broadcastMarker() {}

// BroadcastChooserKeypress rebroadcasts a key to the open chooser.
type BroadcastChooserKeypress struct {
	ID    string
	Event KeyEvent
	At    time.Time
}

func (BroadcastChooserKeypress) broadcastMarker() {}

// BroadcastChooserClosed reports the end of a chooser session.
type BroadcastChooserClosed struct {
	ID     string
	Reason string // "chosen", "dismissed", "timeout", "replaced", "shutdown"
	At     time.Time
}

func (BroadcastChooserClosed) broadcastMarker() {}

// BroadcastPreferencesChanged carries the new preferences.
type BroadcastPreferencesChanged struct {
	Prefs Preferences
	At    time.Time
}

func (BroadcastPreferencesChanged) broadcastMarker() {}

// BroadcastReceiverChanged reports a foreign registration that was taken back.
type BroadcastReceiverChanged struct {
	Previous Component
	At       time.Time
}

func (BroadcastReceiverChanged) broadcastMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "key":
		var e KeyPress
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal KeyPress: %w", err)
		}
		return e, nil

	case "choose":
		var e Choose
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal Choose: %w", err)
		}
		return e, nil

	case "dismiss":
		var e Dismiss
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &e); err != nil {
				return nil, fmt.Errorf("unmarshal Dismiss: %w", err)
			}
		}
		return e, nil

	case "set_preference":
		var e SetPreference
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal SetPreference: %w", err)
		}
		return e, nil

	case "status":
		return StatusRequest{}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope
	var payload any

	switch e := e.(type) {
	case KeyPress:
		env.Type = "key"
		payload = e
	case Choose:
		env.Type = "choose"
		payload = e
	case Dismiss:
		env.Type = "dismiss"
		payload = e
	case SetPreference:
		env.Type = "set_preference"
		payload = e
	case StatusRequest:
		env.Type = "status"
	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}
