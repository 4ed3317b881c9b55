package stream

import (
	"encoding/json"
	"fmt"
)

// Upstream event types, as emitted on the agent service's NDJSON stream.
const (
	EventInit         = "init"
	EventSandbox      = "sandbox"
	EventRelaySession = "relay-session"
	EventMessage      = "message"
	EventStderr       = "stderr"
	EventResult       = "result"
	EventSnapshotReq  = "snapshot_request"
	EventExecuteReq   = "execute_request"
)

// Event is one decoded upstream frame. Raw retains the original bytes so
// dispatch-worthy events can be re-decoded into the request union without
// loss.
type Event struct {
	Type      string `json:"type"`
	Delta     bool   `json:"delta,omitempty"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	SandboxID string `json:"sandbox_id,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// relay-session bootstrap fields.
	RelaySessionID string `json:"relay_session_id,omitempty"`
	RelayToken     string `json:"relay_token,omitempty"`
	RelayURL       string `json:"relay_url,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseEvent decodes one frame, keeping the raw bytes alongside.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("malformed upstream event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("upstream event missing type")
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return &ev, nil
}
