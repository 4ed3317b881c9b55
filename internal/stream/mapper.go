package stream

import (
	"encoding/json"
	"fmt"

	"github.com/pagerelay/backend/internal/types"
)

// MapResult is the outcome of translating one upstream event.
type MapResult struct {
	Parts         []Part
	SessionUpdate *SessionUpdate

	// Dispatch is non-nil when the event must be handed to the broker;
	// the controller suspends the turn on it.
	Dispatch types.Request
}

// Mapper translates the upstream agent's event stream into the neutral
// stream-part vocabulary. It carries exactly one piece of mutable state:
// whether a text block is currently open. The same mapper instance must
// survive a suspension so a hot resume continues mid-block.
type Mapper struct {
	textOpen bool
	blockSeq int
	blockID  string
}

// NewMapper creates a fresh mapper for one logical turn.
func NewMapper() *Mapper {
	return &Mapper{}
}

// Map translates one event. A nil error with empty parts means the event
// was recognized but produces no caller-visible output.
func (m *Mapper) Map(ev *Event) (MapResult, error) {
	switch ev.Type {
	case EventMessage:
		return m.mapMessage(ev), nil

	case EventInit:
		update := &SessionUpdate{}
		if ev.SessionID != "" {
			update.UpstreamSessionID = strPtr(ev.SessionID)
		}
		return MapResult{SessionUpdate: update}, nil

	case EventSandbox:
		update := &SessionUpdate{}
		if ev.SandboxID != "" {
			update.SandboxID = strPtr(ev.SandboxID)
		}
		return MapResult{SessionUpdate: update}, nil

	case EventRelaySession:
		return MapResult{SessionUpdate: &SessionUpdate{
			BrokerSessionID: strPtr(ev.RelaySessionID),
			BrokerToken:     strPtr(ev.RelayToken),
			BrokerURL:       strPtr(ev.RelayURL),
		}}, nil

	case EventSnapshotReq, EventExecuteReq:
		return m.mapDispatch(ev)

	case EventStderr, EventResult:
		// Diagnostics and the upstream's own completion marker produce
		// no caller-visible parts; lifecycle is signalled by Finish.
		return MapResult{}, nil

	default:
		return MapResult{}, fmt.Errorf("unknown upstream event type %q", ev.Type)
	}
}

func (m *Mapper) mapMessage(ev *Event) MapResult {
	var parts []Part

	if ev.Delta {
		if !m.textOpen {
			parts = append(parts, m.openBlock())
		}
		parts = append(parts, Part{Type: PartTextDelta, ID: m.blockID, Delta: ev.Text})
		return MapResult{Parts: parts}
	}

	// A non-delta message is a complete block in one step.
	if m.textOpen {
		parts = append(parts, m.closeBlock())
	}
	parts = append(parts, m.openBlock())
	parts = append(parts,
		Part{Type: PartTextDelta, ID: m.blockID, Delta: ev.Text},
		m.closeBlock())
	return MapResult{Parts: parts}
}

func (m *Mapper) mapDispatch(ev *Event) (MapResult, error) {
	req, err := types.DecodeRequest(ev.Raw)
	if err != nil {
		return MapResult{}, fmt.Errorf("dispatch event rejected: %w", err)
	}

	var parts []Part
	if m.textOpen {
		parts = append(parts, m.closeBlock())
	}
	parts = append(parts,
		Part{
			Type:       PartToolCall,
			ToolCallID: req.ID(),
			ToolName:   string(req.Kind()),
			Input:      ev.Raw,
		},
		Part{Type: PartFinish, FinishReason: FinishToolCalls})

	return MapResult{Parts: parts, Dispatch: req}, nil
}

// Finish closes any open block and appends the stop-finish part. Called
// exactly once, when the upstream stream ends without a pending dispatch.
func (m *Mapper) Finish() []Part {
	var parts []Part
	if m.textOpen {
		parts = append(parts, m.closeBlock())
	}
	return append(parts, Part{Type: PartFinish, FinishReason: FinishStop})
}

func (m *Mapper) openBlock() Part {
	m.blockID = fmt.Sprintf("txt-%d", m.blockSeq)
	m.blockSeq++
	m.textOpen = true
	return Part{Type: PartTextStart, ID: m.blockID}
}

func (m *Mapper) closeBlock() Part {
	m.textOpen = false
	return Part{Type: PartTextEnd, ID: m.blockID}
}

// ResponseFromToolResult re-expresses a resumed tool result in the
// remote-executor's response vocabulary, selected by the tool name the
// dispatch was announced under.
func ResponseFromToolResult(toolName, requestID string, result json.RawMessage) (types.Response, error) {
	switch types.RequestKind(toolName) {
	case types.KindSnapshotRequest:
		var payload struct {
			Fields []json.RawMessage `json:"fields"`
		}
		if err := json.Unmarshal(result, &payload); err != nil {
			return nil, fmt.Errorf("malformed snapshot result: %w", err)
		}
		return &types.SnapshotResponse{RequestID: requestID, Fields: payload.Fields}, nil

	case types.KindExecuteRequest:
		return &types.ExecuteResponse{RequestID: requestID, Report: result}, nil

	default:
		return nil, fmt.Errorf("unknown tool name %q", toolName)
	}
}

func strPtr(s string) *string { return &s }
