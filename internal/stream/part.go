package stream

import "encoding/json"

// PartType enumerates the neutral stream-part vocabulary handed to
// callers of the turn endpoint.
type PartType string

const (
	PartTextStart PartType = "text-start"
	PartTextDelta PartType = "text-delta"
	PartTextEnd   PartType = "text-end"
	PartToolCall  PartType = "tool-call"
	PartFinish    PartType = "finish"
	PartError     PartType = "error"
)

// Finish reasons.
const (
	FinishToolCalls = "tool-calls"
	FinishStop      = "stop"
)

// Part is one element of the mapped output stream.
type Part struct {
	Type PartType `json:"type"`

	// Text block fields.
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	// Tool call fields.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`

	// Lifecycle fields.
	FinishReason string `json:"finishReason,omitempty"`
	Message      string `json:"message,omitempty"`
}

// SessionUpdate carries identifiers discovered on the upstream stream
// that must be merged into the conversation metadata. Nil pointers mean
// "no change".
type SessionUpdate struct {
	UpstreamSessionID *string
	SandboxID         *string
	BrokerSessionID   *string
	BrokerToken       *string
	BrokerURL         *string
}
