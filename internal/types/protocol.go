package types

import (
	"encoding/json"
	"fmt"
)

// RequestKind tags the request union.
type RequestKind string

// ResponseKind tags the response union.
type ResponseKind string

const (
	KindSnapshotRequest RequestKind = "snapshot_request"
	KindExecuteRequest  RequestKind = "execute_request"

	KindSnapshotResponse ResponseKind = "snapshot_response"
	KindExecuteResponse  ResponseKind = "execute_response"
	KindErrorResponse    ResponseKind = "error_response"
)

// Request is a typed instruction for the remote executor. The union is
// closed: the only implementations live in this package and every inbound
// payload goes through DecodeRequest before anything else touches it.
type Request interface {
	Kind() RequestKind
	ID() string
}

// Response answers a previously dispatched Request.
type Response interface {
	Kind() ResponseKind
	ID() string
}

// SnapshotRequest asks the executor to capture the interactive state of
// the page. Document carries optional pre-sanitized HTML supplied by the
// caller for context.
type SnapshotRequest struct {
	RequestID   string `json:"requestId"`
	Instruction string `json:"instruction"`
	Document    string `json:"document,omitempty"`
}

func (r *SnapshotRequest) Kind() RequestKind { return KindSnapshotRequest }
func (r *SnapshotRequest) ID() string        { return r.RequestID }

// ExecuteRequest asks the executor to perform actions against fields the
// agent discovered in an earlier snapshot. Action and field payloads are
// executor-defined; the broker relays them byte-for-byte.
type ExecuteRequest struct {
	RequestID string            `json:"requestId"`
	Actions   []json.RawMessage `json:"actions"`
	Fields    []json.RawMessage `json:"fields"`
}

func (r *ExecuteRequest) Kind() RequestKind { return KindExecuteRequest }
func (r *ExecuteRequest) ID() string        { return r.RequestID }

// SnapshotResponse reports the fields found by a snapshot.
type SnapshotResponse struct {
	RequestID string            `json:"requestId"`
	Fields    []json.RawMessage `json:"fields"`
}

func (r *SnapshotResponse) Kind() ResponseKind { return KindSnapshotResponse }
func (r *SnapshotResponse) ID() string         { return r.RequestID }

// ExecuteResponse reports the outcome of an execute request. Report is an
// opaque payload returned to the dispatcher unmodified.
type ExecuteResponse struct {
	RequestID string          `json:"requestId"`
	Report    json.RawMessage `json:"report"`
}

func (r *ExecuteResponse) Kind() ResponseKind { return KindExecuteResponse }
func (r *ExecuteResponse) ID() string         { return r.RequestID }

// ErrorResponse signals that the executor could not satisfy the request.
type ErrorResponse struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

func (r *ErrorResponse) Kind() ResponseKind { return KindErrorResponse }
func (r *ErrorResponse) ID() string         { return r.RequestID }

// ExpectedResponse maps a request kind to the response kind a non-error
// answer must carry.
func ExpectedResponse(k RequestKind) ResponseKind {
	switch k {
	case KindSnapshotRequest:
		return KindSnapshotResponse
	case KindExecuteRequest:
		return KindExecuteResponse
	default:
		return ""
	}
}

// EncodeRequest serializes a request with its type tag.
func EncodeRequest(r Request) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return withTag(payload, string(r.Kind()))
}

// EncodeResponse serializes a response with its type tag.
func EncodeResponse(r Response) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return withTag(payload, string(r.Kind()))
}

// withTag splices a "type" field into an already-marshaled object.
func withTag(payload []byte, tag string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	tagged, err := json.Marshal(tag)
	if err != nil {
		return nil, err
	}
	fields["type"] = tagged
	return json.Marshal(fields)
}

// DecodeRequest parses a tagged request payload into its concrete type.
func DecodeRequest(data []byte) (Request, error) {
	var head struct {
		Type RequestKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed request payload: %w", err)
	}

	switch head.Type {
	case KindSnapshotRequest:
		var req SnapshotRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("malformed snapshot_request: %w", err)
		}
		if req.RequestID == "" {
			return nil, fmt.Errorf("snapshot_request missing requestId")
		}
		return &req, nil
	case KindExecuteRequest:
		var req ExecuteRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("malformed execute_request: %w", err)
		}
		if req.RequestID == "" {
			return nil, fmt.Errorf("execute_request missing requestId")
		}
		return &req, nil
	default:
		return nil, fmt.Errorf("unknown request type %q", head.Type)
	}
}

// DecodeResponse parses a tagged response payload into its concrete type.
func DecodeResponse(data []byte) (Response, error) {
	var head struct {
		Type ResponseKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed response payload: %w", err)
	}

	switch head.Type {
	case KindSnapshotResponse:
		var resp SnapshotResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("malformed snapshot_response: %w", err)
		}
		if resp.RequestID == "" {
			return nil, fmt.Errorf("snapshot_response missing requestId")
		}
		return &resp, nil
	case KindExecuteResponse:
		var resp ExecuteResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("malformed execute_response: %w", err)
		}
		if resp.RequestID == "" {
			return nil, fmt.Errorf("execute_response missing requestId")
		}
		return &resp, nil
	case KindErrorResponse:
		var resp ErrorResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("malformed error_response: %w", err)
		}
		if resp.RequestID == "" {
			return nil, fmt.Errorf("error_response missing requestId")
		}
		return &resp, nil
	default:
		return nil, fmt.Errorf("unknown response type %q", head.Type)
	}
}
