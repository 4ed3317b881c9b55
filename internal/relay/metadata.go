package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/store"
	"github.com/pagerelay/backend/internal/stream"
	"github.com/pagerelay/backend/internal/types"
)

// DefaultMetadataTTL bounds how long a suspended conversation stays
// resumable.
const DefaultMetadataTTL = 30 * time.Minute

// Metadata is the per-conversation record persisted across turns. Every
// field except the id and timestamps is discovered incrementally as the
// upstream stream progresses.
type Metadata struct {
	ConversationID    id.ConversationID `json:"conversation_id"`
	UpstreamSessionID string            `json:"upstream_session_id,omitempty"`
	SandboxID         string            `json:"sandbox_id,omitempty"`
	BrokerSessionID   id.SessionID      `json:"broker_session_id,omitempty"`
	BrokerToken       string            `json:"broker_token,omitempty"`
	BrokerURL         string            `json:"broker_url,omitempty"`
	PendingRequestID  string            `json:"pending_request_id,omitempty"`
	PendingToolName   string            `json:"pending_tool_name,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Suspended reports whether the conversation is paused on a dispatched
// request.
func (m *Metadata) Suspended() bool {
	return m.PendingRequestID != ""
}

// Merge folds an upstream session update into the record. Nil pointers
// leave the current value in place.
func (m *Metadata) Merge(u *stream.SessionUpdate) {
	if u == nil {
		return
	}
	if u.UpstreamSessionID != nil {
		m.UpstreamSessionID = *u.UpstreamSessionID
	}
	if u.SandboxID != nil {
		m.SandboxID = *u.SandboxID
	}
	if u.BrokerSessionID != nil {
		m.BrokerSessionID = id.SessionID(*u.BrokerSessionID)
	}
	if u.BrokerToken != nil {
		m.BrokerToken = *u.BrokerToken
	}
	if u.BrokerURL != nil {
		m.BrokerURL = *u.BrokerURL
	}
}

// Manager persists conversation metadata with a sliding TTL.
type Manager struct {
	store store.Store
	ttl   time.Duration
}

// NewManager creates a metadata manager. A zero ttl selects the default.
func NewManager(st store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	return &Manager{store: st, ttl: ttl}
}

// Create persists a fresh conversation record and returns it.
func (m *Manager) Create(ctx context.Context) (*Metadata, error) {
	now := time.Now()
	md := &Metadata{
		ConversationID: id.NewConversationID(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.Save(ctx, md); err != nil {
		return nil, err
	}
	return md, nil
}

// Load fetches a conversation record, sliding its TTL.
func (m *Manager) Load(ctx context.Context, conversationID id.ConversationID) (*Metadata, error) {
	data, err := m.store.GetEx(ctx, metadataKey(conversationID), m.ttl)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.CodeNotFound, "unknown conversation %s", conversationID)
	}
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "conversation lookup failed")
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "conversation record corrupt")
	}
	return &md, nil
}

// Save writes the record back, refreshing UpdatedAt and the TTL.
func (m *Manager) Save(ctx context.Context, md *Metadata) error {
	md.UpdatedAt = time.Now()
	data, err := json.Marshal(md)
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "conversation encoding failed")
	}
	if err := m.store.Set(ctx, metadataKey(md.ConversationID), data, m.ttl); err != nil {
		return types.WrapError(types.CodeInternal, err, "conversation persistence failed")
	}
	return nil
}

// Delete removes the record. Missing records are not an error.
func (m *Manager) Delete(ctx context.Context, conversationID id.ConversationID) error {
	if err := m.store.Delete(ctx, metadataKey(conversationID)); err != nil {
		return types.WrapError(types.CodeInternal, err, "conversation deletion failed")
	}
	return nil
}

func metadataKey(conversationID id.ConversationID) string {
	return "relay:conv:" + string(conversationID)
}
