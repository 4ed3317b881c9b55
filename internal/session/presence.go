package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/store"
	"github.com/pagerelay/backend/internal/types"
)

// DefaultPresenceTTL bounds how long a session counts as "attached" after
// the last keep-alive. Event channels refresh it on a strictly shorter
// interval, so presence only lapses when the channel is genuinely gone.
const DefaultPresenceTTL = 60 * time.Second

// Presence tracks whether a remote executor is currently attached to a
// session. Its lifecycle is independent of the session itself.
type Presence struct {
	registry    *Registry
	store       store.Store
	presenceTTL time.Duration
}

// NewPresence creates a presence tracker. A zero ttl selects the default.
func NewPresence(registry *Registry, st store.Store, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Presence{registry: registry, store: st, presenceTTL: ttl}
}

// MarkConnected authorizes the credentials and records that an executor
// is attached.
func (p *Presence) MarkConnected(ctx context.Context, sessionID id.SessionID, token string) error {
	if err := p.registry.Assert(ctx, sessionID, token); err != nil {
		return err
	}
	if err := p.store.Set(ctx, presenceKey(sessionID), []byte("1"), p.presenceTTL); err != nil {
		return types.WrapError(types.CodeInternal, err, "presence persistence failed")
	}
	return nil
}

// Touch refreshes the presence TTL without re-authorizing. Used by the
// keep-alive loop of an already-authenticated event channel.
func (p *Presence) Touch(ctx context.Context, sessionID id.SessionID) error {
	ok, err := p.store.Expire(ctx, presenceKey(sessionID), p.presenceTTL)
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "presence refresh failed")
	}
	if !ok {
		// The marker lapsed between keep-alives; recreate it. The channel
		// was authorized when it connected.
		if err := p.store.Set(ctx, presenceKey(sessionID), []byte("1"), p.presenceTTL); err != nil {
			return types.WrapError(types.CodeInternal, err, "presence persistence failed")
		}
	}
	return nil
}

// EnsureConnected fails with NO_BROWSER when no executor is attached.
// Dispatch must not be attempted against a session nobody is listening on.
func (p *Presence) EnsureConnected(ctx context.Context, sessionID id.SessionID) error {
	_, err := p.store.Get(ctx, presenceKey(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return types.NewError(types.CodeNoBrowser, "no executor attached to session")
	}
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "presence lookup failed")
	}
	return nil
}

// Disconnect drops the presence marker immediately.
func (p *Presence) Disconnect(ctx context.Context, sessionID id.SessionID) error {
	return p.store.Delete(ctx, presenceKey(sessionID))
}

// TTL reports the configured presence TTL.
func (p *Presence) TTL() time.Duration { return p.presenceTTL }

func presenceKey(sessionID id.SessionID) string {
	return fmt.Sprintf("relay:presence:%s", sessionID)
}
