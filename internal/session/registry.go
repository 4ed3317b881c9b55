package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/store"
	"github.com/pagerelay/backend/internal/types"
)

const (
	// DefaultSessionTTL is the sliding expiry applied on every
	// successful authorization.
	DefaultSessionTTL = 30 * time.Minute

	tokenBytes = 32
)

// Session is the credential pair handed to both sides of a relay.
type Session struct {
	ID        id.SessionID `json:"sessionId"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// record is what actually lands in the store. Only a digest of the token
// is persisted; the cleartext exists nowhere but in the clients' hands.
type record struct {
	TokenDigest string    `json:"tokenDigest"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Registry issues and validates broker sessions against the shared store.
type Registry struct {
	store      store.Store
	sessionTTL time.Duration
}

// NewRegistry creates a session registry. A zero ttl selects the default.
func NewRegistry(st store.Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Registry{store: st, sessionTTL: ttl}
}

// Create issues a new session with an unguessable id and token.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "token generation failed")
	}

	sess := &Session{
		ID:        id.NewSessionID(),
		Token:     token,
		ExpiresAt: time.Now().Add(r.sessionTTL),
	}

	data, err := json.Marshal(record{
		TokenDigest: digest(token),
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "session encoding failed")
	}

	if err := r.store.Set(ctx, sessionKey(sess.ID), data, r.sessionTTL); err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "session persistence failed")
	}
	return sess, nil
}

// Assert validates credentials and slides the session TTL. Every broker
// operation authorizes through this call first. The TTL extends only on
// success, so probing with bad tokens cannot keep a session alive.
func (r *Registry) Assert(ctx context.Context, sessionID id.SessionID, token string) error {
	data, err := r.store.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return types.NewError(types.CodeUnauthorized, "unknown or expired session")
	}
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "session lookup failed")
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.WrapError(types.CodeInternal, err, "malformed session record")
	}

	if subtle.ConstantTimeCompare([]byte(rec.TokenDigest), []byte(digest(token))) != 1 {
		return types.NewError(types.CodeUnauthorized, "token mismatch")
	}

	if _, err := r.store.Expire(ctx, sessionKey(sessionID), r.sessionTTL); err != nil {
		return types.WrapError(types.CodeInternal, err, "session refresh failed")
	}
	return nil
}

// Delete destroys a session and its presence marker.
func (r *Registry) Delete(ctx context.Context, sessionID id.SessionID) error {
	return r.store.Delete(ctx, sessionKey(sessionID), presenceKey(sessionID))
}

// TTL reports the configured sliding session TTL.
func (r *Registry) TTL() time.Duration { return r.sessionTTL }

func sessionKey(sessionID id.SessionID) string {
	return fmt.Sprintf("relay:session:%s", sessionID)
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func digest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
