// Package id provides centralized ID generation for the relay backend.
//
// All identifiers are ULIDs with a type-specific prefix (sess_*, req_*,
// conv_*), which keeps logs readable and makes it impossible to hand a
// request id to an API that expects a session id without noticing.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionID identifies a broker session.
type SessionID string

// RequestID identifies a dispatched request.
type RequestID string

// ConversationID identifies a provider-facing conversation.
type ConversationID string

const (
	SessionPrefix      = "sess"
	RequestPrefix      = "req"
	ConversationPrefix = "conv"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewSessionID generates a new broker session ID.
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewRequestID generates a new request ID.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewConversationID generates a new conversation ID.
func NewConversationID() ConversationID {
	return ConversationID(Default().GenerateWithPrefix(ConversationPrefix))
}

func (id SessionID) String() string      { return string(id) }
func (id RequestID) String() string      { return string(id) }
func (id ConversationID) String() string { return string(id) }

// IsValid checks if an ID string is a valid ULID.
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the embedded timestamp from a ULID string.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
