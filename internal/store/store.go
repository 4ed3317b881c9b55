package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the coordination contract every broker instance depends on: a
// key-value space with TTL expiry, an atomic insert-if-absent primitive,
// and pub/sub channels for request/response correlation. The store itself
// is external; this package only defines its surface and ships a
// process-local implementation plus a Redis-backed one.
type Store interface {
	// Set writes a value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes a value only if the key is absent. Returns true when
	// the write happened. This is the at-most-one-pending-dispatch lock.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get reads a value, ErrNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetEx reads a value and re-extends its TTL in one operation
	// (sliding expiry). ErrNotFound when absent.
	GetEx(ctx context.Context, key string, ttl time.Duration) ([]byte, error)

	// Expire re-extends the TTL of an existing key. Returns false when
	// the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Publish sends a payload to every subscriber of a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription on a channel. The caller must Close
	// it on every exit path.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases the store's resources.
	Close() error
}

// Subscription is a single channel subscription.
type Subscription interface {
	// Messages yields published payloads. The channel is closed when the
	// subscription is closed or the store shuts down.
	Messages() <-chan []byte

	// Close unsubscribes and releases the underlying connection.
	Close() error
}
