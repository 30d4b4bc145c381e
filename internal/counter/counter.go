// Package counter provides the window counter store: atomic
// increment-with-expiry counters and TTL'd value keys shared by the rate
// limiter, the login-failure tracker and the ban engine.
package counter

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable reports that the backing store cannot be reached.
	// Callers fail open on it.
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrNotFound reports a missing or expired key.
	ErrNotFound = errors.New("key not found")
)

// Store is implemented by RedisStore, MemoryStore and FailoverStore.
type Store interface {
	// IncrementWithExpiry atomically increments key and returns the new count.
	// The first increment creates the key with the given ttl; later increments
	// never extend it.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetWithTTL stores value under key, replacing any previous value and ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// TTL returns the remaining lifetime of key or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}
