package counter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRetryCooldown is how long the primary is bypassed after a failure.
	DefaultRetryCooldown = 10 * time.Second

	// failoverLogInterval throttles the "primary down" warning.
	failoverLogInterval = 30 * time.Second
)

// FailoverStore serves calls from primary and switches to fallback while the
// primary reports ErrStoreUnavailable.
type FailoverStore struct {
	primary  Store
	fallback Store
	logger   *slog.Logger
	cooldown time.Duration
	nowFunc  func() time.Time

	mu        sync.Mutex
	downUntil time.Time

	warn      rate.Sometimes
	failovers atomic.Uint64
}

// NewFailoverStore wraps primary with fallback. A nil primary routes every
// call to fallback.
func NewFailoverStore(primary, fallback Store, logger *slog.Logger) *FailoverStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		cooldown: DefaultRetryCooldown,
		nowFunc:  time.Now,
		warn:     rate.Sometimes{Interval: failoverLogInterval},
	}
}

// Degraded reports whether calls are currently served by the fallback.
func (f *FailoverStore) Degraded() bool {
	if f.primary == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nowFunc().Before(f.downUntil)
}

// Failovers returns how many calls were redirected after a primary failure.
func (f *FailoverStore) Failovers() uint64 {
	return f.failovers.Load()
}

func (f *FailoverStore) usePrimary() bool {
	if f.primary == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.nowFunc().Before(f.downUntil)
}

func (f *FailoverStore) markDown(op string, err error) {
	f.mu.Lock()
	f.downUntil = f.nowFunc().Add(f.cooldown)
	f.mu.Unlock()
	f.failovers.Add(1)
	f.warn.Do(func() {
		f.logger.Warn("counter_store_failover", "op", op, "error", err, "retry_in", f.cooldown)
	})
}

// run executes fn on the primary and falls back on ErrStoreUnavailable.
func run[T any](f *FailoverStore, op string, fn func(Store) (T, error)) (T, error) {
	if f.usePrimary() {
		v, err := fn(f.primary)
		if err == nil || !errors.Is(err, ErrStoreUnavailable) {
			return v, err
		}
		f.markDown(op, err)
	}
	return fn(f.fallback)
}

func (f *FailoverStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return run(f, "incr", func(s Store) (int64, error) { return s.IncrementWithExpiry(ctx, key, ttl) })
}

func (f *FailoverStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := run(f, "set", func(s Store) (struct{}, error) { return struct{}{}, s.SetWithTTL(ctx, key, value, ttl) })
	return err
}

func (f *FailoverStore) Get(ctx context.Context, key string) ([]byte, error) {
	return run(f, "get", func(s Store) ([]byte, error) { return s.Get(ctx, key) })
}

func (f *FailoverStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return run(f, "ttl", func(s Store) (time.Duration, error) { return s.TTL(ctx, key) })
}

func (f *FailoverStore) Delete(ctx context.Context, key string) error {
	_, err := run(f, "del", func(s Store) (struct{}, error) { return struct{}{}, s.Delete(ctx, key) })
	return err
}

func (f *FailoverStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return run(f, "keys", func(s Store) ([]string, error) { return s.Keys(ctx, prefix) })
}

// Close closes both stores.
func (f *FailoverStore) Close() error {
	var errs []error
	if f.primary != nil {
		errs = append(errs, f.primary.Close())
	}
	errs = append(errs, f.fallback.Close())
	return errors.Join(errs...)
}
