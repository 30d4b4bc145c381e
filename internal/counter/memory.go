package counter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultJanitorInterval is how often the memory store purges expired keys.
const DefaultJanitorInterval = time.Minute

// MemoryStore is an in-process Store. It is the fallback when redis is not
// configured or unreachable, and is only correct within a single process.
type MemoryStore struct {
	// mu serialises increments so that check-then-create is atomic.
	mu    sync.Mutex
	cache *cache.Cache
}

// NewMemoryStore creates a memory store whose janitor runs every cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultJanitorInterval
	}
	return &MemoryStore{cache: cache.New(cache.NoExpiration, cleanupInterval)}
}

func (m *MemoryStore) IncrementWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Get ignores expired items, so a stale bucket is recreated instead of resurrected.
	if _, found := m.cache.Get(key); !found {
		m.cache.Set(key, int64(1), ttl)
		return 1, nil
	}
	// IncrementInt64 keeps the original expiration.
	n, err := m.cache.IncrementInt64(key, 1)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return n, nil
}

func (m *MemoryStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	m.cache.Set(key, buf, ttl)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, found := m.cache.Get(key)
	if !found {
		return nil, ErrNotFound
	}
	switch val := v.(type) {
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out, nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	default:
		return nil, fmt.Errorf("unexpected value type %T for %s", v, key)
	}
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	_, exp, found := m.cache.GetWithExpiration(key)
	if !found {
		return 0, ErrNotFound
	}
	if exp.IsZero() {
		return 0, nil
	}
	d := time.Until(exp)
	if d <= 0 {
		return 0, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(key)
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close flushes all keys. The janitor goroutine is stopped by go-cache's finalizer.
func (m *MemoryStore) Close() error {
	m.cache.Flush()
	return nil
}
