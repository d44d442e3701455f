package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps a sliding log per key in process memory. Idle keys
// expire one window after their last hit.
type MemoryStore struct {
	mu         sync.Mutex
	cache      *cache.Cache
	maxEntries int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxEntries keeps only the newest n hits per key. With n set to
// limit+1 a flooding client still counts as over the limit while its log
// stays bounded.
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) { s.maxEntries = n }
}

// NewMemoryStore creates a store whose janitor runs every cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &MemoryStore{cache: cache.New(DefaultWindow, cleanupInterval)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hit implements CounterStore.
func (s *MemoryStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []time.Time
	if v, ok := s.cache.Get(key); ok {
		hits = v.([]time.Time)
	}

	cutoff := now.Add(-window)
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	if s.maxEntries > 0 && len(kept) > s.maxEntries {
		kept = append(kept[:0], kept[len(kept)-s.maxEntries:]...)
	}

	s.cache.Set(key, kept, window)
	return int64(len(kept)), nil
}

// Keys returns the number of tracked clients.
func (s *MemoryStore) Keys() int {
	return s.cache.ItemCount()
}
