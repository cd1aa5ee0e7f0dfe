package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval bounds how often the background sweeper evicts
// expired entries.
const DefaultSweepInterval = 5 * time.Minute

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine sweeps expired
// entries at a bounded cadence so memory stays proportional to live TTL.
// Use RedisStore instead when multiple replicas must share one cache.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// NewMemoryStore creates a MemoryStore and starts the sweeper. A
// non-positive sweepEvery falls back to DefaultSweepInterval. The sweeper
// stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context, sweepEvery time.Duration) *MemoryStore {
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	s := &MemoryStore{
		items:      make(map[string]memItem),
		sweepEvery: sweepEvery,
		done:       make(chan struct{}),
	}
	go s.sweep(ctx)
	return s
}

// Get returns the value for key. Returns (nil, false) on a miss or if the
// entry has expired. Expired entries are removed lazily on access.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false
	}

	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as DefaultTTL.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	s.items[key] = memItem{
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}
	s.mu.Unlock()

	return nil
}

// Delete removes key. Returns nil if the key did not exist.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Scan visits every unexpired entry. Mutating the store from fn deadlocks;
// collect keys and mutate after Scan returns.
func (s *MemoryStore) Scan(_ context.Context, fn func(key string, value []byte) bool) error {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.items {
		if now.After(v.expiresAt) {
			continue
		}
		if !fn(k, v.data) {
			return nil
		}
	}
	return nil
}

// Len returns the number of entries currently held, including entries that
// expired but have not been swept yet.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close stops the sweeper goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := time.Now()

	s.mu.Lock()
	for k, v := range s.items {
		if now.After(v.expiresAt) {
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}
