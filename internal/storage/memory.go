package storage

import (
	"context"
	"sync"
	"time"
)

// memorySweepInterval bounds how often Put walks the whole map for expired
// entries. Get hides expired entries in between.
const memorySweepInterval = time.Minute

// MemoryStorage implements Backend with an in-process map. It is ideal for
// development, testing and single-instance deployments; data is lost on
// restart.
type MemoryStorage struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	now       func() time.Time
	nextSweep time.Time
}

type memoryEntry struct {
	timestamps []int64
	expiresAt  time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

var _ Backend = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new memory-based storage instance
func NewMemoryStorage(config Config) (*MemoryStorage, error) {
	return &MemoryStorage{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}, nil
}

// Get returns a copy of the timestamps stored under key.
func (m *MemoryStorage) Get(ctx context.Context, key string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) {
		return nil, ErrNotFound
	}

	// Return a copy to prevent external modification
	return append([]int64(nil), e.timestamps...), nil
}

// Put stores a copy of timestamps under key. At most once per
// memorySweepInterval it also drops every expired entry.
func (m *MemoryStorage) Put(ctx context.Context, key string, timestamps []int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !now.Before(m.nextSweep) {
		for k, e := range m.entries {
			if e.expired(now) {
				delete(m.entries, k)
			}
		}
		m.nextSweep = now.Add(memorySweepInterval)
	}

	m.entries[key] = memoryEntry{
		timestamps: append([]int64{}, timestamps...),
		expiresAt:  expiryFor(now, ttl),
	}
	return nil
}

// Ping always succeeds.
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close is a no-op for memory storage
func (m *MemoryStorage) Close() error {
	return nil
}
