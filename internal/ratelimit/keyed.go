package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"powergate/internal/storage"
)

const keyPrefix = "ratelimit:"

// KeyedStore keeps every client's History in one shared storage.Backend,
// keyed by identity. Read-modify-write cycles for the same identity are
// serialized in-process through Lock.
type KeyedStore struct {
	backend storage.Backend
	cfg     storeConfig
	locks   *keyedMutex
}

var (
	_ Store  = (*KeyedStore)(nil)
	_ Locker = (*KeyedStore)(nil)
)

// NewKeyedStore creates a server-side store on top of backend.
func NewKeyedStore(backend storage.Backend, opts ...StoreOption) (*KeyedStore, error) {
	if backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	return &KeyedStore{
		backend: backend,
		cfg:     newStoreConfig(opts),
		locks:   newKeyedMutex(),
	}, nil
}

// Load returns the pruned history for s.Identity, or an empty history when
// none is stored.
func (k *KeyedStore) Load(ctx context.Context, s *Subject) (History, error) {
	ts, err := k.backend.Get(ctx, keyPrefix+s.Identity)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return k.cfg.trim(History(ts)), nil
}

// Save prunes h and replaces the stored history for s.Identity.
func (k *KeyedStore) Save(ctx context.Context, s *Subject, h History) error {
	h = k.cfg.trim(h)
	if err := k.backend.Put(ctx, keyPrefix+s.Identity, []int64(h), k.cfg.retention); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Lock serializes access to one identity's history. It gives up with the
// context's error when ctx ends before the identity is free.
func (k *KeyedStore) Lock(ctx context.Context, identity string) (func(), error) {
	return k.locks.lock(ctx, identity)
}

// keyedMutex hands out one binary semaphore per key. Entries are reference
// counted and dropped once no goroutine holds or waits on them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

func (km *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	km.mu.Lock()
	e, ok := km.entries[key]
	if !ok {
		e = &keyedEntry{sem: semaphore.NewWeighted(1)}
		km.entries[key] = e
	}
	e.refs++
	km.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		km.unref(key, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			km.unref(key, e)
		})
	}, nil
}

func (km *keyedMutex) unref(key string, e *keyedEntry) {
	km.mu.Lock()
	defer km.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(km.entries, key)
	}
}

// size reports how many keys currently have a live entry.
func (km *keyedMutex) size() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.entries)
}
