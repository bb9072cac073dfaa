package ratelimit

import (
	"context"
	"errors"
	"time"
)

// DefaultRetention covers the daily tier with no margin to spare; entries
// older than this are never consulted by any reference tier.
const DefaultRetention = 24 * time.Hour

var (
	// ErrStoreUnavailable marks a backing store that could not be read or
	// written, or returned data that could not be decoded.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrTokenTampered marks a client-held token whose signature did not
	// verify or whose payload could not be decoded.
	ErrTokenTampered = errors.New("rate limit token tampered")
)

// Subject is the caller of one request as seen by a Store.
type Subject struct {
	// Identity is the lookup key for server-side stores, usually the client IP.
	Identity string

	// Token is the history token presented by the client, if any.
	Token Token

	// Issued is set by stores that hand state back to the client. The
	// transport must deliver it with the response.
	Issued *Token
}

// Store reads and writes one client's History.
//
// Load never returns a partial history: on any error the returned history is
// empty and the error wraps ErrStoreUnavailable or ErrTokenTampered. Save
// prunes to the store's retention horizon before persisting.
type Store interface {
	Load(ctx context.Context, s *Subject) (History, error)
	Save(ctx context.Context, s *Subject, h History) error
}

// Locker is implemented by stores whose state is shared between requests.
// Lock blocks until the caller holds exclusive access to the identity's
// history and returns the function that releases it. It returns ctx's error
// instead when ctx ends first.
type Locker interface {
	Lock(ctx context.Context, identity string) (unlock func(), err error)
}

type storeConfig struct {
	clock     Clock
	retention time.Duration
	capacity  int
}

// StoreOption configures a Store implementation.
type StoreOption func(*storeConfig)

// WithStoreClock sets the clock used for pruning.
func WithStoreClock(c Clock) StoreOption {
	return func(sc *storeConfig) {
		if c != nil {
			sc.clock = c
		}
	}
}

// WithRetention sets the retention horizon. Non-positive values are ignored.
func WithRetention(d time.Duration) StoreOption {
	return func(sc *storeConfig) {
		if d > 0 {
			sc.retention = d
		}
	}
}

// WithCapacity bounds the number of entries kept per client, newest first.
// Set it to at least the largest tier limit.
func WithCapacity(n int) StoreOption {
	return func(sc *storeConfig) {
		sc.capacity = n
	}
}

func newStoreConfig(opts []StoreOption) storeConfig {
	sc := storeConfig{
		clock:     SystemClock,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(&sc)
	}
	return sc
}

// trim applies retention pruning and the capacity bound.
func (sc storeConfig) trim(h History) History {
	return h.Prune(sc.clock.Now().Unix(), sc.retention).Newest(sc.capacity)
}
