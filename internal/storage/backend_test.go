package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackendContract exercises the behaviour every Backend must share.
func testBackendContract(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()
	// Backends that expire by timestamp age need recent values.
	now := time.Now().Unix()

	t.Run("missing key", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Get(ctx, "ratelimit:203.0.113.1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put then get preserves order", func(t *testing.T) {
		b := newBackend(t)
		want := []int64{1700000000, 1700000005, 1700000003}
		require.NoError(t, b.Put(ctx, "k", want, time.Hour))

		got, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("put replaces", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, "k", []int64{1, 2, 3}, time.Hour))
		require.NoError(t, b.Put(ctx, "k", []int64{4}, time.Hour))

		got, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []int64{4}, got)
	})

	t.Run("empty history round trips", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, "k", nil, time.Hour))

		got, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("keys are independent", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, "a", []int64{now - 10}, time.Hour))
		require.NoError(t, b.Put(ctx, "b", []int64{now - 20, now - 19}, time.Hour))

		a, err := b.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []int64{now - 10}, a)

		bb, err := b.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, []int64{now - 20, now - 19}, bb)
	})

	t.Run("returned slice is a copy", func(t *testing.T) {
		b := newBackend(t)
		in := []int64{1, 2}
		require.NoError(t, b.Put(ctx, "k", in, time.Hour))
		in[0] = 99

		got, err := b.Get(ctx, "k")
		require.NoError(t, err)
		got[1] = 42

		again, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, again)
	})

	t.Run("ping", func(t *testing.T) {
		b := newBackend(t)
		assert.NoError(t, b.Ping(ctx))
	})

	t.Run("concurrent writers on distinct keys", func(t *testing.T) {
		b := newBackend(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("k%d", i)
				assert.NoError(t, b.Put(ctx, key, []int64{now - int64(i)}, time.Hour))
			}(i)
		}
		wg.Wait()

		for i := 0; i < 8; i++ {
			got, err := b.Get(ctx, fmt.Sprintf("k%d", i))
			require.NoError(t, err)
			assert.Equal(t, []int64{now - int64(i)}, got)
		}
	})
}

// fakeClock is a manually advanced time source for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
