package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"powergate/internal/storage"
)

const testEpoch int64 = 1700000000

var testSecret = []byte(strings.Repeat("k", MinSecretLength))

var (
	minuteTier = Tier{Name: "minute", Limit: 100, Period: time.Minute, Message: "Rate limit exceeded. Try again later.", Code: "RATE_LIMIT_EXCEEDED"}
	dayTier    = Tier{Name: "day", Limit: 10000, Period: 24 * time.Hour, Message: "Daily rate limit exceeded.", Code: "DAILY_LIMIT_EXCEEDED"}
)

// manualClock is a settable clock shared by a limiter and its store.
type manualClock struct {
	mu  sync.Mutex
	now int64
}

func newManualClock(epoch int64) *manualClock {
	return &manualClock{now: epoch}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.now, 0)
}

func (c *manualClock) Set(epoch int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = epoch
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += int64(d / time.Second)
}

// failingBackend fails every operation.
type failingBackend struct{}

var errBackendDown = errors.New("connection refused")

func (failingBackend) Get(context.Context, string) ([]int64, error) { return nil, errBackendDown }
func (failingBackend) Put(context.Context, string, []int64, time.Duration) error {
	return errBackendDown
}
func (failingBackend) Ping(context.Context) error { return errBackendDown }
func (failingBackend) Close() error               { return nil }

func newMemoryBackend(t *testing.T) *storage.MemoryStorage {
	t.Helper()
	b, err := storage.NewMemoryStorage(storage.Config{})
	require.NoError(t, err)
	return b
}

// testLogger captures log output for assertions.
func testLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// collectCounter returns the summed value of an int64 counter per attribute set.
func collectCounter(t *testing.T, reader *sdkmetric.ManualReader, name string) map[attribute.Distinct]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[attribute.Distinct]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				set := dp.Attributes
				out[set.Equivalent()] += dp.Value
			}
		}
	}
	return out
}

func attrs(kv ...attribute.KeyValue) attribute.Distinct {
	s := attribute.NewSet(kv...)
	return s.Equivalent()
}
