package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"powergate/internal/models"
)

// ErrInvalidTier is returned for a tier with a non-positive limit or a period
// that is not a whole, positive number of seconds.
var ErrInvalidTier = errors.New("invalid quota tier")

// Tier is one quota rule: at most Limit requests in any trailing Period.
type Tier struct {
	Name    string
	Limit   int
	Period  time.Duration
	Message string // client-facing text used when this tier rejects
	Code    string // machine-readable error code used when this tier rejects
}

// Validate reports whether the tier can be enforced.
func (t Tier) Validate() error {
	if t.Limit <= 0 {
		return fmt.Errorf("%w %q: limit must be positive, got %d", ErrInvalidTier, t.Name, t.Limit)
	}
	if t.Period < time.Second || t.Period%time.Second != 0 {
		return fmt.Errorf("%w %q: period must be a positive whole number of seconds, got %s", ErrInvalidTier, t.Name, t.Period)
	}
	return nil
}

// Seconds returns the tier period in whole seconds.
func (t Tier) Seconds() int64 {
	return int64(t.Period / time.Second)
}

// Stats is the quota state of one tier, derived from a History.
type Stats struct {
	Limit     int
	Count     int
	Remaining int
	ResetAt   int64 // epoch seconds
}

// CountInWindow returns how many timestamps fall inside the trailing window
// (now-period, now].
func CountInWindow(h History, period, now int64) int {
	cutoff := now - period
	n := 0
	for _, ts := range h {
		if ts > cutoff {
			n++
		}
	}
	return n
}

// Allowed reports whether one more request fits under the tier. The count is
// taken before the new request is recorded, so with Limit N the Nth request
// in a window is the last one admitted.
func Allowed(h History, t Tier, now int64) bool {
	return CountInWindow(h, t.Seconds(), now) < t.Limit
}

// StatsAt computes the tier stats for h at now.
func StatsAt(h History, t Tier, now int64) Stats {
	count := CountInWindow(h, t.Seconds(), now)
	remaining := t.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Limit:     t.Limit,
		Count:     count,
		Remaining: remaining,
		ResetAt:   ResetAt(now, t.Seconds()),
	}
}

// ResetAt returns the next wall-clock boundary aligned to period, i.e.
// ceil(now/period)*period. It does not depend on the history.
func ResetAt(now, period int64) int64 {
	if period <= 0 {
		return now
	}
	q := now / period
	if now%period != 0 && now > 0 {
		q++
	}
	return q * period
}

// RetryAfter returns the seconds until the next period boundary,
// period - (now mod period).
func RetryAfter(now, period int64) int64 {
	if period <= 0 {
		return 0
	}
	return period - now%period
}

// TiersFromConfig converts and validates the configured tiers.
func TiersFromConfig(cfgs []models.TierConfig) ([]Tier, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", ErrInvalidTier)
	}
	tiers := make([]Tier, 0, len(cfgs))
	for _, c := range cfgs {
		t := Tier{Name: c.Name, Limit: c.Limit, Period: c.Period, Message: c.Message, Code: c.Code}
		if t.Message == "" {
			t.Message = "Rate limit exceeded. Try again later."
		}
		if t.Code == "" {
			t.Code = models.ErrorCodeRateLimitExceeded
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, nil
}
