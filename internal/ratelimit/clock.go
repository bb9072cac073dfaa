package ratelimit

import "time"

// Clock supplies the current wall-clock time. Quota arithmetic only uses
// whole epoch seconds.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock is the process wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// FixedClock returns a Clock that always reports the given epoch second.
func FixedClock(epoch int64) Clock {
	return ClockFunc(func() time.Time { return time.Unix(epoch, 0) })
}
