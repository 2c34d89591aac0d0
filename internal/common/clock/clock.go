// Package clock provides the injectable time source used by the engine
// and the restart backoff schedule.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the engine's time source. Production code uses NewReal;
// tests substitute clockwork.NewFakeClock.
type Clock = clockwork.Clock

// NewReal returns a Clock backed by the system clock.
func NewReal() Clock {
	return clockwork.NewRealClock()
}

// Backoff returns the delay before the attempt-th restart (attempt >= 1):
// min(base * 2^(attempt-1), max).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// NowMillis returns the clock's current time as Unix milliseconds.
func NowMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}
