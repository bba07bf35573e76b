package domain

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// clock is a package-level time source so tests can freeze time via SetClock.
// Production code uses the real clock; tests inject a fake for deterministic
// run summaries and catalogs.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// Now returns the current UTC time from the active clock.
func Now() time.Time {
	return clock.Now().UTC()
}

// CurrentPeriod returns the issue period of the current month.
func CurrentPeriod() Period {
	return PeriodOf(Now())
}
