package voltstream

import (
	"time"

	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"
)

// Clock is the time source and tick scheduler used by the engine
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// NewTicker returns a ticker that fires every d
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks
type Ticker = clock.Ticker

// RealClock returns the wall clock
func RealClock() Clock {
	return clock.RealClock{}
}

// FakeClock is a virtual clock for deterministic tests. Time only moves
// when Set or Advance is called; tickers fire as their deadlines are
// crossed and drop ticks while a receiver is behind.
type FakeClock struct {
	*testingclock.FakeClock
}

// NewFakeClock creates a virtual clock starting at now
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{FakeClock: testingclock.NewFakeClock(now)}
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.Step(d)
}

// Set moves the clock to t
func (c *FakeClock) Set(t time.Time) {
	c.SetTime(t)
}
