// Package clock provides the time source used for every expiry and window
// calculation, so tests can drive time explicitly.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock reports the current time and delivers timer notifications.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// New returns the wall clock. Times it returns carry a monotonic reading.
func New() Clock {
	return clockwork.NewRealClock()
}

// Manual is a clock that only moves when told to.
type Manual struct {
	*clockwork.FakeClock
}

// NewManual creates a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{FakeClock: clockwork.NewFakeClockAt(start)}
}

// Set moves the clock to t. Moving backwards is allowed so callers can
// exercise clock regressions; no timer fires on the way back.
func (m *Manual) Set(t time.Time) {
	m.Advance(t.Sub(m.Now()))
}

// WaitForTimers blocks until n timers are pending on the clock or timeout
// elapses in real time.
func (m *Manual) WaitForTimers(n int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return m.BlockUntilContext(ctx, n)
}
