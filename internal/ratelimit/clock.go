package ratelimit

import (
	"sync"
	"time"
)

// Clock supplies the current time to the engine.
type Clock interface {
	Now() time.Time
}

// monotonicClock anchors wall time once and advances it with the monotonic reading,
// so wall clock adjustments after startup never move it.
type monotonicClock struct {
	base time.Time
	wall time.Time
}

// NewMonotonicClock returns the default engine clock.
func NewMonotonicClock() Clock {
	now := time.Now()
	return &monotonicClock{base: now, wall: now.Round(0)}
}

func (c *monotonicClock) Now() time.Time {
	return c.wall.Add(time.Since(c.base))
}

// ManualClock is a Clock moved explicitly, for tests and simulations.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock set to start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
