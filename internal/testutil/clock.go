package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the instant a new ManualClock starts at.
var DefaultEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// ManualClock is a clock that only moves when told to.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock starting at DefaultEpoch.
func NewManualClock() *ManualClock {
	return &ManualClock{now: DefaultEpoch}
}

// Now returns the current time without advancing it.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Reset moves the clock back to DefaultEpoch.
func (c *ManualClock) Reset() {
	c.Set(DefaultEpoch)
}
