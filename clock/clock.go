package clock

import (
	"sync"
	"time"
)

// Clock wraps wall time so deadlines can be driven from tests.
// It is safe for concurrent use. The zero value follows time.Now.
type Clock struct {
	mu    sync.RWMutex
	faked bool
	time  time.Time
}

// New returns a clock following wall time.
func New() *Clock {
	return &Clock{}
}

// Set pins the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = true
	c.time = t
}

// Advance moves a pinned clock forward by d. A clock following wall
// time is pinned to now+d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.faked {
		c.time = time.Now()
		c.faked = true
	}
	c.time = c.time.Add(d)
}

// Sync releases the clock back to wall time.
func (c *Clock) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = false
}

// Now returns the clock's current time in UTC.
func (c *Clock) Now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.faked {
		return c.time.UTC()
	}
	return time.Now().UTC()
}
