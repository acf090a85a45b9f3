package changes

import "sync/atomic"

// LamportClock is a monotonically increasing logical clock used to
// sequence change events. It is safe for concurrent use.
type LamportClock struct {
	counter atomic.Uint64
}

// Tick increments the clock and returns the new value.
// Used when a local commit publishes a change.
func (c *LamportClock) Tick() uint64 {
	return c.counter.Add(1)
}

// Witness moves the clock past an observed remote sequence and returns
// the new value.
func (c *LamportClock) Witness(observed uint64) uint64 {
	for {
		current := c.counter.Load()
		next := max(current, observed) + 1
		if c.counter.CompareAndSwap(current, next) {
			return next
		}
	}
}

// Current returns the current clock value without incrementing.
func (c *LamportClock) Current() uint64 {
	return c.counter.Load()
}
