// Package clock supplies the instants used to stamp optimistic writes.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the current instant.
// Implemented by Monotonic (production) and testutil.StepClock (tests).
type Clock interface {
	Now() time.Time
}

// Monotonic is a wall clock that never returns the same instant twice.
//
// Optimistic writes are ordered against server timestamps with strict
// comparisons, so two local writes in the same clock tick must still be
// distinguishable. When the wall clock has not advanced past the previous
// reading, Monotonic returns previous+1ns instead.
//
// Thread-safety: safe for concurrent use (atomic compare-and-swap).
type Monotonic struct {
	last atomic.Int64 // unix nanoseconds of the previous reading
	wall func() time.Time
}

// NewMonotonic creates a clock backed by time.Now.
func NewMonotonic() *Monotonic {
	return &Monotonic{wall: time.Now}
}

// NewMonotonicFrom creates a clock backed by an arbitrary wall source.
// Used by tests that need to simulate a clock stepping backwards.
func NewMonotonicFrom(wall func() time.Time) *Monotonic {
	return &Monotonic{wall: wall}
}

// Now returns a strictly increasing instant in UTC.
func (c *Monotonic) Now() time.Time {
	for {
		prev := c.last.Load()
		next := c.wall().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return time.Unix(0, next).UTC()
		}
	}
}

// Last returns the most recent reading without advancing.
// Returns the zero time before the first call to Now.
func (c *Monotonic) Last() time.Time {
	n := c.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
