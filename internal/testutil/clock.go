package testutil

import (
	"sync"
	"time"
)

// Epoch is the default origin of a StepClock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// StepClock is a deterministic clock for tests.
//
// Every call to Now advances the clock by one step and returns the new
// instant, so the first reading is Epoch+step. Tests can name instants by
// their tick number via At.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu   sync.Mutex
	base time.Time
	step time.Duration
	tick int64
}

// NewStepClock creates a clock starting at Epoch that advances one second
// per reading.
func NewStepClock() *StepClock {
	return NewStepClockAt(Epoch, time.Second)
}

// NewStepClockAt creates a clock with an explicit origin and step.
func NewStepClockAt(base time.Time, step time.Duration) *StepClock {
	return &StepClock{base: base, step: step}
}

// Now advances one step and returns the new instant.
//
// Implements clock.Clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick++
	return c.at(c.tick)
}

// Current returns the current instant without advancing.
func (c *StepClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at(c.tick)
}

// Tick returns how many readings have been taken.
func (c *StepClock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// At returns the instant the clock reads at tick n.
func (c *StepClock) At(n int64) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at(n)
}

// Advance moves the clock forward by ticks without returning a reading.
func (c *StepClock) Advance(ticks int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick += ticks
}

// Reset returns the clock to its origin.
//
// After Reset, the next call to Now returns base+step.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick = 0
}

func (c *StepClock) at(n int64) time.Time {
	return c.base.Add(time.Duration(n) * c.step)
}
