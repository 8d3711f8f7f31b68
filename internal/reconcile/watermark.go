package reconcile

import (
	"sync"
	"time"
)

// Watermark tracks the freshest instant an observer has incorporated.
// It only ever moves forward.
//
// Thread-safety: safe for concurrent use.
type Watermark struct {
	mu sync.Mutex
	t  time.Time
}

// NewWatermark creates a watermark at t.
func NewWatermark(t time.Time) *Watermark {
	return &Watermark{t: t}
}

// Advance moves the watermark to t if t is strictly newer.
// Returns whether it moved.
func (w *Watermark) Advance(t time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !t.After(w.t) {
		return false
	}
	w.t = t
	return true
}

// Load returns the current watermark.
func (w *Watermark) Load() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.t
}

// Apply returns cfg with MinTimestamp set to the current watermark.
func (w *Watermark) Apply(cfg FilterConfig) FilterConfig {
	cfg.MinTimestamp = w.Load()
	return cfg
}
