package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/livesync/internal/record"
)

func TestWatermark_OnlyMovesForward(t *testing.T) {
	w := NewWatermark(t0)

	assert.False(t, w.Advance(t0), "equal instant must not advance")
	assert.False(t, w.Advance(t0.Add(-time.Second)))
	assert.Equal(t, t0, w.Load())

	assert.True(t, w.Advance(t0.Add(time.Second)))
	assert.Equal(t, t0.Add(time.Second), w.Load())
}

func TestWatermark_DrivesFilter(t *testing.T) {
	w := NewWatermark(t0)
	cfg := FilterConfig{TimestampField: "updated_at", Watermark: w}
	rec := record.Record{"updated_at": t0.Add(time.Minute).Format(time.RFC3339)}

	assert.Equal(t, Deliver, Evaluate(rec, cfg))

	w.Advance(t0.Add(time.Hour))
	assert.Equal(t, DropStale, Evaluate(rec, cfg), "filter must read the live watermark")
}

func TestWatermark_Apply(t *testing.T) {
	w := NewWatermark(t0)
	cfg := w.Apply(FilterConfig{TimestampField: "updated_at"})
	assert.Equal(t, t0, cfg.MinTimestamp)
	assert.True(t, cfg.HasStalenessFilter())
}
