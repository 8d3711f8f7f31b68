package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Delivery("delivered")
	m.Delivery("delivered")
	m.Delivery("stale")
	m.ActiveTopics(3)
	m.StreamOpen(nil)
	m.StreamOpen(errors.New("boom"))
	m.CallbackPanic()
	m.Mutation("rolled_back")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("stale")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeTopics))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamOpens.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamOpens.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbackPanics))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("rolled_back")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Delivery("delivered")
		m.ActiveTopics(1)
		m.StreamOpen(nil)
		m.CallbackPanic()
		m.Mutation("confirmed")
	})
}
