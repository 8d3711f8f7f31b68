// Package metrics exposes Prometheus instrumentation for the multiplexer and
// the optimistic controller.
//
// Every method is safe to call on a nil *Metrics, so components can take an
// optional metrics sink without nil checks at each call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "livesync"

// Metrics groups all livesync collectors.
type Metrics struct {
	deliveries     *prometheus.CounterVec
	activeTopics   prometheus.Gauge
	streamOpens    *prometheus.CounterVec
	callbackPanics prometheus.Counter
	mutations      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Change events evaluated per subscriber, by reconciler decision.",
		}, []string{"decision"}),
		activeTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_topics",
			Help:      "Topics with at least one subscriber.",
		}),
		streamOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_opens_total",
			Help:      "Physical stream open attempts, by result.",
		}, []string{"result"}),
		callbackPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_panics_total",
			Help:      "Listener callbacks that panicked and were isolated.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Optimistic mutations, by terminal outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.deliveries, m.activeTopics, m.streamOpens, m.callbackPanics, m.mutations)
	}
	return m
}

// Delivery counts one reconciler decision ("delivered", "self_echo", "stale").
func (m *Metrics) Delivery(decision string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(decision).Inc()
}

// ActiveTopics sets the active topic gauge.
func (m *Metrics) ActiveTopics(n int) {
	if m == nil {
		return
	}
	m.activeTopics.Set(float64(n))
}

// StreamOpen counts an open attempt.
func (m *Metrics) StreamOpen(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.streamOpens.WithLabelValues(result).Inc()
}

// CallbackPanic counts an isolated listener panic.
func (m *Metrics) CallbackPanic() {
	if m == nil {
		return
	}
	m.callbackPanics.Inc()
}

// Mutation counts a terminal mutation outcome.
func (m *Metrics) Mutation(outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(outcome).Inc()
}
