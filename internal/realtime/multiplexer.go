package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roach88/livesync/internal/metrics"
	"github.com/roach88/livesync/internal/reconcile"
	"github.com/roach88/livesync/internal/record"
	"github.com/roach88/livesync/internal/stream"
)

// Source is the change-event source capability.
//
// The ctx passed to OpenTopic bounds the open handshake only; the returned
// stream lives until CloseTopic. Reconnection and at-least-once delivery are
// the source's responsibility.
type Source interface {
	OpenTopic(ctx context.Context, topic string) (stream.Stream, error)
	CloseTopic(topic string) error
}

// Callback receives every change that survives a subscription's filter.
type Callback func(rec record.Record, kind record.Kind)

// Tracer observes every reconciler decision made during fan-out.
// Used for debug instrumentation; dropped changes are otherwise silent.
type Tracer interface {
	TraceDelivery(c record.Change, d reconcile.Decision)
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) {
		m.logger = l
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Multiplexer) {
		m.metrics = mt
	}
}

// WithTracer installs a delivery tracer.
func WithTracer(t Tracer) Option {
	return func(m *Multiplexer) {
		m.tracer = t
	}
}

// Multiplexer deduplicates physical topic streams across listeners.
//
// Thread-safety: all methods are safe for concurrent use. The topic map is
// guarded by mu. OpenTopic runs without mu; while it is in flight the
// registration is marked opening, so later subscribers join it instead of
// opening a second stream.
type Multiplexer struct {
	source  Source
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  Tracer

	mu     sync.Mutex
	topics map[string]*registration
	nextID uint64
}

// registration is the TopicRegistration for one topic.
//
// A registration that is opening stays in the topic map even when its last
// subscription leaves; the open settles it.
type registration struct {
	topic   string
	stream  stream.Stream // nil while un-fed (opening, or open failed)
	cancel  context.CancelFunc
	opening *openAttempt
	subs    map[uint64]*Subscription
}

// openAttempt is one in-flight OpenTopic call. done is closed once err is
// final.
type openAttempt struct {
	done chan struct{}
	err  error
}

// New creates a Multiplexer over source.
func New(source Source, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		source: source,
		logger: slog.Default(),
		topics: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers callback for topic.
//
// If no stream is open or opening for topic, exactly one physical stream is
// opened before Subscribe returns. A subscriber arriving while that open is
// in flight joins the fan-out set and waits for the same open. Otherwise the
// callback joins the existing fan-out set and no stream is opened.
//
// The subscription is released by Unsubscribe or, if ctx is cancellable,
// when ctx is done, whichever comes first. Callers should still
// `defer sub.Unsubscribe()` for scoped use.
//
// When the open fails, Subscribe returns a usable subscription together with
// a *SubscriptionOpenError.
func (m *Multiplexer) Subscribe(ctx context.Context, topic string, filter reconcile.FilterConfig, callback Callback) (*Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if callback == nil {
		return nil, ErrNilCallback
	}

	m.mu.Lock()
	m.nextID++
	sub := &Subscription{
		id:       m.nextID,
		topic:    topic,
		filter:   filter,
		callback: callback,
		mux:      m,
		stop:     make(chan struct{}),
	}

	reg, exists := m.topics[topic]
	if !exists {
		reg = &registration{
			topic: topic,
			subs:  make(map[uint64]*Subscription),
		}
		m.topics[topic] = reg
	}
	reg.subs[sub.id] = sub

	attempt, opener := reg.opening, false
	if reg.stream == nil && attempt == nil {
		attempt = &openAttempt{done: make(chan struct{})}
		reg.opening = attempt
		opener = true
	}
	m.setActiveLocked()
	m.mu.Unlock()

	m.logger.Debug("subscribed",
		"topic", topic,
		"subscription", sub.id,
		"shared", exists,
	)

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				sub.Unsubscribe()
			case <-sub.stop:
			}
		}()
	}

	var openErr error
	switch {
	case opener:
		openErr = m.open(ctx, reg, attempt)
	case attempt != nil:
		select {
		case <-attempt.done:
			openErr = attempt.err
		case <-ctx.Done():
			openErr = ctx.Err()
		}
	}

	if openErr != nil {
		return sub, &SubscriptionOpenError{Topic: topic, Err: openErr}
	}
	return sub, nil
}

// UnsubscribeAll closes every physical stream and discards every
// registration. Outstanding subscription handles become no-ops.
//
// Streams still opening are closed as soon as their open completes.
//
// Used at session teardown. In-flight optimistic mutations do not depend on
// subscriptions and are unaffected.
func (m *Multiplexer) UnsubscribeAll() {
	m.mu.Lock()
	topics := m.topics
	m.topics = make(map[string]*registration)
	for topic, reg := range topics {
		for _, sub := range reg.subs {
			sub.detach()
		}
		clear(reg.subs)
		if reg.opening != nil {
			m.topics[topic] = reg
			continue
		}
		m.closeLocked(reg)
	}
	m.setActiveLocked()
	m.mu.Unlock()

	m.logger.Info("all subscriptions released", "topics", len(topics))
}

// ActiveTopicCount returns the number of topics with at least one live
// subscription.
func (m *Multiplexer) ActiveTopicCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// ActiveTopics returns the topics with live subscriptions, sorted.
func (m *Multiplexer) ActiveTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.topics))
	for t, reg := range m.topics {
		if len(reg.subs) > 0 {
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	return topics
}

// SubscriberCount returns the number of live subscriptions for topic.
func (m *Multiplexer) SubscriberCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.topics[topic]; ok {
		return len(reg.subs)
	}
	return 0
}

// activeLocked counts registrations with subscribers. Caller holds m.mu.
func (m *Multiplexer) activeLocked() int {
	n := 0
	for _, reg := range m.topics {
		if len(reg.subs) > 0 {
			n++
		}
	}
	return n
}

// setActiveLocked publishes the active topic gauge. Caller holds m.mu, so
// gauge writes land in the same order as the changes they describe.
func (m *Multiplexer) setActiveLocked() {
	m.metrics.ActiveTopics(m.activeLocked())
}

// open runs OpenTopic for reg outside m.mu, then installs the stream and
// starts its pump. If every subscription left while the open was in flight,
// the new stream is closed and the registration discarded.
func (m *Multiplexer) open(ctx context.Context, reg *registration, attempt *openAttempt) error {
	s, err := m.source.OpenTopic(ctx, reg.topic)
	m.metrics.StreamOpen(err)

	m.mu.Lock()
	defer m.mu.Unlock()

	reg.opening = nil
	attempt.err = err
	close(attempt.done)

	if err != nil {
		m.logger.Warn("topic open failed",
			"topic", reg.topic,
			"error", err,
		)
		if len(reg.subs) == 0 {
			delete(m.topics, reg.topic)
		}
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	reg.stream = s
	reg.cancel = cancel
	go m.pump(pumpCtx, reg, s)
	m.logger.Info("topic opened", "topic", reg.topic)

	if len(reg.subs) == 0 {
		delete(m.topics, reg.topic)
		m.closeLocked(reg)
	}
	return nil
}

// closeLocked stops the pump and closes the physical stream if one is open.
// Caller holds m.mu.
func (m *Multiplexer) closeLocked(reg *registration) {
	if reg.stream == nil {
		return
	}
	reg.cancel()
	reg.stream = nil
	if err := m.source.CloseTopic(reg.topic); err != nil {
		m.logger.Warn("topic close failed",
			"topic", reg.topic,
			"error", err,
		)
		return
	}
	m.logger.Info("topic closed", "topic", reg.topic)
}

// remove detaches sub from its registration, closing the stream if it was
// the last subscription. An opening registration is left for open to
// settle.
func (m *Multiplexer) remove(sub *Subscription) {
	m.mu.Lock()
	reg, ok := m.topics[sub.topic]
	if !ok || reg.subs[sub.id] != sub {
		m.mu.Unlock()
		return
	}
	delete(reg.subs, sub.id)
	if len(reg.subs) == 0 && reg.opening == nil {
		delete(m.topics, sub.topic)
		m.closeLocked(reg)
	}
	m.setActiveLocked()
	m.mu.Unlock()

	m.logger.Debug("unsubscribed",
		"topic", sub.topic,
		"subscription", sub.id,
	)
}

// pump reads one physical stream until it ends or the registration is
// closed.
func (m *Multiplexer) pump(ctx context.Context, reg *registration, s stream.Stream) {
	for {
		c, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrClosed) || ctx.Err() != nil {
				return
			}
			m.logger.Error("topic stream failed",
				"topic", reg.topic,
				"error", err,
			)
			return
		}
		if c.Topic == "" {
			c.Topic = reg.topic
		}
		m.fanOut(reg, c)
	}
}

// fanOut delivers c to every live subscription of reg.
func (m *Multiplexer) fanOut(reg *registration, c record.Change) {
	m.mu.Lock()
	if m.topics[reg.topic] != reg {
		// Registration was discarded while this change was in flight.
		m.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(reg.subs))
	for _, sub := range reg.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	// Subscription order, so delivery order is reproducible.
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, sub := range subs {
		if sub.released.Load() {
			continue
		}
		decision := reconcile.Evaluate(c.Record, sub.filter)
		m.metrics.Delivery(decision.String())
		if m.tracer != nil {
			m.tracer.TraceDelivery(c, decision)
		}
		if decision != reconcile.Deliver {
			m.logger.Debug("change dropped",
				"topic", c.Topic,
				"subscription", sub.id,
				"reason", decision.String(),
			)
			continue
		}
		m.invoke(sub, c)
	}
}

// invoke runs one callback, isolating panics from the rest of the fan-out.
func (m *Multiplexer) invoke(sub *Subscription, c record.Change) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.CallbackPanic()
			m.logger.Error("subscriber callback panicked",
				"topic", c.Topic,
				"subscription", sub.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	// Unsubscribe may have run while the change was being evaluated.
	if sub.released.Load() {
		return
	}
	sub.callback(c.Record.Clone(), c.Kind)
}

// Subscription is a caller's handle on one (topic, filter, callback).
type Subscription struct {
	id       uint64
	topic    string
	filter   reconcile.FilterConfig
	callback Callback
	mux      *Multiplexer

	once     sync.Once
	released atomic.Bool
	stop     chan struct{}
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Released reports whether the subscription has been released.
func (s *Subscription) Released() bool {
	return s.released.Load()
}

// Unsubscribe releases the subscription. Idempotent: only the first call
// has any effect.
//
// Called from another goroutine, Unsubscribe does not wait for the pump: a
// delivery that already passed its release check may still run once after
// Unsubscribe returns. Called from the subscription's own callback, no
// further delivery happens.
func (s *Subscription) Unsubscribe() {
	if s.detach() {
		s.mux.remove(s)
	}
}

// detach marks the subscription released. Returns true only on the first
// call. Never takes the multiplexer lock.
func (s *Subscription) detach() bool {
	first := false
	s.once.Do(func() {
		first = true
		s.released.Store(true)
		close(s.stop)
	})
	return first
}
