package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livesync/internal/metrics"
	"github.com/roach88/livesync/internal/reconcile"
	"github.com/roach88/livesync/internal/record"
	"github.com/roach88/livesync/internal/source/memsource"
	"github.com/roach88/livesync/internal/stream"
)

const waitFor = time.Second
const tick = 5 * time.Millisecond

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMux(t *testing.T, opts ...Option) (*Multiplexer, *memsource.Source) {
	t.Helper()
	src := memsource.New()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	m := New(src, opts...)
	t.Cleanup(m.UnsubscribeAll)
	return m, src
}

// sink collects delivered changes for assertions.
type sink struct {
	mu   sync.Mutex
	recs []record.Record
}

func (s *sink) callback(rec record.Record, _ record.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *sink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.recs))
	for _, r := range s.recs {
		id, _ := r.String("id")
		out = append(out, id)
	}
	return out
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// recordingTracer captures decisions in order.
type recordingTracer struct {
	mu        sync.Mutex
	decisions []reconcile.Decision
}

func (r *recordingTracer) TraceDelivery(_ record.Change, d reconcile.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recordingTracer) snapshot() []reconcile.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reconcile.Decision(nil), r.decisions...)
}

func TestSubscribe_FirstOpensSharedStream(t *testing.T) {
	m, src := newTestMux(t)
	ctx := context.Background()

	a, err := m.Subscribe(ctx, "follows:u1", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	require.NoError(t, err)
	assert.True(t, src.IsOpen("follows:u1"), "stream must be open before Subscribe returns")

	b, err := m.Subscribe(ctx, "follows:u1", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	require.NoError(t, err)

	assert.Equal(t, 1, src.Opens("follows:u1"), "second subscriber must reuse the stream")
	assert.Equal(t, 1, m.ActiveTopicCount())
	assert.Equal(t, 2, m.SubscriberCount("follows:u1"))
	assert.Equal(t, "follows:u1", a.Topic())
	assert.Equal(t, "follows:u1", b.Topic())
}

func TestUnsubscribe_LastClosesStream(t *testing.T) {
	m, src := newTestMux(t)
	ctx := context.Background()

	a, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	require.NoError(t, err)
	b, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	require.NoError(t, err)

	a.Unsubscribe()
	assert.True(t, src.IsOpen("t"))
	assert.Equal(t, 0, src.Closes("t"))

	b.Unsubscribe()
	assert.False(t, src.IsOpen("t"))
	assert.Equal(t, 1, src.Closes("t"))
	assert.Equal(t, 0, m.ActiveTopicCount())
	assert.Empty(t, m.ActiveTopics())
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	m, src := newTestMux(t)
	ctx := context.Background()

	a, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "t", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	require.NoError(t, err)

	a.Unsubscribe()
	a.Unsubscribe()
	a.Unsubscribe()

	assert.True(t, a.Released())
	assert.Equal(t, 1, m.SubscriberCount("t"), "repeat calls must not detach other listeners")
	assert.True(t, src.IsOpen("t"))
	assert.Equal(t, 0, src.Closes("t"))
}

func TestUnsubscribe_IdempotentAfterClose(t *testing.T) {
	m, src := newTestMux(t)

	a, err := m.Subscribe(context.Background(), "t", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	require.NoError(t, err)

	a.Unsubscribe()
	a.Unsubscribe()

	assert.Equal(t, 1, src.Closes("t"), "no double close")
}

func TestFanOut_AllListenersReceive(t *testing.T) {
	m, src := newTestMux(t)
	ctx := context.Background()

	var s1, s2 sink
	_, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{}, s1.callback)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "t", reconcile.FilterConfig{}, s2.callback)
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3"} {
		require.True(t, src.Publish("t", record.KindInsert, record.Record{"id": id}))
	}

	require.Eventually(t, func() bool { return s1.len() == 3 && s2.len() == 3 }, waitFor, tick)
	assert.Equal(t, []string{"1", "2", "3"}, s1.ids())
	assert.Equal(t, []string{"1", "2", "3"}, s2.ids())
}

func TestFanOut_TopicsAreIndependent(t *testing.T) {
	m, src := newTestMux(t)
	ctx := context.Background()

	var a, b sink
	_, err := m.Subscribe(ctx, "a", reconcile.FilterConfig{}, a.callback)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "b", reconcile.FilterConfig{}, b.callback)
	require.NoError(t, err)

	src.Publish("a", record.KindInsert, record.Record{"id": "x"})

	require.Eventually(t, func() bool { return a.len() == 1 }, waitFor, tick)
	assert.Equal(t, 0, b.len())
	assert.Equal(t, []string{"a", "b"}, m.ActiveTopics())
}

func TestFanOut_SelfEchoFilteredPerSubscriber(t *testing.T) {
	tracer := &recordingTracer{}
	m, src := newTestMux(t, WithTracer(tracer))
	ctx := context.Background()

	var mine, theirs sink
	_, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{IgnoreActorID: "A"}, mine.callback)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "t", reconcile.FilterConfig{IgnoreActorID: "B"}, theirs.callback)
	require.NoError(t, err)

	src.Publish("t", record.KindInsert, record.Record{"id": "1", "user_id": "A"})
	src.Publish("t", record.KindInsert, record.Record{"id": "2", "user_id": "B"})

	require.Eventually(t, func() bool { return len(tracer.snapshot()) == 4 }, waitFor, tick)
	assert.Equal(t, []string{"2"}, mine.ids())
	assert.Equal(t, []string{"1"}, theirs.ids())
	assert.Equal(t, []reconcile.Decision{
		reconcile.DropSelfEcho, reconcile.Deliver,
		reconcile.Deliver, reconcile.DropSelfEcho,
	}, tracer.snapshot())
}

func TestFanOut_StaleDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, src := newTestMux(t, WithMetrics(metrics.New(reg)))

	t5 := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	var got sink
	_, err := m.Subscribe(context.Background(), "t", reconcile.FilterConfig{
		TimestampField: "updated_at",
		MinTimestamp:   t5,
	}, got.callback)
	require.NoError(t, err)

	src.Publish("t", record.KindUpdate, record.Record{"id": "old", "updated_at": t5.Add(-2 * time.Second).Format(time.RFC3339)})
	src.Publish("t", record.KindUpdate, record.Record{"id": "same", "updated_at": t5.Format(time.RFC3339)})
	src.Publish("t", record.KindUpdate, record.Record{"id": "new", "updated_at": t5.Add(time.Second).Format(time.RFC3339)})

	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	// Give the pump a moment in case anything else were to slip through.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"new"}, got.ids())
}

func TestFanOut_PanicIsolated(t *testing.T) {
	m, src := newTestMux(t)
	ctx := context.Background()

	_, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{}, func(record.Record, record.Kind) {
		panic("listener bug")
	})
	require.NoError(t, err)
	var healthy sink
	_, err = m.Subscribe(ctx, "t", reconcile.FilterConfig{}, healthy.callback)
	require.NoError(t, err)

	src.Publish("t", record.KindInsert, record.Record{"id": "1"})
	src.Publish("t", record.KindInsert, record.Record{"id": "2"})

	require.Eventually(t, func() bool { return healthy.len() == 2 }, waitFor, tick)
	assert.Equal(t, 1, m.ActiveTopicCount(), "a panicking listener must not tear down the topic")
}

func TestFanOut_ListenerMutationIsolated(t *testing.T) {
	m, src := newTestMux(t)
	ctx := context.Background()

	_, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{}, func(rec record.Record, _ record.Kind) {
		rec["id"] = "tampered"
	})
	require.NoError(t, err)
	var second sink
	_, err = m.Subscribe(ctx, "t", reconcile.FilterConfig{}, second.callback)
	require.NoError(t, err)

	src.Publish("t", record.KindInsert, record.Record{"id": "orig"})

	require.Eventually(t, func() bool { return second.len() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"orig"}, second.ids())
}

func TestFanOut_ReentrantUnsubscribe(t *testing.T) {
	m, src := newTestMux(t)

	var calls int
	var mu sync.Mutex
	var sub *Subscription
	ready := make(chan struct{})
	sub, err := m.Subscribe(context.Background(), "t", reconcile.FilterConfig{}, func(record.Record, record.Kind) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		sub.Unsubscribe()
	})
	require.NoError(t, err)
	close(ready)

	src.Publish("t", record.KindInsert, record.Record{"id": "1"})
	require.Eventually(t, func() bool { return !src.IsOpen("t") }, waitFor, tick)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Equal(t, 0, m.ActiveTopicCount())
}

func TestFanOut_NoDeliveryAfterUnsubscribe(t *testing.T) {
	m, src := newTestMux(t)
	ctx := context.Background()

	var gone, stays sink
	a, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{}, gone.callback)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "t", reconcile.FilterConfig{}, stays.callback)
	require.NoError(t, err)

	a.Unsubscribe()
	src.Publish("t", record.KindInsert, record.Record{"id": "1"})

	require.Eventually(t, func() bool { return stays.len() == 1 }, waitFor, tick)
	assert.Equal(t, 0, gone.len())
}

func TestSubscribe_OpenFailureReturnsHandle(t *testing.T) {
	m, src := newTestMux(t)
	boom := errors.New("socket down")
	src.FailOpen("t", boom)

	sub, err := m.Subscribe(context.Background(), "t", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	require.Error(t, err)
	require.NotNil(t, sub, "handle must be usable after open failure")
	assert.True(t, IsSubscriptionOpenError(err))
	assert.ErrorIs(t, err, boom)

	var oe *SubscriptionOpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "t", oe.Topic)

	assert.Equal(t, 1, m.ActiveTopicCount(), "un-fed registration is still tracked")
	assert.False(t, src.IsOpen("t"))

	sub.Unsubscribe()
	assert.Equal(t, 0, m.ActiveTopicCount())
	assert.Equal(t, 0, src.Closes("t"), "nothing was opened, nothing is closed")
}

func TestSubscribe_RetriesOpenOnNextSubscriber(t *testing.T) {
	m, src := newTestMux(t)
	src.FailOpen("t", errors.New("socket down"))

	var first sink
	_, err := m.Subscribe(context.Background(), "t", reconcile.FilterConfig{}, first.callback)
	require.Error(t, err)

	src.FailOpen("t", nil)
	_, err = m.Subscribe(context.Background(), "t", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	require.NoError(t, err)
	assert.True(t, src.IsOpen("t"))

	src.Publish("t", record.KindInsert, record.Record{"id": "1"})
	require.Eventually(t, func() bool { return first.len() == 1 }, waitFor, tick,
		"the originally un-fed listener is fed once the stream opens")
}

func TestSubscribe_Validation(t *testing.T) {
	m, _ := newTestMux(t)

	_, err := m.Subscribe(context.Background(), "", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	assert.ErrorIs(t, err, ErrEmptyTopic)

	_, err = m.Subscribe(context.Background(), "t", reconcile.FilterConfig{}, nil)
	assert.ErrorIs(t, err, ErrNilCallback)

	assert.Equal(t, 0, m.ActiveTopicCount())
}

func TestSubscribe_ContextCancelReleases(t *testing.T) {
	m, src := newTestMux(t)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	require.NoError(t, err)

	cancel()
	require.Eventually(t, sub.Released, waitFor, tick)
	require.Eventually(t, func() bool { return !src.IsOpen("t") }, waitFor, tick)
	assert.Equal(t, 0, m.ActiveTopicCount())

	sub.Unsubscribe()
	assert.Equal(t, 1, src.Closes("t"))
}

func TestUnsubscribeAll(t *testing.T) {
	m, src := newTestMux(t)
	ctx := context.Background()

	var got sink
	a, err := m.Subscribe(ctx, "a", reconcile.FilterConfig{}, got.callback)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "a", reconcile.FilterConfig{}, got.callback)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "b", reconcile.FilterConfig{}, got.callback)
	require.NoError(t, err)

	m.UnsubscribeAll()

	assert.Equal(t, 0, m.ActiveTopicCount())
	assert.Empty(t, src.OpenTopics())
	assert.Equal(t, 1, src.Closes("a"))
	assert.Equal(t, 1, src.Closes("b"))
	assert.True(t, a.Released())

	// Old handles are no-ops.
	a.Unsubscribe()
	assert.Equal(t, 1, src.Closes("a"))

	// No further delivery on a closed topic.
	assert.False(t, src.Publish("a", record.KindInsert, record.Record{"id": "late"}))
	assert.Equal(t, 0, got.len())

	// The multiplexer is reusable after teardown (next login).
	_, err = m.Subscribe(ctx, "a", reconcile.FilterConfig{}, got.callback)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Opens("a"))
}

func TestNoDuplicateStreams_RandomSequence(t *testing.T) {
	m, src := newTestMux(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	topics := []string{"a", "b", "c"}
	var live []*Subscription

	for step := 0; step < 500; step++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			topic := topics[rng.Intn(len(topics))]
			sub, err := m.Subscribe(ctx, topic, reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
			require.NoError(t, err, "a double open would surface as an open error")
			live = append(live, sub)
		} else {
			i := rng.Intn(len(live))
			live[i].Unsubscribe()
			if rng.Intn(4) == 0 {
				live[i].Unsubscribe()
			}
			live = append(live[:i], live[i+1:]...)
		}

		for _, topic := range topics {
			opens, closes := src.Opens(topic), src.Closes(topic)
			diff := opens - closes
			require.True(t, diff == 0 || diff == 1, "step %d topic %s: opens=%d closes=%d", step, topic, opens, closes)
			require.Equal(t, m.SubscriberCount(topic) > 0, src.IsOpen(topic), "step %d topic %s", step, topic)
		}
	}
}

func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	m, src := newTestMux(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub, err := m.Subscribe(ctx, "hot", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
				if err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				sub.Unsubscribe()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, m.ActiveTopicCount())
	assert.False(t, src.IsOpen("hot"))
	assert.Equal(t, src.Opens("hot"), src.Closes("hot"))
}

// gatedSource holds OpenTopic for one topic until release is called.
type gatedSource struct {
	*memsource.Source
	topic string

	entered     chan struct{}
	enteredOnce sync.Once
	gate        chan struct{}
}

func newGatedSource(topic string) *gatedSource {
	return &gatedSource{
		Source:  memsource.New(),
		topic:   topic,
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (g *gatedSource) OpenTopic(ctx context.Context, topic string) (stream.Stream, error) {
	if topic == g.topic {
		g.enteredOnce.Do(func() { close(g.entered) })
		<-g.gate
	}
	return g.Source.OpenTopic(ctx, topic)
}

func (g *gatedSource) release() {
	close(g.gate)
}

type subscribeResult struct {
	sub *Subscription
	err error
}

// subscribeAsync runs Subscribe on its own goroutine.
func subscribeAsync(ctx context.Context, m *Multiplexer, topic string, cb Callback) <-chan subscribeResult {
	out := make(chan subscribeResult, 1)
	go func() {
		sub, err := m.Subscribe(ctx, topic, reconcile.FilterConfig{}, cb)
		out <- subscribeResult{sub, err}
	}()
	return out
}

func waitResult(t *testing.T, ch <-chan subscribeResult) subscribeResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("Subscribe did not return")
		return subscribeResult{}
	}
}

func TestSubscribe_SlowOpenDoesNotBlockOtherTopics(t *testing.T) {
	src := newGatedSource("slow")
	m := New(src, WithLogger(quietLogger()))
	t.Cleanup(m.UnsubscribeAll)
	ctx := context.Background()

	var fast sink
	fastSub, err := m.Subscribe(ctx, "fast", reconcile.FilterConfig{}, fast.callback)
	require.NoError(t, err)

	slow := subscribeAsync(ctx, m, "slow", func(record.Record, record.Kind) {})
	<-src.entered

	src.Publish("fast", record.KindInsert, record.Record{"id": "1"})
	require.Eventually(t, func() bool { return fast.len() == 1 }, waitFor, tick,
		"delivery on other topics continues while a topic is opening")
	assert.Equal(t, 2, m.ActiveTopicCount())

	fastSub.Unsubscribe()
	assert.False(t, src.IsOpen("fast"))

	src.release()
	r := waitResult(t, slow)
	require.NoError(t, r.err)
	assert.True(t, src.IsOpen("slow"))
	assert.Equal(t, []string{"slow"}, m.ActiveTopics())
}

func TestSubscribe_JoinsInFlightOpen(t *testing.T) {
	src := newGatedSource("t")
	m := New(src, WithLogger(quietLogger()))
	t.Cleanup(m.UnsubscribeAll)
	ctx := context.Background()

	var first, second sink
	a := subscribeAsync(ctx, m, "t", first.callback)
	<-src.entered
	b := subscribeAsync(ctx, m, "t", second.callback)

	require.Eventually(t, func() bool { return m.SubscriberCount("t") == 2 }, waitFor, tick)
	select {
	case <-b:
		t.Fatal("joiner returned before the open settled")
	default:
	}

	src.release()
	require.NoError(t, waitResult(t, a).err)
	require.NoError(t, waitResult(t, b).err)
	assert.Equal(t, 1, src.Opens("t"))

	src.Publish("t", record.KindInsert, record.Record{"id": "1"})
	require.Eventually(t, func() bool { return first.len() == 1 && second.len() == 1 }, waitFor, tick)
}

func TestSubscribe_JoinerSeesOpenFailure(t *testing.T) {
	src := newGatedSource("t")
	boom := errors.New("socket down")
	src.FailOpen("t", boom)
	m := New(src, WithLogger(quietLogger()))
	t.Cleanup(m.UnsubscribeAll)
	ctx := context.Background()

	a := subscribeAsync(ctx, m, "t", func(record.Record, record.Kind) {})
	<-src.entered
	b := subscribeAsync(ctx, m, "t", func(record.Record, record.Kind) {})
	require.Eventually(t, func() bool { return m.SubscriberCount("t") == 2 }, waitFor, tick)

	src.release()
	ra, rb := waitResult(t, a), waitResult(t, b)
	assert.ErrorIs(t, ra.err, boom)
	assert.ErrorIs(t, rb.err, boom)
	assert.True(t, IsSubscriptionOpenError(rb.err))
	require.NotNil(t, rb.sub)
	assert.Equal(t, 1, m.ActiveTopicCount(), "un-fed registration is still tracked")
}

func TestUnsubscribeAll_DuringOpenClosesNewStream(t *testing.T) {
	src := newGatedSource("t")
	m := New(src, WithLogger(quietLogger()))
	ctx := context.Background()

	var got sink
	pending := subscribeAsync(ctx, m, "t", got.callback)
	<-src.entered

	m.UnsubscribeAll()
	assert.Equal(t, 0, m.ActiveTopicCount())

	src.release()
	r := waitResult(t, pending)
	require.NoError(t, r.err)
	assert.True(t, r.sub.Released())

	assert.False(t, src.IsOpen("t"))
	assert.Equal(t, 1, src.Opens("t"))
	assert.Equal(t, 1, src.Closes("t"))
	assert.Equal(t, 0, m.SubscriberCount("t"))

	// The next subscriber opens a fresh stream.
	_, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{}, got.callback)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Opens("t"))
	m.UnsubscribeAll()
}

func TestSubscribe_CancelDuringOpenLeavesNothingOpen(t *testing.T) {
	src := newGatedSource("t")
	m := New(src, WithLogger(quietLogger()))
	t.Cleanup(m.UnsubscribeAll)

	ctx, cancel := context.WithCancel(context.Background())
	pending := subscribeAsync(ctx, m, "t", func(record.Record, record.Kind) {})
	<-src.entered

	cancel()
	require.Eventually(t, func() bool { return m.SubscriberCount("t") == 0 }, waitFor, tick)

	src.release()
	r := waitResult(t, pending)
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.False(t, src.IsOpen("t"))
	assert.Equal(t, 0, m.ActiveTopicCount())
}

// unsubscribingTracer releases target when the tracer sees its decision,
// which happens after the fan-out loop's release check.
type unsubscribingTracer struct {
	mu     sync.Mutex
	calls  int
	at     int
	target *Subscription
}

func (u *unsubscribingTracer) TraceDelivery(record.Change, reconcile.Decision) {
	u.mu.Lock()
	u.calls++
	fire := u.calls == u.at
	target := u.target
	u.mu.Unlock()
	if fire {
		target.Unsubscribe()
	}
}

func TestFanOut_UnsubscribeBetweenEvaluateAndCallback(t *testing.T) {
	tracer := &unsubscribingTracer{at: 2}
	m, src := newTestMux(t, WithTracer(tracer))
	ctx := context.Background()

	var first, second sink
	_, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{}, first.callback)
	require.NoError(t, err)
	b, err := m.Subscribe(ctx, "t", reconcile.FilterConfig{}, second.callback)
	require.NoError(t, err)
	tracer.mu.Lock()
	tracer.target = b
	tracer.mu.Unlock()

	src.Publish("t", record.KindInsert, record.Record{"id": "1"})

	require.Eventually(t, func() bool { return first.len() == 1 }, waitFor, tick)
	require.Eventually(t, b.Released, waitFor, tick)
	assert.Equal(t, 0, second.len())
}

func activeTopicsGauge(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "livesync_active_topics" {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("active topics gauge not registered")
	return 0
}

func TestActiveTopicsGauge_TracksConcurrentChurn(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _ := newTestMux(t, WithMetrics(metrics.New(reg)))
	ctx := context.Background()

	keep, err := m.Subscribe(ctx, "kept", reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			topic := fmt.Sprintf("churn-%d", i)
			for range 50 {
				sub, err := m.Subscribe(ctx, topic, reconcile.FilterConfig{}, func(record.Record, record.Kind) {})
				if err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				sub.Unsubscribe()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, m.ActiveTopicCount())
	assert.Equal(t, 1.0, activeTopicsGauge(t, reg))

	keep.Unsubscribe()
	assert.Equal(t, 0.0, activeTopicsGauge(t, reg))
}
