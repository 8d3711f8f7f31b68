package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/livesync/internal/optimistic"
	"github.com/roach88/livesync/internal/realtime"
	"github.com/roach88/livesync/internal/reconcile"
	"github.com/roach88/livesync/internal/record"
	"github.com/roach88/livesync/internal/session"
	"github.com/roach88/livesync/internal/source/memsource"
	"github.com/roach88/livesync/internal/store"
	"github.com/roach88/livesync/internal/testutil"
)

// settleTimeout bounds the wait for one published change to be fanned out.
const settleTimeout = 2 * time.Second

// Harness is the test execution engine.
// It runs one scenario against an in-memory source, a real session and
// multiplexer, a follow controller and an in-memory journal.
//
// The harness is the session's Tracer and the controller's Journal, so
// every decision and outcome reaches both the trace and the journal.
type Harness struct {
	store   *store.Store
	source  *memsource.Source
	session *session.Session
	follows *optimistic.Controller[optimistic.Follow]
	clock   *testutil.StepClock
	logger  *slog.Logger
	subs    map[string]*realtime.Subscription

	mu        sync.Mutex
	result    *Result
	seq       int64
	decisions int // reconciler decisions traced
	delivered int // of which Deliver
	handled   int // delivered changes whose callback returned
	outcomes  map[string]optimistic.Outcome
	abort     error
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic clock and mutation IDs make the trace reproducible.
//
// Execution flow:
// 1. Seed entities, then observe every entity the scenario names
// 2. Subscribe every topic
// 3. Execute steps, waiting for each to settle
// 4. Evaluate assertions against trace, state and journal
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &Harness{
		store:    st,
		source:   memsource.New(),
		clock:    testutil.NewStepClock(),
		logger:   logger,
		subs:     make(map[string]*realtime.Subscription),
		result:   NewResult(),
		outcomes: make(map[string]optimistic.Outcome),
	}
	h.follows = optimistic.New[optimistic.Follow](
		optimistic.WithClock(h.clock),
		optimistic.WithIDGenerator(testutil.NewSequentialIDGenerator("mut")),
		optimistic.WithMutationTimeout(settleTimeout),
		optimistic.WithLogger(logger),
		optimistic.WithJournal(h),
	)
	h.session = session.Open(h.source, session.Options{
		ActorID: scenario.Actor,
		Logger:  logger,
		Tracer:  h,
	})
	defer h.session.Close()

	ctx := context.Background()

	for _, e := range scenario.Seed {
		h.follows.Seed(e.Entity, e.follow(), h.clock.At(e.At))
	}
	for _, id := range entityIDs(scenario) {
		cancel := h.follows.Observe(id, h.observe)
		defer cancel()
	}

	if err := h.subscribe(ctx, scenario.Topics); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	if err := h.runSteps(ctx, "steps", scenario.Steps); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Store:   st,
		Follows: h.follows,
	}
	h.mu.Lock()
	result := h.result
	h.mu.Unlock()
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

// subscribe opens one harness subscription per topic.
func (h *Harness) subscribe(ctx context.Context, topics []TopicSpec) error {
	for _, t := range topics {
		filter := reconcile.FilterConfig{
			ActorField:     t.ActorField,
			AlsoIgnore:     t.AlsoIgnore,
			TimestampField: t.TimestampField,
		}
		if t.MinTimestamp != "" {
			floor, err := record.ParseTime(t.MinTimestamp)
			if err != nil {
				return fmt.Errorf("topic %s: %w", t.Name, err)
			}
			filter.MinTimestamp = floor
		}

		var sub *realtime.Subscription
		var err error
		if t.Bind {
			sub, err = session.Bind(ctx, h.session, t.Name, filter, countingApplier{h}, h.extractor(t))
		} else {
			sub, err = h.session.Subscribe(ctx, t.Name, filter, func(record.Record, record.Kind) {
				h.handledOne()
			})
		}
		if err != nil {
			return fmt.Errorf("topic %s: %w", t.Name, err)
		}
		h.subs[t.Name] = sub
	}
	return nil
}

// runSteps executes steps in order. Expectation mismatches are recorded on
// the result; only infrastructure failures are returned.
func (h *Harness) runSteps(ctx context.Context, path string, steps []Step) error {
	for i, step := range steps {
		at := fmt.Sprintf("%s[%d]", path, i)
		var err error
		switch {
		case step.Publish != nil:
			err = h.publish(step.Publish)
		case step.Mutate != nil:
			err = h.mutate(ctx, at, step.Mutate)
		case step.Remote != nil:
			h.follows.ApplyRemote(step.Remote.Entity, step.Remote.follow(), h.clock.At(step.Remote.At))
		case step.Unsubscribe != "":
			if sub, ok := h.subs[step.Unsubscribe]; ok {
				sub.Unsubscribe()
			}
		}
		if err != nil {
			return fmt.Errorf("%s: %w", at, err)
		}
	}
	return nil
}

// publish pushes one change and waits until every subscriber has seen it.
func (h *Harness) publish(p *PublishStep) error {
	kind, err := record.ParseKind(p.Kind)
	if err != nil {
		return err
	}

	n := h.session.Multiplexer().SubscriberCount(p.Topic)
	h.mu.Lock()
	want := h.decisions + n
	h.mu.Unlock()

	rec := record.Record(p.Record)
	if rec == nil {
		rec = record.Record{}
	}
	if !h.source.Publish(p.Topic, kind, rec) {
		// No open stream: the change is lost, as on a real connection.
		return nil
	}
	return h.waitSettled(want)
}

func (h *Harness) waitSettled(decisions int) error {
	deadline := time.Now().Add(settleTimeout)
	for {
		h.mu.Lock()
		done := h.decisions >= decisions && h.handled >= h.delivered
		h.mu.Unlock()
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("change not settled within %s", settleTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// mutate runs one mutation. Steps in m.During run inside the write, so
// they observe the entity in flight.
func (h *Harness) mutate(ctx context.Context, path string, m *MutateStep) error {
	mut := optimistic.Mutation[optimistic.Follow]{
		Apply: applyFor(m.Action),
		Write: func(ctx context.Context) (optimistic.Follow, time.Time, error) {
			if err := h.runSteps(ctx, path+".during", m.During); err != nil {
				h.setAbort(err)
			}
			switch {
			case m.Fail != "":
				return optimistic.Follow{}, time.Time{}, errors.New(m.Fail)
			case m.Confirm != nil:
				return m.Confirm.follow(), h.clock.At(m.Confirm.At), nil
			default:
				return optimistic.Follow{}, time.Time{}, nil
			}
		},
	}
	if m.Refresh != nil || m.RefreshFail != "" {
		mut.Refresh = func(context.Context) (optimistic.Follow, time.Time, error) {
			if m.RefreshFail != "" {
				return optimistic.Follow{}, time.Time{}, errors.New(m.RefreshFail)
			}
			return m.Refresh.follow(), h.clock.At(m.Refresh.At), nil
		}
	}

	_, err := h.follows.Mutate(ctx, m.Entity, mut)

	h.mu.Lock()
	outcome := h.outcomes[m.Entity]
	abort := h.abort
	h.mu.Unlock()
	if abort != nil {
		return abort
	}
	if errors.Is(err, optimistic.ErrInvalidMutation) {
		return err
	}

	if m.Expect != "" && string(outcome) != m.Expect {
		h.mu.Lock()
		h.result.AddError(fmt.Sprintf("%s: mutation on %s settled %s, expected %s",
			path, m.Entity, outcome, m.Expect))
		h.mu.Unlock()
	}
	return nil
}

func (h *Harness) setAbort(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abort == nil {
		h.abort = err
	}
}

// TraceDelivery implements realtime.Tracer.
func (h *Harness) TraceDelivery(c record.Change, d reconcile.Decision) {
	h.store.TraceDelivery(c, d)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.decisions++
	if d == reconcile.Deliver {
		h.delivered++
	}
	h.appendLocked(TraceEvent{
		Type:     EventDelivery,
		Topic:    c.Topic,
		Kind:     string(c.Kind),
		Decision: d.String(),
	})
}

// RecordMutation implements optimistic.Journal.
func (h *Harness) RecordMutation(ctx context.Context, rec optimistic.MutationRecord) error {
	err := h.store.RecordMutation(ctx, rec)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcomes[rec.EntityID] = rec.Outcome
	h.appendLocked(TraceEvent{
		Type:    EventMutation,
		Entity:  rec.EntityID,
		Outcome: string(rec.Outcome),
	})
	return err
}

func (h *Harness) observe(entityID string, st optimistic.EntityState[optimistic.Follow]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLocked(TraceEvent{
		Type:      EventState,
		Entity:    entityID,
		Phase:     st.Phase.String(),
		Following: st.Value.Following,
		Followers: st.Value.Followers,
		At:        tickOf(st.LastSyncedAt),
	})
}

func (h *Harness) appendLocked(e TraceEvent) {
	h.seq++
	e.Seq = h.seq
	h.result.Trace = append(h.result.Trace, e)
}

func (h *Harness) handledOne() {
	h.mu.Lock()
	h.handled++
	h.mu.Unlock()
}

// extractor maps a delivered record to a follow update. Records without an
// entity or a timestamp are skipped.
func (h *Harness) extractor(t TopicSpec) session.Extractor[optimistic.Follow] {
	entityField := t.EntityField
	if entityField == "" {
		entityField = "entity"
	}
	tsField := t.TimestampField
	if tsField == "" {
		tsField = "updated_at"
	}
	return func(rec record.Record, kind record.Kind) (string, optimistic.Follow, time.Time, bool) {
		id, ok := rec.String(entityField)
		ts, hasTS, err := rec.Time(tsField)
		if !ok || !hasTS || err != nil {
			h.handledOne()
			return "", optimistic.Follow{}, time.Time{}, false
		}
		f := optimistic.Follow{
			Following: kind != record.KindDelete && boolField(rec, "following"),
			Followers: intField(rec, "followers"),
		}
		return id, f, ts, true
	}
}

// countingApplier marks a bound delivery handled once the controller has
// applied it.
type countingApplier struct {
	h *Harness
}

func (a countingApplier) ApplyRemote(entityID string, value optimistic.Follow, ts time.Time) bool {
	defer a.h.handledOne()
	return a.h.follows.ApplyRemote(entityID, value, ts)
}

func (e EntityValue) follow() optimistic.Follow {
	return optimistic.Follow{Following: e.Following, Followers: e.Followers}
}

func applyFor(action string) func(optimistic.Follow) optimistic.Follow {
	switch action {
	case ActionFollow:
		return optimistic.SetFollowing(true)
	case ActionUnfollow:
		return optimistic.SetFollowing(false)
	default:
		return optimistic.ToggleFollow
	}
}

// tickOf converts an instant to its StepClock tick. The zero time reads as
// tick 0.
func tickOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return int64(t.Sub(testutil.Epoch) / time.Second)
}

// entityIDs lists every entity a scenario touches, in first-mention order.
func entityIDs(s *Scenario) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, e := range s.Seed {
		add(e.Entity)
	}
	var walk func([]Step)
	walk = func(steps []Step) {
		for _, st := range steps {
			switch {
			case st.Mutate != nil:
				add(st.Mutate.Entity)
				walk(st.Mutate.During)
			case st.Remote != nil:
				add(st.Remote.Entity)
			case st.Publish != nil:
				for _, t := range s.Topics {
					if t.Name != st.Publish.Topic || !t.Bind {
						continue
					}
					field := t.EntityField
					if field == "" {
						field = "entity"
					}
					if id, ok := record.Record(st.Publish.Record).String(field); ok {
						add(id)
					}
				}
			}
		}
	}
	walk(s.Steps)
	return ids
}

func boolField(rec record.Record, field string) bool {
	b, _ := rec[field].(bool)
	return b
}

func intField(rec record.Record, field string) int {
	switch v := rec[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		s, ok := rec.String(field)
		if !ok {
			return 0
		}
		var n int
		if _, err := fmt.Sscan(s, &n); err != nil {
			return 0
		}
		return n
	}
}
