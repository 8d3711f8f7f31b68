package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/livesync/internal/clock"
	"github.com/roach88/livesync/internal/metrics"
)

// DefaultMutationTimeout bounds each remote write and refresh read.
const DefaultMutationTimeout = 15 * time.Second

// Phase is an entity's position in the mutation state machine.
type Phase int

const (
	// Idle means no mutation is in flight.
	Idle Phase = iota
	// MutationInFlight means the remote write has not settled.
	MutationInFlight
	// Reconciling means the write succeeded and the refresh read is pending.
	Reconciling
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case MutationInFlight:
		return "in_flight"
	case Reconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// EntityState is a snapshot of one entity.
type EntityState[V any] struct {
	Value        V
	LastSyncedAt time.Time
	Phase        Phase
}

// WriteFunc performs the remote write and returns the server's confirmation.
// A zero timestamp means the write carries no confirmation of its own.
type WriteFunc[V any] func(ctx context.Context) (V, time.Time, error)

// ReadFunc fetches the authoritative server state and its timestamp.
type ReadFunc[V any] func(ctx context.Context) (V, time.Time, error)

// Mutation describes one optimistic change.
type Mutation[V any] struct {
	// Apply computes the optimistic local value. Must be pure.
	Apply func(V) V

	// Write performs the remote write. Required.
	Write WriteFunc[V]

	// Refresh re-reads the server state after a successful write.
	// Optional: when nil the write's own confirmation is used.
	Refresh ReadFunc[V]
}

// Observer is notified after every state change of an observed entity.
// Called without the controller lock held.
type Observer[V any] func(entityID string, st EntityState[V])

// Option configures a Controller.
type Option func(*config)

type config struct {
	clock   clock.Clock
	ids     IDGenerator
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	journal Journal
}

// WithClock sets the clock used to stamp optimistic writes.
// Default: clock.NewMonotonic().
func WithClock(c clock.Clock) Option {
	return func(cfg *config) {
		cfg.clock = c
	}
}

// WithIDGenerator sets the mutation ID generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(cfg *config) {
		cfg.ids = g
	}
}

// WithMutationTimeout bounds each remote write and refresh read.
//
// Default: 15s (DefaultMutationTimeout). Zero or negative disables the
// controller's own bound and relies on the caller's ctx.
func WithMutationTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = l
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}

// WithJournal records every terminal mutation outcome.
func WithJournal(j Journal) Option {
	return func(cfg *config) {
		cfg.journal = j
	}
}

// Controller is the optimistic mutation controller for entities of type V.
//
// Thread-safety: all methods are safe for concurrent use. State transitions
// happen under mu and are atomic; mu is never held across the remote write,
// the refresh read, observer callbacks or journal writes.
type Controller[V any] struct {
	config

	mu        sync.Mutex
	entities  map[string]*entity[V]
	observers map[string]map[uint64]Observer[V]
	nextObs   uint64
}

type entity[V any] struct {
	value        V
	lastSyncedAt time.Time
	phase        Phase
}

func (e *entity[V]) snapshot() EntityState[V] {
	return EntityState[V]{Value: e.value, LastSyncedAt: e.lastSyncedAt, Phase: e.phase}
}

// New creates a Controller.
func New[V any](opts ...Option) *Controller[V] {
	cfg := config{
		timeout: DefaultMutationTimeout,
		ids:     UUIDv7Generator{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clock.NewMonotonic()
	}
	return &Controller[V]{
		config:    cfg,
		entities:  make(map[string]*entity[V]),
		observers: make(map[string]map[uint64]Observer[V]),
	}
}

// Seed records the first observation of an entity.
//
// An unknown entity is created with value and ts as-is. A known entity is
// treated like ApplyRemote. Returns whether the state changed.
func (c *Controller[V]) Seed(entityID string, value V, ts time.Time) bool {
	c.mu.Lock()
	if _, ok := c.entities[entityID]; ok {
		c.mu.Unlock()
		return c.ApplyRemote(entityID, value, ts)
	}
	e := &entity[V]{value: value, lastSyncedAt: ts}
	c.entities[entityID] = e
	st := e.snapshot()
	c.mu.Unlock()

	c.notify(entityID, st)
	return true
}

// State returns the current snapshot of an entity.
func (c *Controller[V]) State(entityID string) (EntityState[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[entityID]
	if !ok {
		return EntityState[V]{}, false
	}
	return e.snapshot(), true
}

// Observe registers fn for state changes of entityID.
// The returned func removes the observer and is idempotent.
func (c *Controller[V]) Observe(entityID string, fn Observer[V]) (cancel func()) {
	c.mu.Lock()
	c.nextObs++
	id := c.nextObs
	obs, ok := c.observers[entityID]
	if !ok {
		obs = make(map[uint64]Observer[V])
		c.observers[entityID] = obs
	}
	obs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if obs, ok := c.observers[entityID]; ok {
				delete(obs, id)
				if len(obs) == 0 {
					delete(c.observers, entityID)
				}
			}
		})
	}
}

// ApplyRemote applies a server-confirmed value pushed from outside a
// mutation (typically a reconciled change event).
//
// The update is applied only if ts is strictly newer than the entity's
// LastSyncedAt; this holds mid-flight as well. Unknown entities are created.
// Returns whether the update was applied.
func (c *Controller[V]) ApplyRemote(entityID string, value V, ts time.Time) bool {
	c.mu.Lock()
	e := c.entityLocked(entityID)
	if !ts.After(e.lastSyncedAt) {
		current := e.lastSyncedAt
		c.mu.Unlock()
		c.logger.Debug("remote update not newer, dropped",
			"entity", entityID,
			"ts", ts,
			"last_synced_at", current,
		)
		return false
	}
	e.value = value
	e.lastSyncedAt = ts
	st := e.snapshot()
	c.mu.Unlock()

	c.logger.Debug("remote update applied",
		"entity", entityID,
		"ts", ts,
		"phase", st.Phase.String(),
	)
	c.notify(entityID, st)
	return true
}

// Mutate performs an optimistic mutation on entityID.
//
// Returns the entity's state after the mutation settled and:
//   - nil on success (confirmed or kept-local reconciliation)
//   - ErrMutationInFlight if another mutation was in flight (no effect)
//   - *MutationRejectedError[V] if the write failed or timed out (rolled back)
//   - *ReconciliationReadError if the write succeeded but the refresh read
//     failed (optimistic value kept)
//
// Observers see the optimistic value before Write is called.
func (c *Controller[V]) Mutate(ctx context.Context, entityID string, mut Mutation[V]) (EntityState[V], error) {
	if entityID == "" || mut.Apply == nil || mut.Write == nil {
		return EntityState[V]{}, fmt.Errorf("%w: entity id, Apply and Write are required", ErrInvalidMutation)
	}

	mutationID := c.ids.Generate()

	// Idle -> MutationInFlight, atomically.
	c.mu.Lock()
	e := c.entityLocked(entityID)
	if e.phase != Idle {
		st := e.snapshot()
		c.mu.Unlock()
		c.logger.Debug("mutation dropped: already in flight",
			"entity", entityID,
			"mutation", mutationID,
		)
		c.finish(ctx, MutationRecord{
			ID:       mutationID,
			EntityID: entityID,
			Outcome:  OutcomeDropped,
			Before:   st.Value,
			After:    st.Value,
			BeforeAt: st.LastSyncedAt,
			AfterAt:  st.LastSyncedAt,
		})
		return st, ErrMutationInFlight
	}
	before := e.snapshot()
	e.value = mut.Apply(e.value)
	e.lastSyncedAt = c.clock.Now()
	e.phase = MutationInFlight
	stampedAt := e.lastSyncedAt
	optimistic := e.snapshot()
	c.mu.Unlock()

	c.logger.Debug("optimistic update applied",
		"entity", entityID,
		"mutation", mutationID,
		"stamped_at", stampedAt,
	)
	c.notify(entityID, optimistic)

	confirmed, serverAt, err := bounded(ctx, c.timeout, mut.Write)
	if err != nil {
		return c.rollback(ctx, entityID, mutationID, e, before, stampedAt, err)
	}

	if mut.Refresh != nil {
		c.mu.Lock()
		e.phase = Reconciling
		c.mu.Unlock()

		var readErr error
		confirmed, serverAt, readErr = bounded(ctx, c.timeout, mut.Refresh)
		if readErr != nil {
			return c.keepAfterReadFailure(ctx, entityID, mutationID, e, before, readErr)
		}
	}

	// Reconcile: the server is authoritative once its confirmation is at
	// least as fresh as what we hold.
	c.mu.Lock()
	outcome := OutcomeKeptLocal
	if !serverAt.IsZero() && !serverAt.Before(e.lastSyncedAt) {
		e.value = confirmed
		e.lastSyncedAt = serverAt
		outcome = OutcomeConfirmed
	}
	e.phase = Idle
	st := e.snapshot()
	c.mu.Unlock()

	c.logger.Info("mutation settled",
		"entity", entityID,
		"mutation", mutationID,
		"outcome", string(outcome),
		"server_at", serverAt,
	)
	c.notify(entityID, st)
	c.finish(ctx, MutationRecord{
		ID:       mutationID,
		EntityID: entityID,
		Outcome:  outcome,
		Before:   before.Value,
		After:    st.Value,
		BeforeAt: before.LastSyncedAt,
		AfterAt:  st.LastSyncedAt,
	})
	return st, nil
}

// rollback restores the pre-mutation snapshot after a failed write.
//
// If a strictly newer remote update landed while the write was in flight,
// that update is kept instead: it is newer than both the snapshot and the
// optimistic value.
func (c *Controller[V]) rollback(ctx context.Context, entityID, mutationID string, e *entity[V], before EntityState[V], stampedAt time.Time, cause error) (EntityState[V], error) {
	c.mu.Lock()
	superseded := !e.lastSyncedAt.Equal(stampedAt)
	if !superseded {
		e.value = before.Value
		e.lastSyncedAt = before.LastSyncedAt
	}
	e.phase = Idle
	st := e.snapshot()
	c.mu.Unlock()

	c.logger.Warn("mutation rejected, rolled back",
		"entity", entityID,
		"mutation", mutationID,
		"superseded", superseded,
		"error", cause,
	)
	c.notify(entityID, st)

	rejected := &MutationRejectedError[V]{
		EntityID:   entityID,
		MutationID: mutationID,
		Previous:   before.Value,
		Err:        cause,
	}
	c.finish(ctx, MutationRecord{
		ID:       mutationID,
		EntityID: entityID,
		Outcome:  OutcomeRolledBack,
		Before:   before.Value,
		After:    st.Value,
		BeforeAt: before.LastSyncedAt,
		AfterAt:  st.LastSyncedAt,
		Error:    rejected.Error(),
	})
	return st, rejected
}

// keepAfterReadFailure releases the guard and keeps the optimistic value
// after the write succeeded but the refresh read failed.
func (c *Controller[V]) keepAfterReadFailure(ctx context.Context, entityID, mutationID string, e *entity[V], before EntityState[V], cause error) (EntityState[V], error) {
	c.mu.Lock()
	e.phase = Idle
	st := e.snapshot()
	c.mu.Unlock()

	c.logger.Warn("refresh read failed, keeping optimistic value; local state may diverge from server",
		"entity", entityID,
		"mutation", mutationID,
		"error", cause,
	)
	c.notify(entityID, st)

	readErr := &ReconciliationReadError{EntityID: entityID, MutationID: mutationID, Err: cause}
	c.finish(ctx, MutationRecord{
		ID:       mutationID,
		EntityID: entityID,
		Outcome:  OutcomeReadFailed,
		Before:   before.Value,
		After:    st.Value,
		BeforeAt: before.LastSyncedAt,
		AfterAt:  st.LastSyncedAt,
		Error:    readErr.Error(),
	})
	return st, readErr
}

// entityLocked returns the entity, creating it on first observation.
// Caller holds c.mu.
func (c *Controller[V]) entityLocked(entityID string) *entity[V] {
	e, ok := c.entities[entityID]
	if !ok {
		e = &entity[V]{}
		c.entities[entityID] = e
	}
	return e
}

// notify calls every observer of entityID with st.
func (c *Controller[V]) notify(entityID string, st EntityState[V]) {
	c.mu.Lock()
	obs := c.observers[entityID]
	fns := make([]Observer[V], 0, len(obs))
	ids := make([]uint64, 0, len(obs))
	for id := range obs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, obs[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		c.safeObserve(fn, entityID, st)
	}
}

func (c *Controller[V]) safeObserve(fn Observer[V], entityID string, st EntityState[V]) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("observer panicked",
				"entity", entityID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(entityID, st)
}

// finish counts and journals a terminal outcome. Journal failures are
// logged and never change the mutation result.
func (c *Controller[V]) finish(ctx context.Context, rec MutationRecord) {
	c.metrics.Mutation(string(rec.Outcome))
	if c.journal == nil {
		return
	}
	// The caller's ctx may already be cancelled (e.g. timeout); the journal
	// entry must still be written.
	if err := c.journal.RecordMutation(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Error("journal write failed",
			"entity", rec.EntityID,
			"mutation", rec.ID,
			"error", err,
		)
	}
}

// bounded runs fn with a timeout and stops waiting when ctx is done even if
// fn ignores its context. A panic in fn is converted to an error.
func bounded[V any](ctx context.Context, timeout time.Duration, fn func(context.Context) (V, time.Time, error)) (V, time.Time, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		value V
		at    time.Time
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("remote call panicked: %v", r)}
			}
		}()
		v, at, err := fn(ctx)
		done <- result{value: v, at: at, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.at, r.err
	case <-ctx.Done():
		var zero V
		return zero, time.Time{}, ctx.Err()
	}
}
