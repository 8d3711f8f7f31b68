package optimistic

import (
	"context"
	"time"
)

// Outcome is the terminal result of one Mutate call.
type Outcome string

const (
	// OutcomeConfirmed means the server state was adopted.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeKeptLocal means the write succeeded but the server's
	// confirmation was older than the optimistic stamp.
	OutcomeKeptLocal Outcome = "kept_local"
	// OutcomeRolledBack means the write failed or timed out.
	OutcomeRolledBack Outcome = "rolled_back"
	// OutcomeReadFailed means the write succeeded but the refresh failed.
	OutcomeReadFailed Outcome = "read_failed"
	// OutcomeDropped means another mutation was in flight.
	OutcomeDropped Outcome = "dropped"
)

// MutationRecord is one journaled mutation.
//
// Before and After hold the entity value; journals serialize them as JSON.
type MutationRecord struct {
	ID       string
	EntityID string
	Outcome  Outcome
	Before   any
	After    any
	BeforeAt time.Time
	AfterAt  time.Time
	Error    string
}

// Journal persists mutation outcomes for debugging.
// Implemented by store.Store.
type Journal interface {
	RecordMutation(ctx context.Context, rec MutationRecord) error
}
