// Package reconcile decides whether a fanned-out change reaches a listener.
//
// The reconciler is a pure filter: it holds no state beyond the FilterConfig
// a subscriber supplied. Two checks run in order:
//
//  1. Self-echo suppression: the change was caused by the observing actor
//     (or by an account the caller chose to ignore), so the local optimistic
//     write already reflects it.
//  2. Staleness suppression: the change carries a freshness timestamp that
//     is not strictly newer than the caller's watermark.
//
// Missing metadata always fails open: a record without an actor field or
// without a readable timestamp is delivered.
package reconcile

import (
	"time"

	"github.com/roach88/livesync/internal/record"
)

// DefaultActorFields are tried in order when FilterConfig.ActorField is
// empty. Entity kinds name their actor column differently.
var DefaultActorFields = []string{"user_id", "added_by", "actor_id", "follower_id"}

// FilterConfig configures one subscription's filtering.
// The zero value delivers everything.
type FilterConfig struct {
	// IgnoreActorID suppresses changes whose actor equals this identity.
	IgnoreActorID string

	// AlsoIgnore lists further actor IDs to suppress, e.g. system or team
	// accounts. Product policy supplies these; nothing is hard-coded.
	AlsoIgnore []string

	// ActorField names the record field holding the actor ID.
	// Empty means DefaultActorFields, first present field wins.
	ActorField string

	// TimestampField names the record field holding the freshness instant.
	TimestampField string

	// MinTimestamp is the watermark: changes at or before it are stale.
	MinTimestamp time.Time

	// Watermark, when set, is read at evaluation time and takes precedence
	// over MinTimestamp. Lets a long-lived subscription follow a moving
	// watermark without resubscribing.
	Watermark *Watermark
}

// HasActorFilter reports whether self-echo suppression is active.
func (c FilterConfig) HasActorFilter() bool {
	return c.IgnoreActorID != "" || len(c.AlsoIgnore) > 0
}

// HasStalenessFilter reports whether staleness suppression is active.
func (c FilterConfig) HasStalenessFilter() bool {
	return c.TimestampField != "" && !c.minTimestamp().IsZero()
}

func (c FilterConfig) minTimestamp() time.Time {
	if c.Watermark != nil {
		return c.Watermark.Load()
	}
	return c.MinTimestamp
}

// Decision is the outcome of evaluating one record.
type Decision int

const (
	// Deliver means the change reaches the listener.
	Deliver Decision = iota
	// DropSelfEcho means the change was caused by an ignored actor.
	DropSelfEcho
	// DropStale means the change is not newer than the watermark.
	DropStale
)

// String returns the journal/metrics label for a decision.
func (d Decision) String() string {
	switch d {
	case Deliver:
		return "delivered"
	case DropSelfEcho:
		return "self_echo"
	case DropStale:
		return "stale"
	default:
		return "unknown"
	}
}

// ShouldDeliver reports whether rec passes cfg.
func ShouldDeliver(rec record.Record, cfg FilterConfig) bool {
	return Evaluate(rec, cfg) == Deliver
}

// Evaluate runs the self-echo and staleness checks and reports which, if
// any, suppressed the record.
func Evaluate(rec record.Record, cfg FilterConfig) Decision {
	if cfg.HasActorFilter() {
		if actor, ok := ActorOf(rec, cfg.ActorField); ok && isIgnored(actor, cfg) {
			return DropSelfEcho
		}
	}

	if floor := cfg.minTimestamp(); cfg.TimestampField != "" && !floor.IsZero() {
		ts, present, err := rec.Time(cfg.TimestampField)
		if err != nil {
			// Fail open: unreadable metadata must not block delivery.
			return Deliver
		}
		if present && !ts.After(floor) {
			return DropStale
		}
	}

	return Deliver
}

// ActorOf returns the actor ID of rec.
//
// When field is non-empty only that field is consulted. Otherwise
// DefaultActorFields are tried in order.
func ActorOf(rec record.Record, field string) (string, bool) {
	if field != "" {
		return rec.String(field)
	}
	for _, f := range DefaultActorFields {
		if actor, ok := rec.String(f); ok {
			return actor, true
		}
	}
	return "", false
}

func isIgnored(actor string, cfg FilterConfig) bool {
	if actor == "" {
		return false
	}
	if actor == cfg.IgnoreActorID {
		return true
	}
	for _, id := range cfg.AlsoIgnore {
		if actor == id {
			return true
		}
	}
	return false
}
