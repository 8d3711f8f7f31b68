package store

import (
	"context"
	"fmt"

	"github.com/roach88/livesync/internal/optimistic"
	"github.com/roach88/livesync/internal/reconcile"
	"github.com/roach88/livesync/internal/record"
)

// RecordMutation journals one terminal mutation outcome.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - rewriting a mutation ID
// is silently ignored.
//
// Implements optimistic.Journal.
func (s *Store) RecordMutation(ctx context.Context, rec optimistic.MutationRecord) error {
	before, err := marshalValue(rec.Before)
	if err != nil {
		return fmt.Errorf("record mutation %s: %w", rec.ID, err)
	}
	after, err := marshalValue(rec.After)
	if err != nil {
		return fmt.Errorf("record mutation %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mutations
		(id, seq, entity_id, outcome, before_value, after_value, before_at, after_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		s.nextSeq(),
		rec.EntityID,
		string(rec.Outcome),
		before,
		after,
		formatTime(rec.BeforeAt),
		formatTime(rec.AfterAt),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("record mutation %s: %w", rec.ID, err)
	}
	return nil
}

// WriteDelivery journals one reconciler decision for a change.
//
// The change is identified by its content-addressed ID, so a change seen
// again with the same decision (redelivery, or a second subscriber) bumps
// count and keeps the first seq.
func (s *Store) WriteDelivery(ctx context.Context, c record.Change, d reconcile.Decision) error {
	id, err := record.ChangeID(c)
	if err != nil {
		return fmt.Errorf("write delivery: %w", err)
	}
	rec, err := record.MarshalCanonical(map[string]any(c.Record))
	if err != nil {
		return fmt.Errorf("write delivery: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deliveries
		(change_id, decision, seq, topic, kind, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(change_id, decision) DO UPDATE SET count = count + 1
	`,
		id,
		d.String(),
		s.nextSeq(),
		c.Topic,
		string(c.Kind),
		string(rec),
	)
	if err != nil {
		return fmt.Errorf("write delivery: %w", err)
	}
	return nil
}

// TraceDelivery is WriteDelivery for the multiplexer's fan-out path, which
// has no caller to return an error to. Failures are logged.
//
// Implements realtime.Tracer.
func (s *Store) TraceDelivery(c record.Change, d reconcile.Decision) {
	if err := s.WriteDelivery(context.Background(), c, d); err != nil {
		s.logger.Error("journal delivery failed",
			"topic", c.Topic,
			"decision", d.String(),
			"error", err,
		)
	}
}
