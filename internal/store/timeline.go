package store

import (
	"context"
	"fmt"
	"sort"
)

// EventType distinguishes timeline entries.
type EventType int

const (
	EventMutation EventType = iota
	EventDelivery
)

// String returns the event type as a string.
func (t EventType) String() string {
	switch t {
	case EventMutation:
		return "mutation"
	case EventDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Event is one timeline entry: exactly one of Mutation or Delivery is set.
type Event struct {
	Type     EventType
	Seq      int64
	Mutation *Mutation
	Delivery *Delivery
}

// Timeline returns every journaled entry merged in seq order.
// The result reproduces the order in which the process observed mutations
// and deliveries.
func (s *Store) Timeline(ctx context.Context) ([]Event, error) {
	mutations, err := s.ReadMutations(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	deliveries, err := s.ReadDeliveries(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}

	events := make([]Event, 0, len(mutations)+len(deliveries))
	for i := range mutations {
		events = append(events, Event{Type: EventMutation, Seq: mutations[i].Seq, Mutation: &mutations[i]})
	}
	for i := range deliveries {
		events = append(events, Event{Type: EventDelivery, Seq: deliveries[i].Seq, Delivery: &deliveries[i]})
	}
	sortEvents(events)
	return events, nil
}

// sortEvents sorts by seq, with mutations before deliveries for equal seq.
// Seqs are unique per store, so ties only occur across merged journals.
func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Seq != events[j].Seq {
			return events[i].Seq < events[j].Seq
		}
		return events[i].Type < events[j].Type
	})
}

// GetLastSeq returns the highest seq number used in the store.
// Used on Open to resume the logical clock.
func (s *Store) GetLastSeq(ctx context.Context) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM (
			SELECT COALESCE(MAX(seq), 0) AS seq FROM mutations
			UNION ALL
			SELECT COALESCE(MAX(seq), 0) AS seq FROM deliveries
		)
	`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	return last, nil
}
