package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/livesync/internal/record"
)

// ErrNotFound is returned when a journal entry does not exist.
var ErrNotFound = errors.New("store: not found")

// Mutation is one journaled mutation outcome.
// Before and After are canonical JSON.
type Mutation struct {
	ID       string
	Seq      int64
	EntityID string
	Outcome  string
	Before   string
	After    string
	BeforeAt string
	AfterAt  string
	Error    string
}

// Delivery is one journaled (change, decision) pair.
// Record is canonical JSON.
type Delivery struct {
	ChangeID string
	Seq      int64
	Topic    string
	Kind     record.Kind
	Record   string
	Decision string
	Count    int
}

// ReadMutations returns the mutations for entityID, or every mutation when
// entityID is empty.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ReadMutations(ctx context.Context, entityID string) ([]Mutation, error) {
	query := `
		SELECT id, seq, entity_id, outcome, before_value, after_value, before_at, after_at, error
		FROM mutations
	`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY seq ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	defer rows.Close()

	mutations := []Mutation{}
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return mutations, nil
}

// ReadMutation returns a single mutation by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadMutation(ctx context.Context, id string) (Mutation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seq, entity_id, outcome, before_value, after_value, before_at, after_at, error
		FROM mutations
		WHERE id = ?
	`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mutation{}, fmt.Errorf("%w: mutation %s", ErrNotFound, id)
	}
	return m, err
}

// ReadDeliveries returns the deliveries on topic, or every delivery when
// topic is empty.
// Results are ordered deterministically: ORDER BY seq ASC, change_id ASC
// COLLATE BINARY, decision ASC.
func (s *Store) ReadDeliveries(ctx context.Context, topic string) ([]Delivery, error) {
	query := `
		SELECT change_id, seq, topic, kind, record, decision, count
		FROM deliveries
	`
	var args []any
	if topic != "" {
		query += ` WHERE topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY seq ASC, change_id COLLATE BINARY ASC, decision ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []Delivery{}
	for rows.Next() {
		var d Delivery
		var kind string
		if err := rows.Scan(&d.ChangeID, &d.Seq, &d.Topic, &kind, &d.Record, &d.Decision, &d.Count); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Kind = record.Kind(kind)
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return deliveries, nil
}

// DecisionCounts sums delivery counts per reconciler decision.
func (s *Store) DecisionCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision, SUM(count)
		FROM deliveries
		GROUP BY decision
		ORDER BY decision ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query decision counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var decision string
		var n int
		if err := rows.Scan(&decision, &n); err != nil {
			return nil, fmt.Errorf("scan decision count: %w", err)
		}
		counts[decision] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision counts: %w", err)
	}
	return counts, nil
}

// ListEntities returns every entity with journaled mutations, sorted.
func (s *Store) ListEntities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_id
		FROM mutations
		ORDER BY entity_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	entities := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (Mutation, error) {
	var m Mutation
	err := row.Scan(&m.ID, &m.Seq, &m.EntityID, &m.Outcome, &m.Before, &m.After, &m.BeforeAt, &m.AfterAt, &m.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return Mutation{}, err
	}
	if err != nil {
		return Mutation{}, fmt.Errorf("scan mutation: %w", err)
	}
	return m, nil
}
