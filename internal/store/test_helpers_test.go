package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/livesync/internal/optimistic"
	"github.com/roach88/livesync/internal/record"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMutation creates a mutation record with minimal required fields.
func createTestMutation(id, entityID string, outcome optimistic.Outcome) optimistic.MutationRecord {
	return optimistic.MutationRecord{
		ID:       id,
		EntityID: entityID,
		Outcome:  outcome,
		Before:   optimistic.Follow{Following: false, Followers: 10},
		After:    optimistic.Follow{Following: true, Followers: 11},
		BeforeAt: testEpoch,
		AfterAt:  testEpoch.Add(time.Second),
	}
}

// createTestChange creates a change on topic with a single id field.
func createTestChange(topic, id string) record.Change {
	return record.Change{
		Topic:  topic,
		Kind:   record.KindInsert,
		Record: record.Record{"id": id, "user_id": "u1"},
	}
}
