package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livesync/internal/optimistic"
	"github.com/roach88/livesync/internal/reconcile"
)

func TestReadMutation_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ReadMutation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadMutations_FilterAndOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordMutation(ctx, createTestMutation("m-b", "creator-2", optimistic.OutcomeConfirmed)))
	require.NoError(t, s.RecordMutation(ctx, createTestMutation("m-a", "creator-1", optimistic.OutcomeDropped)))
	require.NoError(t, s.RecordMutation(ctx, createTestMutation("m-c", "creator-1", optimistic.OutcomeRolledBack)))

	all, err := s.ReadMutations(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"m-b", "m-a", "m-c"}, []string{all[0].ID, all[1].ID, all[2].ID})

	one, err := s.ReadMutations(ctx, "creator-1")
	require.NoError(t, err)
	require.Len(t, one, 2)
	assert.Equal(t, "m-a", one[0].ID)
	assert.Equal(t, "m-c", one[1].ID)

	none, err := s.ReadMutations(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	entities, err := s.ListEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"creator-1", "creator-2"}, entities)
}

func TestReadDeliveries_AllTopics(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteDelivery(ctx, createTestChange("a", "1"), reconcile.Deliver))
	require.NoError(t, s.WriteDelivery(ctx, createTestChange("b", "2"), reconcile.DropStale))

	all, err := s.ReadDeliveries(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Topic)
	assert.Equal(t, "b", all[1].Topic)

	counts, err := s.DecisionCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"delivered": 1, "stale": 1}, counts)
}

func TestTimeline_MergesInSeqOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteDelivery(ctx, createTestChange("a", "1"), reconcile.Deliver))
	require.NoError(t, s.RecordMutation(ctx, createTestMutation("m-1", "e", optimistic.OutcomeConfirmed)))
	require.NoError(t, s.WriteDelivery(ctx, createTestChange("a", "2"), reconcile.DropSelfEcho))

	events, err := s.Timeline(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, EventDelivery, events[0].Type)
	assert.Equal(t, EventMutation, events[1].Type)
	assert.Equal(t, "m-1", events[1].Mutation.ID)
	assert.Equal(t, EventDelivery, events[2].Type)
	assert.Equal(t, "self_echo", events[2].Delivery.Decision)
	assert.Equal(t, []int64{1, 2, 3}, []int64{events[0].Seq, events[1].Seq, events[2].Seq})

	assert.Equal(t, "mutation", EventMutation.String())
	assert.Equal(t, "delivery", EventDelivery.String())
}

func TestGetLastSeq_ResumesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.RecordMutation(ctx, createTestMutation("m-1", "e", optimistic.OutcomeConfirmed)))
	require.NoError(t, s1.WriteDelivery(ctx, createTestChange("a", "1"), reconcile.Deliver))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	last, err := s2.GetLastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	require.NoError(t, s2.RecordMutation(ctx, createTestMutation("m-2", "e", optimistic.OutcomeConfirmed)))
	m, err := s2.ReadMutation(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Seq)
}

func TestGetLastSeq_Empty(t *testing.T) {
	s := createTestStore(t)
	last, err := s.GetLastSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
}
