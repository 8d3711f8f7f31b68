package memsource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livesync/internal/record"
	"github.com/roach88/livesync/internal/stream"
)

func TestSource_OpenPublishClose(t *testing.T) {
	src := New()
	ctx := context.Background()

	s, err := src.OpenTopic(ctx, "follows:u1")
	require.NoError(t, err)
	assert.True(t, src.IsOpen("follows:u1"))
	assert.Equal(t, []string{"follows:u1"}, src.OpenTopics())

	require.True(t, src.Publish("follows:u1", record.KindInsert, record.Record{"id": "1"}))
	assert.Equal(t, 1, src.Pending("follows:u1"))

	c, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "follows:u1", c.Topic)
	assert.Equal(t, record.KindInsert, c.Kind)

	require.NoError(t, src.CloseTopic("follows:u1"))
	assert.False(t, src.IsOpen("follows:u1"))
	assert.Equal(t, 1, src.Opens("follows:u1"))
	assert.Equal(t, 1, src.Closes("follows:u1"))

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, stream.ErrClosed)
}

func TestSource_DoubleOpenRejected(t *testing.T) {
	src := New()
	_, err := src.OpenTopic(context.Background(), "t")
	require.NoError(t, err)

	_, err = src.OpenTopic(context.Background(), "t")
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestSource_CloseUnknown(t *testing.T) {
	assert.ErrorIs(t, New().CloseTopic("nope"), ErrNotOpen)
}

func TestSource_PublishWithoutStream(t *testing.T) {
	src := New()
	assert.False(t, src.Publish("t", record.KindUpdate, record.Record{}))
	assert.Equal(t, 0, src.Pending("t"))
}

func TestSource_FailOpen(t *testing.T) {
	src := New()
	boom := errors.New("boom")

	src.FailOpen("t", boom)
	_, err := src.OpenTopic(context.Background(), "t")
	assert.ErrorIs(t, err, boom)

	src.FailOpen("t", nil)
	_, err = src.OpenTopic(context.Background(), "t")
	assert.NoError(t, err)
}

func TestSource_OpenCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().OpenTopic(ctx, "t")
	assert.ErrorIs(t, err, context.Canceled)
}
