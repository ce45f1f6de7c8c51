package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora-ai/convoflow/checkpoint"
)

func newTestSaver(t *testing.T) *Saver {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	s, err := NewSaver(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putAt(t *testing.T, s *Saver, threadID string, ts time.Time, values map[string]any) *checkpoint.Checkpoint {
	t.Helper()
	ckpt := checkpoint.New(values)
	ckpt.Timestamp = ts
	_, err := s.Put(context.Background(), checkpoint.PutRequest{
		Config:     checkpoint.NewConfig(threadID),
		Checkpoint: ckpt,
		Metadata:   checkpoint.NewMetadata(checkpoint.SourceFinalize, 2),
	})
	require.NoError(t, err)
	return ckpt
}

func TestPutAndGetLatest(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	now := time.Now().UTC()

	putAt(t, s, "thread-1", now.Add(-time.Minute), map[string]any{"final_response": "older"})
	newest := putAt(t, s, "thread-1", now, map[string]any{"final_response": "newest"})

	tuple, err := s.GetTuple(ctx, checkpoint.NewConfig("thread-1"))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, newest.ID, tuple.Checkpoint.ID)
	assert.Equal(t, "newest", tuple.Checkpoint.ChannelValues["final_response"])
	assert.Equal(t, checkpoint.SourceFinalize, tuple.Metadata.Source)
	assert.Equal(t, 2, tuple.Metadata.Step)
}

func TestPutDefaultsZeroTimestampToNow(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()

	putAt(t, s, "thread-1", time.Now().UTC().Add(-time.Hour), map[string]any{"final_response": "stamped"})

	unstamped := checkpoint.New(map[string]any{"final_response": "unstamped"})
	unstamped.Timestamp = time.Time{}
	_, err := s.Put(ctx, checkpoint.PutRequest{
		Config:     checkpoint.NewConfig("thread-1"),
		Checkpoint: unstamped,
	})
	require.NoError(t, err)

	// An unstamped checkpoint is stored at write time, not as the oldest row.
	tuple, err := s.GetTuple(ctx, checkpoint.NewConfig("thread-1"))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, unstamped.ID, tuple.Checkpoint.ID)
}

func TestGetTupleByIDAndParentConfig(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	now := time.Now().UTC()

	parent := putAt(t, s, "thread-1", now.Add(-time.Minute), map[string]any{"n": 1})
	child := checkpoint.New(map[string]any{"n": 2})
	child.Timestamp = now
	child.ParentCheckpointID = parent.ID
	_, err := s.Put(ctx, checkpoint.PutRequest{
		Config:     checkpoint.NewConfig("thread-1"),
		Checkpoint: child,
	})
	require.NoError(t, err)

	tuple, err := s.GetTuple(ctx, checkpoint.NewConfig("thread-1").WithCheckpointID(child.ID))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.NotNil(t, tuple.ParentConfig)
	assert.Equal(t, parent.ID, tuple.ParentConfig.CheckpointID)
}

func TestGetTupleMissing(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()

	tuple, err := s.GetTuple(ctx, checkpoint.NewConfig("nope"))
	require.NoError(t, err)
	assert.Nil(t, tuple, "missing thread is nil, not an error")

	_, err = s.GetTuple(ctx, checkpoint.Config{})
	require.ErrorIs(t, err, checkpoint.ErrThreadIDRequired)
}

func TestPutUpserts(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	cfg := checkpoint.NewConfig("thread-1")

	ckpt := checkpoint.New(map[string]any{"n": 1})
	_, err := s.Put(ctx, checkpoint.PutRequest{Config: cfg, Checkpoint: ckpt})
	require.NoError(t, err)

	ckpt.ChannelValues["n"] = 2
	_, err = s.Put(ctx, checkpoint.PutRequest{Config: cfg, Checkpoint: ckpt})
	require.NoError(t, err)

	tuples, err := s.List(ctx, cfg, nil)
	require.NoError(t, err)
	require.Len(t, tuples, 1, "same checkpoint ID overwrites")
	assert.EqualValues(t, 2, toInt(t, tuples[0].Checkpoint.ChannelValues["n"]))
}

func TestListNewestFirst(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	now := time.Now().UTC()
	var ids []string
	for i := 0; i < 4; i++ {
		c := putAt(t, s, "thread-1", now.Add(time.Duration(i)*time.Second), map[string]any{"n": i})
		ids = append(ids, c.ID)
	}

	tuples, err := s.List(ctx, checkpoint.NewConfig("thread-1"), &checkpoint.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, ids[3], tuples[0].Checkpoint.ID)
	assert.Equal(t, ids[2], tuples[1].Checkpoint.ID)

	tuples, err = s.List(ctx, checkpoint.NewConfig("thread-1"), &checkpoint.Filter{BeforeID: ids[2]})
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, ids[1], tuples[0].Checkpoint.ID)
}

func TestPendingWritesRoundTrip(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	ckpt := putAt(t, s, "thread-1", time.Now().UTC(), map[string]any{"n": 1})

	err := s.PutWrites(ctx, checkpoint.PutWritesRequest{
		Config: checkpoint.NewConfig("thread-1").WithCheckpointID(ckpt.ID),
		TaskID: "task-1",
		Writes: []checkpoint.PendingWrite{
			{TaskID: "task-1", Channel: "messages", Value: "pending reply", Sequence: 1},
			{TaskID: "task-1", Channel: "errors", Value: "timeout", Sequence: 2},
		},
	})
	require.NoError(t, err)

	tuple, err := s.GetTuple(ctx, checkpoint.NewConfig("thread-1"))
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, "messages", tuple.PendingWrites[0].Channel)
	assert.Equal(t, "pending reply", tuple.PendingWrites[0].Value)
}

func TestDeleteThread(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	putAt(t, s, "gone", time.Now().UTC(), map[string]any{"n": 1})
	putAt(t, s, "kept", time.Now().UTC(), map[string]any{"n": 2})

	require.NoError(t, s.DeleteThread(ctx, "gone"))

	tuple, err := s.GetTuple(ctx, checkpoint.NewConfig("gone"))
	require.NoError(t, err)
	assert.Nil(t, tuple)
	tuple, err = s.GetTuple(ctx, checkpoint.NewConfig("kept"))
	require.NoError(t, err)
	assert.NotNil(t, tuple)
}

func TestCleanupBefore(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	now := time.Now().UTC()
	expired := putAt(t, s, "thread-1", now.Add(-48*time.Hour), map[string]any{"n": 0})
	require.NoError(t, s.PutWrites(ctx, checkpoint.PutWritesRequest{
		Config: checkpoint.NewConfig("thread-1").WithCheckpointID(expired.ID),
		TaskID: "task-1",
		Writes: []checkpoint.PendingWrite{{TaskID: "task-1", Channel: "messages", Value: "x", Sequence: 1}},
	}))
	kept := putAt(t, s, "thread-1", now, map[string]any{"n": 1})

	removed, err := s.CleanupBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	tuple, err := s.GetTuple(ctx, checkpoint.NewConfig("thread-1"))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, kept.ID, tuple.Checkpoint.ID)
	assert.Empty(t, tuple.PendingWrites, "orphaned writes are cleaned with their checkpoints")
}

func TestThreads(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	now := time.Now().UTC()
	putAt(t, s, "old", now.Add(-time.Hour), map[string]any{"n": 1})
	newest := putAt(t, s, "fresh", now, map[string]any{"n": 2})

	states, err := s.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "fresh", states[0].ThreadID)
	assert.Equal(t, newest.ID, states[0].LastCheckpointID)
}

// toInt normalizes JSON-decoded numbers for assertions.
func toInt(t *testing.T, v any) int64 {
	t.Helper()
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	default:
		t.Fatalf("unexpected number type %T", v)
		return 0
	}
}
