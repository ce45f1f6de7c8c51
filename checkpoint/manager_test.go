package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store unavailable")

// failingSaver simulates an unavailable backing store.
type failingSaver struct{}

func (failingSaver) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	return nil, errStoreDown
}

func (failingSaver) List(ctx context.Context, cfg Config, filter *Filter) ([]*Tuple, error) {
	return nil, errStoreDown
}

func (failingSaver) Put(ctx context.Context, req PutRequest) (Config, error) {
	return Config{}, errStoreDown
}

func (failingSaver) PutWrites(ctx context.Context, req PutWritesRequest) error {
	return errStoreDown
}

func (failingSaver) DeleteThread(ctx context.Context, threadID string) error {
	return errStoreDown
}

func (failingSaver) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, errStoreDown
}

func (failingSaver) Threads(ctx context.Context) ([]ThreadState, error) {
	return nil, errStoreDown
}

func (failingSaver) Close() error { return nil }

// recordingSaver captures puts for assertions.
type recordingSaver struct {
	failingSaver
	puts []PutRequest
}

func (s *recordingSaver) Put(ctx context.Context, req PutRequest) (Config, error) {
	s.puts = append(s.puts, req)
	return req.Config.WithCheckpointID(req.Checkpoint.ID), nil
}

func TestManagerNilSaverIsNoOp(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	assert.False(t, m.Enabled())
	assert.Nil(t, m.Save(ctx, NewConfig("t"), map[string]any{"k": "v"}, SourceFinalize, 1, ""))
	assert.Nil(t, m.Latest(ctx, "t"))
	assert.Nil(t, m.List(ctx, "t", 10))
	assert.NoError(t, m.DeleteThread(ctx, "t"))

	n, err := m.CleanupBefore(ctx, time.Now())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestManagerSwallowsSaverFailures(t *testing.T) {
	m := NewManager(failingSaver{})
	ctx := context.Background()

	assert.True(t, m.Enabled())
	assert.Nil(t, m.Save(ctx, NewConfig("t"), map[string]any{"k": "v"}, SourceFinalize, 1, ""),
		"a failed put returns nil instead of propagating")
	assert.Nil(t, m.Latest(ctx, "t"))
	assert.Nil(t, m.List(ctx, "t", 10))
	assert.Nil(t, m.Threads(ctx))
}

func TestManagerSavePropagatesParentAndMetadata(t *testing.T) {
	saver := &recordingSaver{}
	m := NewManager(saver)

	ckpt := m.Save(context.Background(), NewConfig("t"), map[string]any{"k": "v"}, SourceFinalize, 3, "parent-id")
	require.NotNil(t, ckpt)
	assert.Equal(t, "parent-id", ckpt.ParentCheckpointID)

	require.Len(t, saver.puts, 1)
	put := saver.puts[0]
	assert.Equal(t, SourceFinalize, put.Metadata.Source)
	assert.Equal(t, 3, put.Metadata.Step)
	assert.Equal(t, "v", put.Checkpoint.ChannelValues["k"])
}

func TestManagerLatestRequiresThreadID(t *testing.T) {
	m := NewManager(&recordingSaver{})
	assert.Nil(t, m.Latest(context.Background(), ""))
}

func TestDeepCopyValuesIsolation(t *testing.T) {
	src := map[string]any{"nested": map[string]any{"a": "x"}}
	dst := DeepCopyValues(src)
	dst["nested"].(map[string]any)["a"] = "changed"
	assert.Equal(t, "x", src["nested"].(map[string]any)["a"])
}

func TestCheckpointFork(t *testing.T) {
	parent := New(map[string]any{"k": "v"})
	child := parent.Fork()

	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, parent.ID, child.ParentCheckpointID)
	assert.Equal(t, "v", child.ChannelValues["k"])
}
