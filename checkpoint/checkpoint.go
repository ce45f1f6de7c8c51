// Package checkpoint defines durable snapshots of conversation state and the
// storage contract for persisting them. Checkpoints are advisory recovery
// aids keyed by conversation thread, not a replicated log.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current checkpoint payload version. Rehydration code
// must tolerate older versions by defaulting missing or malformed fields.
const SchemaVersion = 1

// Metadata.Source values.
const (
	// SourceInput marks a checkpoint written before the first node ran.
	SourceInput = "input"
	// SourceLoop marks a checkpoint written mid-turn.
	SourceLoop = "loop"
	// SourceFinalize marks the checkpoint written after a completed turn.
	SourceFinalize = "finalize"
	// SourceUpdate marks a checkpoint written by a manual state update.
	SourceUpdate = "update"
)

// DefaultNamespace is the namespace used when callers do not partition
// checkpoints further than the thread.
const DefaultNamespace = ""

// Errors returned by savers.
var (
	ErrThreadIDRequired = errors.New("thread_id is required")
	ErrNilCheckpoint    = errors.New("checkpoint cannot be nil")
)

// Checkpoint is a durable snapshot of conversation state at one point in a
// turn. Checkpoints of a thread form a parent-linked chain; "latest" is
// defined by creation time, never by walking the chain.
type Checkpoint struct {
	Version            int              `json:"v"`
	ID                 string           `json:"id"`
	Timestamp          time.Time        `json:"ts"`
	ChannelValues      map[string]any   `json:"channel_values"`
	ChannelVersions    map[string]int64 `json:"channel_versions"`
	ParentCheckpointID string           `json:"parent_checkpoint_id,omitempty"`
}

// New creates a checkpoint over the given serializable state projection.
func New(channelValues map[string]any) *Checkpoint {
	if channelValues == nil {
		channelValues = make(map[string]any)
	}
	versions := make(map[string]int64, len(channelValues))
	for k := range channelValues {
		versions[k] = 1
	}
	return &Checkpoint{
		Version:         SchemaVersion,
		ID:              uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   channelValues,
		ChannelVersions: versions,
	}
}

// Copy returns a deep copy preserving the ID.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	versions := make(map[string]int64, len(c.ChannelVersions))
	for k, v := range c.ChannelVersions {
		versions[k] = v
	}
	return &Checkpoint{
		Version:            c.Version,
		ID:                 c.ID,
		Timestamp:          c.Timestamp,
		ChannelValues:      DeepCopyValues(c.ChannelValues),
		ChannelVersions:    versions,
		ParentCheckpointID: c.ParentCheckpointID,
	}
}

// Fork returns a copy with a fresh ID whose parent is the receiver.
func (c *Checkpoint) Fork() *Checkpoint {
	forked := c.Copy()
	forked.ParentCheckpointID = c.ID
	forked.ID = uuid.New().String()
	forked.Timestamp = time.Now().UTC()
	return forked
}

// Metadata describes how a checkpoint came to be. It is diagnostic data, not
// load-bearing for correctness.
type Metadata struct {
	// Source indicates which phase wrote the checkpoint.
	Source string `json:"source"`
	// Step is the iteration count at write time.
	Step int `json:"step"`
	// Parents maps namespaces to parent checkpoint IDs.
	Parents map[string]string `json:"parents,omitempty"`
	// Extra carries free-form diagnostic fields.
	Extra map[string]any `json:"extra,omitempty"`
}

// NewMetadata creates metadata for a checkpoint write.
func NewMetadata(source string, step int) *Metadata {
	return &Metadata{Source: source, Step: step, Parents: make(map[string]string)}
}

// PendingWrite is one per-task write attached to a checkpoint, persisted so a
// resumed turn can observe work recorded after the snapshot.
type PendingWrite struct {
	TaskID   string `json:"task_id"`
	Channel  string `json:"channel"`
	Value    any    `json:"value"`
	Sequence int64  `json:"sequence"`
}

// Config addresses a checkpoint: the thread (conversation) it belongs to, an
// optional namespace, and optionally one specific checkpoint ID. A zero
// CheckpointID means "latest".
type Config struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
}

// NewConfig creates a config addressing the latest checkpoint of a thread.
func NewConfig(threadID string) Config {
	return Config{ThreadID: threadID, Namespace: DefaultNamespace}
}

// WithCheckpointID returns a copy of the config pinned to one checkpoint.
func (c Config) WithCheckpointID(id string) Config {
	c.CheckpointID = id
	return c
}

// Tuple bundles a checkpoint with its address, metadata, and pending writes.
type Tuple struct {
	Config        Config
	Checkpoint    *Checkpoint
	Metadata      *Metadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
}

// Filter narrows List results.
type Filter struct {
	// BeforeID limits results to checkpoints created before the named one.
	BeforeID string
	// Limit caps the number of results; 0 means no cap.
	Limit int
}

// ThreadState is a read-only view of a thread's checkpoint activity, used for
// monitoring and cleanup prioritization.
type ThreadState struct {
	ThreadID         string    `json:"thread_id"`
	LastCheckpointID string    `json:"last_checkpoint_id"`
	LastUpdated      time.Time `json:"last_updated"`
}

// PutRequest carries one checkpoint write.
type PutRequest struct {
	Config     Config
	Checkpoint *Checkpoint
	Metadata   *Metadata
}

// PutWritesRequest carries pending writes for an existing checkpoint.
type PutWritesRequest struct {
	Config   Config
	TaskID   string
	TaskPath string
	Writes   []PendingWrite
}

// Saver is the storage contract. Persistence is keyed by
// (thread_id, namespace, checkpoint_id) with upsert-on-conflict semantics:
// re-putting the same ID overwrites. Implementations must be safe for
// concurrent use.
type Saver interface {
	// GetTuple returns the addressed checkpoint, or the latest one of the
	// thread when Config.CheckpointID is empty. A missing checkpoint is
	// (nil, nil), not an error.
	GetTuple(ctx context.Context, cfg Config) (*Tuple, error)
	// List returns checkpoints of a thread newest-first.
	List(ctx context.Context, cfg Config, filter *Filter) ([]*Tuple, error)
	// Put stores a checkpoint and returns its pinned config.
	Put(ctx context.Context, req PutRequest) (Config, error)
	// PutWrites stores pending writes linked to a checkpoint.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// DeleteThread removes all checkpoints and writes of a thread.
	DeleteThread(ctx context.Context, threadID string) error
	// CleanupBefore deletes checkpoints older than cutoff across all threads
	// and returns how many were removed.
	CleanupBefore(ctx context.Context, cutoff time.Time) (int, error)
	// Threads lists per-thread activity, most recent first.
	Threads(ctx context.Context) ([]ThreadState, error)
	// Close releases backing resources.
	Close() error
}

// DeepCopyValues deep-copies a channel-values map via a JSON round trip so a
// saver can serialize concurrently with ongoing node execution. Values that
// do not marshal are kept by reference.
func DeepCopyValues(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopy(v)
	}
	return dst
}

func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}
