// Package inmemory provides an in-memory checkpoint saver for tests and
// single-process deployments.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/velora-ai/convoflow/checkpoint"
)

// DefaultMaxPerThread caps retained checkpoints per thread; the oldest are
// evicted first.
const DefaultMaxPerThread = 100

type key struct {
	namespace    string
	checkpointID string
}

// Saver keeps checkpoints in process memory. Safe for concurrent use.
type Saver struct {
	mu           sync.RWMutex
	tuples       map[string]map[key]*checkpoint.Tuple         // threadID -> (ns, id) -> tuple
	writes       map[string]map[key][]checkpoint.PendingWrite // threadID -> (ns, id) -> writes
	maxPerThread int
}

// NewSaver creates an empty in-memory saver.
func NewSaver() *Saver {
	return &Saver{
		tuples:       make(map[string]map[key]*checkpoint.Tuple),
		writes:       make(map[string]map[key][]checkpoint.PendingWrite),
		maxPerThread: DefaultMaxPerThread,
	}
}

// WithMaxPerThread overrides the per-thread retention cap.
func (s *Saver) WithMaxPerThread(n int) *Saver {
	s.maxPerThread = n
	return s
}

// GetTuple returns the addressed checkpoint, or latest when no ID is set.
func (s *Saver) GetTuple(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg.ThreadID == "" {
		return nil, checkpoint.ErrThreadIDRequired
	}
	byKey, ok := s.tuples[cfg.ThreadID]
	if !ok {
		return nil, nil
	}
	if cfg.CheckpointID != "" {
		t, ok := byKey[key{cfg.Namespace, cfg.CheckpointID}]
		if !ok {
			return nil, nil
		}
		return s.result(cfg.ThreadID, t), nil
	}
	var latest *checkpoint.Tuple
	for k, t := range byKey {
		if cfg.Namespace != "" && k.namespace != cfg.Namespace {
			continue
		}
		if latest == nil || t.Checkpoint.Timestamp.After(latest.Checkpoint.Timestamp) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	return s.result(cfg.ThreadID, latest), nil
}

// result attaches pending writes and returns a caller-owned copy.
func (s *Saver) result(threadID string, t *checkpoint.Tuple) *checkpoint.Tuple {
	out := &checkpoint.Tuple{
		Config:     t.Config,
		Checkpoint: t.Checkpoint.Copy(),
		Metadata:   t.Metadata,
	}
	if parent := t.Checkpoint.ParentCheckpointID; parent != "" {
		cfg := t.Config.WithCheckpointID(parent)
		out.ParentConfig = &cfg
	}
	if byKey, ok := s.writes[threadID]; ok {
		out.PendingWrites = append(out.PendingWrites,
			byKey[key{t.Config.Namespace, t.Checkpoint.ID}]...)
	}
	return out
}

// List returns a thread's checkpoints newest-first.
func (s *Saver) List(
	ctx context.Context, cfg checkpoint.Config, filter *checkpoint.Filter,
) ([]*checkpoint.Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg.ThreadID == "" {
		return nil, checkpoint.ErrThreadIDRequired
	}
	byKey := s.tuples[cfg.ThreadID]
	all := make([]*checkpoint.Tuple, 0, len(byKey))
	for k, t := range byKey {
		if cfg.Namespace != "" && k.namespace != cfg.Namespace {
			continue
		}
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Checkpoint.Timestamp.After(all[j].Checkpoint.Timestamp)
	})
	var beforeTS time.Time
	if filter != nil && filter.BeforeID != "" {
		for _, t := range all {
			if t.Checkpoint.ID == filter.BeforeID {
				beforeTS = t.Checkpoint.Timestamp
				break
			}
		}
	}
	out := make([]*checkpoint.Tuple, 0, len(all))
	for _, t := range all {
		if !beforeTS.IsZero() && !t.Checkpoint.Timestamp.Before(beforeTS) {
			continue
		}
		out = append(out, s.result(cfg.ThreadID, t))
		if filter != nil && filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Put stores a checkpoint, overwriting any existing one with the same ID.
func (s *Saver) Put(ctx context.Context, req checkpoint.PutRequest) (checkpoint.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Config.ThreadID == "" {
		return checkpoint.Config{}, checkpoint.ErrThreadIDRequired
	}
	if req.Checkpoint == nil {
		return checkpoint.Config{}, checkpoint.ErrNilCheckpoint
	}
	byKey, ok := s.tuples[req.Config.ThreadID]
	if !ok {
		byKey = make(map[key]*checkpoint.Tuple)
		s.tuples[req.Config.ThreadID] = byKey
	}
	pinned := req.Config.WithCheckpointID(req.Checkpoint.ID)
	byKey[key{req.Config.Namespace, req.Checkpoint.ID}] = &checkpoint.Tuple{
		Config:     pinned,
		Checkpoint: req.Checkpoint.Copy(),
		Metadata:   req.Metadata,
	}
	s.evictOldest(req.Config.ThreadID)
	return pinned, nil
}

// evictOldest drops the oldest checkpoints past the retention cap.
func (s *Saver) evictOldest(threadID string) {
	byKey := s.tuples[threadID]
	if s.maxPerThread <= 0 || len(byKey) <= s.maxPerThread {
		return
	}
	type entry struct {
		k  key
		ts time.Time
	}
	entries := make([]entry, 0, len(byKey))
	for k, t := range byKey {
		entries = append(entries, entry{k, t.Checkpoint.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
	for _, e := range entries[:len(entries)-s.maxPerThread] {
		delete(byKey, e.k)
		if w, ok := s.writes[threadID]; ok {
			delete(w, e.k)
		}
	}
}

// PutWrites stores pending writes for a checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req checkpoint.PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Config.ThreadID == "" || req.Config.CheckpointID == "" {
		return checkpoint.ErrThreadIDRequired
	}
	byKey, ok := s.writes[req.Config.ThreadID]
	if !ok {
		byKey = make(map[key][]checkpoint.PendingWrite)
		s.writes[req.Config.ThreadID] = byKey
	}
	k := key{req.Config.Namespace, req.Config.CheckpointID}
	byKey[k] = append(byKey[k], req.Writes...)
	return nil
}

// DeleteThread removes everything stored for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threadID == "" {
		return checkpoint.ErrThreadIDRequired
	}
	delete(s.tuples, threadID)
	delete(s.writes, threadID)
	return nil
}

// CleanupBefore removes checkpoints older than cutoff across all threads.
func (s *Saver) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for threadID, byKey := range s.tuples {
		for k, t := range byKey {
			if t.Checkpoint.Timestamp.Before(cutoff) {
				delete(byKey, k)
				if w, ok := s.writes[threadID]; ok {
					delete(w, k)
				}
				removed++
			}
		}
		if len(byKey) == 0 {
			delete(s.tuples, threadID)
			delete(s.writes, threadID)
		}
	}
	return removed, nil
}

// Threads lists per-thread activity, most recent first.
func (s *Saver) Threads(ctx context.Context) ([]checkpoint.ThreadState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]checkpoint.ThreadState, 0, len(s.tuples))
	for threadID, byKey := range s.tuples {
		var last *checkpoint.Checkpoint
		for _, t := range byKey {
			if last == nil || t.Checkpoint.Timestamp.After(last.Timestamp) {
				last = t.Checkpoint
			}
		}
		if last == nil {
			continue
		}
		out = append(out, checkpoint.ThreadState{
			ThreadID:         threadID,
			LastCheckpointID: last.ID,
			LastUpdated:      last.Timestamp,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	return out, nil
}

// Close is a no-op for the in-memory saver.
func (s *Saver) Close() error {
	return nil
}
