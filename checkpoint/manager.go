package checkpoint

import (
	"context"
	"time"

	"github.com/velora-ai/convoflow/log"
)

// Manager wraps a Saver with the best-effort semantics turn processing
// requires: every operation degrades to a no-op when the saver is absent or
// failing, and write failures are logged rather than propagated. A failed
// checkpoint put must never fail the turn that produced it.
type Manager struct {
	saver Saver
}

// NewManager creates a manager over saver. A nil saver disables persistence
// entirely; all operations become no-ops.
func NewManager(saver Saver) *Manager {
	return &Manager{saver: saver}
}

// Enabled reports whether a backing saver is configured.
func (m *Manager) Enabled() bool {
	return m != nil && m.saver != nil
}

// Save snapshots values as a new checkpoint of the thread. parentID links the
// chain; pass "" for the first checkpoint of a turn. Returns nil when
// persistence is disabled or the write failed.
func (m *Manager) Save(
	ctx context.Context, cfg Config, values map[string]any, source string, step int, parentID string,
) *Checkpoint {
	if !m.Enabled() {
		return nil
	}
	ckpt := New(DeepCopyValues(values))
	ckpt.ParentCheckpointID = parentID
	if _, err := m.saver.Put(ctx, PutRequest{
		Config:     cfg,
		Checkpoint: ckpt,
		Metadata:   NewMetadata(source, step),
	}); err != nil {
		log.Warnf("checkpoint put failed for thread %s: %v", cfg.ThreadID, err)
		return nil
	}
	return ckpt
}

// Latest returns the most recent checkpoint of a thread, or nil when none
// exists or the store is unavailable.
func (m *Manager) Latest(ctx context.Context, threadID string) *Tuple {
	if !m.Enabled() || threadID == "" {
		return nil
	}
	tuple, err := m.saver.GetTuple(ctx, NewConfig(threadID))
	if err != nil {
		log.Warnf("checkpoint lookup failed for thread %s: %v", threadID, err)
		return nil
	}
	return tuple
}

// List returns checkpoints of a thread newest-first; empty on any failure.
func (m *Manager) List(ctx context.Context, threadID string, limit int) []*Tuple {
	if !m.Enabled() {
		return nil
	}
	tuples, err := m.saver.List(ctx, NewConfig(threadID), &Filter{Limit: limit})
	if err != nil {
		log.Warnf("checkpoint list failed for thread %s: %v", threadID, err)
		return nil
	}
	return tuples
}

// DeleteThread removes all checkpoints of a thread.
func (m *Manager) DeleteThread(ctx context.Context, threadID string) error {
	if !m.Enabled() {
		return nil
	}
	return m.saver.DeleteThread(ctx, threadID)
}

// CleanupBefore deletes checkpoints older than cutoff and returns the count.
func (m *Manager) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if !m.Enabled() {
		return 0, nil
	}
	return m.saver.CleanupBefore(ctx, cutoff)
}

// Threads lists thread activity, most recent first.
func (m *Manager) Threads(ctx context.Context) []ThreadState {
	if !m.Enabled() {
		return nil
	}
	states, err := m.saver.Threads(ctx)
	if err != nil {
		log.Warnf("checkpoint thread listing failed: %v", err)
		return nil
	}
	return states
}

// StartCleanup runs CleanupBefore(now - maxAge) on its own timer, decoupled
// from request handling. The returned stop function halts the loop.
func (m *Manager) StartCleanup(interval, maxAge time.Duration) (stop func()) {
	done := make(chan struct{})
	if !m.Enabled() || interval <= 0 {
		return func() {}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				n, err := m.CleanupBefore(ctx, time.Now().Add(-maxAge))
				cancel()
				if err != nil {
					log.Warnf("checkpoint cleanup failed: %v", err)
				} else if n > 0 {
					log.Infof("checkpoint cleanup removed %d checkpoints", n)
				}
			}
		}
	}()
	return func() { close(done) }
}
