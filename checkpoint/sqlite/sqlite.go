// Package sqlite provides a SQLite-backed checkpoint saver. Checkpoints and
// metadata are stored as JSON blobs keyed by (thread_id, checkpoint_ns,
// checkpoint_id); latest lookups are ordered by creation timestamp.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/velora-ai/convoflow/checkpoint"
)

const (
	createCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"parent_checkpoint_id TEXT, " +
		"ts INTEGER NOT NULL, " +
		"checkpoint_json BLOB NOT NULL, " +
		"metadata_json BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)" +
		")"

	createCheckpointsIdx = "CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_ts " +
		"ON checkpoints (thread_id, ts DESC)"

	createWrites = "CREATE TABLE IF NOT EXISTS checkpoint_writes (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"task_id TEXT NOT NULL, " +
		"idx INTEGER NOT NULL, " +
		"channel TEXT NOT NULL, " +
		"value_json BLOB NOT NULL, " +
		"task_path TEXT, " +
		"seq INTEGER NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)" +
		")"

	insertCheckpoint = "INSERT OR REPLACE INTO checkpoints (" +
		"thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, ts, " +
		"checkpoint_json, metadata_json) VALUES (?, ?, ?, ?, ?, ?, ?)"

	selectLatest = "SELECT checkpoint_id, parent_checkpoint_id, checkpoint_json, metadata_json " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? ORDER BY ts DESC LIMIT 1"

	selectLatestAnyNS = "SELECT checkpoint_id, parent_checkpoint_id, checkpoint_json, metadata_json, checkpoint_ns " +
		"FROM checkpoints WHERE thread_id = ? ORDER BY ts DESC LIMIT 1"

	selectByID = "SELECT parent_checkpoint_id, checkpoint_json, metadata_json " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? LIMIT 1"

	insertWrite = "INSERT OR REPLACE INTO checkpoint_writes (" +
		"thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value_json, task_path, seq) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"

	selectWrites = "SELECT task_id, channel, value_json, seq FROM checkpoint_writes " +
		"WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? ORDER BY seq"

	deleteThreadCkpts  = "DELETE FROM checkpoints WHERE thread_id = ?"
	deleteThreadWrites = "DELETE FROM checkpoint_writes WHERE thread_id = ?"

	cleanupCkpts  = "DELETE FROM checkpoints WHERE ts < ?"
	cleanupWrites = "DELETE FROM checkpoint_writes WHERE (thread_id, checkpoint_ns, checkpoint_id) NOT IN " +
		"(SELECT thread_id, checkpoint_ns, checkpoint_id FROM checkpoints)"

	selectThreads = "SELECT thread_id, checkpoint_id, MAX(ts) FROM checkpoints " +
		"GROUP BY thread_id ORDER BY MAX(ts) DESC"
)

// Saver persists checkpoints in SQLite via an initialized *sql.DB.
type Saver struct {
	db *sql.DB
}

// NewSaver creates the schema if needed and returns a saver over db.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	for _, stmt := range []string{createCheckpoints, createCheckpointsIdx, createWrites} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create checkpoint schema: %w", err)
		}
	}
	return &Saver{db: db}, nil
}

// GetTuple returns the addressed checkpoint or latest when no ID is given.
func (s *Saver) GetTuple(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Tuple, error) {
	if cfg.ThreadID == "" {
		return nil, checkpoint.ErrThreadIDRequired
	}
	var (
		checkpointJSON, metadataJSON []byte
		parentID                     sql.NullString
		id                           = cfg.CheckpointID
		ns                           = cfg.Namespace
		err                          error
	)
	switch {
	case id != "":
		row := s.db.QueryRowContext(ctx, selectByID, cfg.ThreadID, ns, id)
		err = row.Scan(&parentID, &checkpointJSON, &metadataJSON)
	case ns != "":
		row := s.db.QueryRowContext(ctx, selectLatest, cfg.ThreadID, ns)
		err = row.Scan(&id, &parentID, &checkpointJSON, &metadataJSON)
	default:
		row := s.db.QueryRowContext(ctx, selectLatestAnyNS, cfg.ThreadID)
		err = row.Scan(&id, &parentID, &checkpointJSON, &metadataJSON, &ns)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	return s.buildTuple(ctx, checkpoint.Config{ThreadID: cfg.ThreadID, Namespace: ns, CheckpointID: id},
		parentID.String, checkpointJSON, metadataJSON)
}

func (s *Saver) buildTuple(
	ctx context.Context, cfg checkpoint.Config, parentID string, checkpointJSON, metadataJSON []byte,
) (*checkpoint.Tuple, error) {
	var ckpt checkpoint.Checkpoint
	if err := json.Unmarshal(checkpointJSON, &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	var meta checkpoint.Metadata
	if err := json.Unmarshal(metadataJSON, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	writes, err := s.loadWrites(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tuple := &checkpoint.Tuple{
		Config:        cfg,
		Checkpoint:    &ckpt,
		Metadata:      &meta,
		PendingWrites: writes,
	}
	if parentID != "" {
		parentCfg := cfg.WithCheckpointID(parentID)
		tuple.ParentConfig = &parentCfg
	}
	return tuple, nil
}

// List returns checkpoints of a thread newest-first.
func (s *Saver) List(
	ctx context.Context, cfg checkpoint.Config, filter *checkpoint.Filter,
) ([]*checkpoint.Tuple, error) {
	if cfg.ThreadID == "" {
		return nil, checkpoint.ErrThreadIDRequired
	}
	q := "SELECT checkpoint_id, checkpoint_ns FROM checkpoints WHERE thread_id = ?"
	args := []any{cfg.ThreadID}
	if cfg.Namespace != "" {
		q += " AND checkpoint_ns = ?"
		args = append(args, cfg.Namespace)
	}
	if filter != nil && filter.BeforeID != "" {
		q += " AND ts < (SELECT ts FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ? LIMIT 1)"
		args = append(args, cfg.ThreadID, filter.BeforeID)
	}
	q += " ORDER BY ts DESC"
	if filter != nil && filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()
	var tuples []*checkpoint.Tuple
	for rows.Next() {
		var id, ns string
		if err := rows.Scan(&id, &ns); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		tuple, err := s.GetTuple(ctx, checkpoint.Config{
			ThreadID: cfg.ThreadID, Namespace: ns, CheckpointID: id,
		})
		if err != nil {
			return nil, err
		}
		if tuple != nil {
			tuples = append(tuples, tuple)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter checkpoints: %w", err)
	}
	return tuples, nil
}

// Put upserts a checkpoint and returns its pinned config.
func (s *Saver) Put(ctx context.Context, req checkpoint.PutRequest) (checkpoint.Config, error) {
	if req.Config.ThreadID == "" {
		return checkpoint.Config{}, checkpoint.ErrThreadIDRequired
	}
	if req.Checkpoint == nil {
		return checkpoint.Config{}, checkpoint.ErrNilCheckpoint
	}
	checkpointJSON, err := json.Marshal(req.Checkpoint)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("marshal checkpoint: %w", err)
	}
	meta := req.Metadata
	if meta == nil {
		meta = checkpoint.NewMetadata(checkpoint.SourceUpdate, 0)
	}
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("marshal metadata: %w", err)
	}
	ts := req.Checkpoint.Timestamp.UnixNano()
	if req.Checkpoint.Timestamp.IsZero() {
		ts = time.Now().UTC().UnixNano()
	}
	_, err = s.db.ExecContext(ctx, insertCheckpoint,
		req.Config.ThreadID,
		req.Config.Namespace,
		req.Checkpoint.ID,
		req.Checkpoint.ParentCheckpointID,
		ts,
		checkpointJSON,
		metadataJSON,
	)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	return req.Config.WithCheckpointID(req.Checkpoint.ID), nil
}

// PutWrites stores pending writes linked to a checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req checkpoint.PutWritesRequest) error {
	if req.Config.ThreadID == "" || req.Config.CheckpointID == "" {
		return checkpoint.ErrThreadIDRequired
	}
	for idx, w := range req.Writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal write value: %w", err)
		}
		seq := w.Sequence
		if seq == 0 {
			seq = int64(idx)
		}
		_, err = s.db.ExecContext(ctx, insertWrite,
			req.Config.ThreadID,
			req.Config.Namespace,
			req.Config.CheckpointID,
			req.TaskID,
			idx,
			w.Channel,
			valueJSON,
			req.TaskPath,
			seq,
		)
		if err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	return nil
}

// DeleteThread removes all checkpoints and writes of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return checkpoint.ErrThreadIDRequired
	}
	if _, err := s.db.ExecContext(ctx, deleteThreadCkpts, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, deleteThreadWrites, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return nil
}

// CleanupBefore deletes checkpoints older than cutoff plus orphaned writes.
func (s *Saver) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, cleanupCkpts, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, cleanupWrites); err != nil {
		return 0, fmt.Errorf("cleanup writes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// Threads lists per-thread activity, most recent first.
func (s *Saver) Threads(ctx context.Context) ([]checkpoint.ThreadState, error) {
	rows, err := s.db.QueryContext(ctx, selectThreads)
	if err != nil {
		return nil, fmt.Errorf("select threads: %w", err)
	}
	defer rows.Close()
	var out []checkpoint.ThreadState
	for rows.Next() {
		var st checkpoint.ThreadState
		var ts int64
		if err := rows.Scan(&st.ThreadID, &st.LastCheckpointID, &ts); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		st.LastUpdated = time.Unix(0, ts).UTC()
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter threads: %w", err)
	}
	return out, nil
}

// Close closes the underlying database handle.
func (s *Saver) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Saver) loadWrites(ctx context.Context, cfg checkpoint.Config) ([]checkpoint.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, selectWrites, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()
	var writes []checkpoint.PendingWrite
	for rows.Next() {
		var w checkpoint.PendingWrite
		var valueJSON []byte
		if err := rows.Scan(&w.TaskID, &w.Channel, &valueJSON, &w.Sequence); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		if err := json.Unmarshal(valueJSON, &w.Value); err != nil {
			return nil, fmt.Errorf("unmarshal write value: %w", err)
		}
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter writes: %w", err)
	}
	return writes, nil
}
