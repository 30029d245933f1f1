package sqlstore

import (
	"aquasim/pkg/domain"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// SaveCheckpoint stores cp, replacing any checkpoint with the same run and sequence.
func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint run id required")
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	id := fmt.Sprintf("%s/%06d", cp.RunID, cp.Sequence)
	q := fmt.Sprintf("INSERT INTO checkpoints (id, run_id, seq, date_unix, payload) VALUES (%s) "+
		"ON CONFLICT (id) DO UPDATE SET date_unix = excluded.date_unix, payload = excluded.payload",
		s.dialect.placeholders(1, 5))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, q, id, cp.RunID, int64(cp.Sequence), cp.Date.Unix(), payload); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for runID.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (domain.Checkpoint, bool, error) {
	q := "SELECT seq, payload FROM checkpoints WHERE run_id = " + s.dialect.Placeholder(1)
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("select checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var best []byte
	bestSeq := int64(-1)
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return domain.Checkpoint{}, false, fmt.Errorf("scan checkpoint: %w", err)
		}
		if seq > bestSeq {
			bestSeq, best = seq, payload
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("iterate checkpoints: %w", err)
	}
	if best == nil {
		return domain.Checkpoint{}, false, nil
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(best, &cp); err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, true, nil
}

// ListCheckpoints describes the stored checkpoints of runID in sequence order.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]domain.CheckpointInfo, error) {
	q := "SELECT run_id, seq, date_unix FROM checkpoints WHERE run_id = " + s.dialect.Placeholder(1)
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.CheckpointInfo
	for rows.Next() {
		var info domain.CheckpointInfo
		var seq, date int64
		if err := rows.Scan(&info.RunID, &seq, &date); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		info.Sequence = int(seq)
		info.Date = time.Unix(date, 0).UTC()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Rewind deletes the run's facts after cp.Date and then restores the entity
// state; the commit hook writes the restored rows through.
func (s *Store) Rewind(ctx context.Context, cp domain.Checkpoint) error {
	ids := s.RunAssignmentIDs(cp.RunID)
	from := domain.Day(cp.Date).Add(24 * time.Hour)
	if err := s.deleteFactsFrom(ctx, ids, from); err != nil {
		return fmt.Errorf("rewind %s: %w", cp.RunID, err)
	}
	if err := s.Store.Rewind(ctx, cp); err != nil {
		return fmt.Errorf("rewind %s: %w", cp.RunID, err)
	}
	return nil
}
