package sqlstore

import (
	"aquasim/internal/infra/persistence/memory"
	"aquasim/pkg/domain"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	factRowsPerInsert = 200
	idsPerDelete      = 500
)

// AppendFacts inserts facts in batched multi-row statements, ignoring ids
// that already exist.
func (s *Store) AppendFacts(ctx context.Context, facts []domain.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	for _, f := range facts {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for start := 0; start < len(facts); start += factRowsPerInsert {
		end := min(start+factRowsPerInsert, len(facts))
		batch := facts[start:end]
		values := make([]string, len(batch))
		args := make([]any, 0, len(batch)*5)
		for i, f := range batch {
			payload, err := json.Marshal(f)
			if err != nil {
				return fmt.Errorf("encode fact %s: %w", f.ID, err)
			}
			values[i] = "(" + s.dialect.placeholders(len(args)+1, 5) + ")"
			args = append(args, f.ID, f.AssignmentID, string(f.Kind), f.At.Unix(), payload)
		}
		q := "INSERT INTO facts (id, assignment_id, kind, at_unix, payload) VALUES " +
			strings.Join(values, ", ") + " ON CONFLICT (id) DO NOTHING"
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert facts: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit facts: %w", err)
	}
	committed = true
	return nil
}

// factWhere builds the predicate for filter. ok is false when the filter can
// match nothing.
func (s *Store) factWhere(filter domain.FactFilter) (w *where, ok bool) {
	m := memory.NewFactMatcher(filter, s.AssignmentIDsForCohorts(filter.CohortIDs))
	w = &where{d: s.dialect}
	if m.Restricted() {
		ids := m.AssignmentIDs()
		if len(ids) == 0 {
			return nil, false
		}
		w.in("assignment_id", ids)
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		w.in("kind", kinds)
	}
	if filter.From != nil {
		w.cmp("at_unix", ">=", filter.From.Unix())
	}
	if filter.Until != nil {
		w.cmp("at_unix", "<", filter.Until.Unix())
	}
	return w, true
}

// ListFacts returns matching facts ordered by timestamp then id.
func (s *Store) ListFacts(ctx context.Context, filter domain.FactFilter) ([]domain.Fact, error) {
	w, ok := s.factWhere(filter)
	if !ok {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id, payload FROM facts"+w.String(), w.args...)
	if err != nil {
		return nil, fmt.Errorf("select facts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Fact
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		var f domain.Fact
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("decode fact %s: %w", id, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	memory.SortFacts(out)
	return out, nil
}

// FactStats aggregates matching facts.
func (s *Store) FactStats(ctx context.Context, filter domain.FactFilter) (domain.FactStats, error) {
	facts, err := s.ListFacts(ctx, filter)
	if err != nil {
		return domain.FactStats{}, err
	}
	stats := domain.FactStats{ByKind: make(map[domain.FactKind]int64)}
	for _, f := range facts {
		stats.Add(f)
	}
	return stats, nil
}

// DeleteFacts removes matching facts and returns how many were dropped.
func (s *Store) DeleteFacts(ctx context.Context, filter domain.FactFilter) (int64, error) {
	w, ok := s.factWhere(filter)
	if !ok {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM facts"+w.String(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("delete facts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete facts: %w", err)
	}
	return n, nil
}

// deleteFactsFrom drops facts of the given assignments at or after from.
func (s *Store) deleteFactsFrom(ctx context.Context, ids []string, from time.Time) error {
	for start := 0; start < len(ids); start += idsPerDelete {
		end := min(start+idsPerDelete, len(ids))
		w := &where{d: s.dialect}
		w.in("assignment_id", ids[start:end])
		w.cmp("at_unix", ">=", from.Unix())
		s.mu.Lock()
		_, err := s.db.ExecContext(ctx, "DELETE FROM facts"+w.String(), w.args...)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("delete facts: %w", err)
		}
	}
	return nil
}
