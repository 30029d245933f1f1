package memory

import (
	"aquasim/pkg/domain"
	"context"
	"sort"
	"sync"
)

type factLog struct {
	mu    sync.RWMutex
	ids   map[string]struct{}
	facts []domain.Fact
}

func newFactLog() *factLog {
	return &factLog{ids: make(map[string]struct{})}
}

// FactMatcher evaluates a FactFilter against individual facts. Cohort ids are
// resolved to assignment ids up front.
type FactMatcher struct {
	assignments map[string]struct{}
	kinds       map[domain.FactKind]struct{}
	filter      domain.FactFilter
	empty       bool
}

// NewFactMatcher builds a matcher; cohortAssignments holds the assignment ids
// of filter.CohortIDs.
func NewFactMatcher(filter domain.FactFilter, cohortAssignments []string) FactMatcher {
	m := FactMatcher{filter: filter}
	if len(filter.AssignmentIDs) > 0 || len(filter.CohortIDs) > 0 {
		m.assignments = make(map[string]struct{})
		for _, id := range filter.AssignmentIDs {
			m.assignments[id] = struct{}{}
		}
		for _, id := range cohortAssignments {
			m.assignments[id] = struct{}{}
		}
		m.empty = len(m.assignments) == 0
	}
	if len(filter.Kinds) > 0 {
		m.kinds = make(map[domain.FactKind]struct{}, len(filter.Kinds))
		for _, k := range filter.Kinds {
			m.kinds[k] = struct{}{}
		}
	}
	return m
}

// Match reports whether f satisfies the filter.
func (m FactMatcher) Match(f domain.Fact) bool {
	if m.empty {
		return false
	}
	if m.assignments != nil {
		if _, ok := m.assignments[f.AssignmentID]; !ok {
			return false
		}
	}
	if m.kinds != nil {
		if _, ok := m.kinds[f.Kind]; !ok {
			return false
		}
	}
	if m.filter.From != nil && f.At.Before(*m.filter.From) {
		return false
	}
	if m.filter.Until != nil && !f.At.Before(*m.filter.Until) {
		return false
	}
	return true
}

// AssignmentIDs returns the resolved assignment set in sorted order, or nil
// when the filter does not restrict assignments.
func (m FactMatcher) AssignmentIDs() []string {
	if m.assignments == nil {
		return nil
	}
	out := make([]string, 0, len(m.assignments))
	for id := range m.assignments {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Restricted reports whether the filter limits assignments.
func (m FactMatcher) Restricted() bool { return m.assignments != nil }

func (s *Store) matcher(filter domain.FactFilter) FactMatcher {
	return NewFactMatcher(filter, s.AssignmentIDsForCohorts(filter.CohortIDs))
}

// AppendFacts inserts facts, ignoring ids that already exist.
func (s *Store) AppendFacts(_ context.Context, facts []domain.Fact) error {
	for _, f := range facts {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	s.facts.mu.Lock()
	defer s.facts.mu.Unlock()
	for _, f := range facts {
		if _, dup := s.facts.ids[f.ID]; dup {
			continue
		}
		s.facts.ids[f.ID] = struct{}{}
		s.facts.facts = append(s.facts.facts, f)
	}
	return nil
}

// ListFacts returns matching facts ordered by timestamp then id.
func (s *Store) ListFacts(_ context.Context, filter domain.FactFilter) ([]domain.Fact, error) {
	m := s.matcher(filter)
	s.facts.mu.RLock()
	var out []domain.Fact
	for _, f := range s.facts.facts {
		if m.Match(f) {
			out = append(out, f)
		}
	}
	s.facts.mu.RUnlock()
	SortFacts(out)
	return out, nil
}

// SortFacts orders facts by timestamp then id.
func SortFacts(facts []domain.Fact) {
	sort.Slice(facts, func(i, j int) bool {
		if !facts[i].At.Equal(facts[j].At) {
			return facts[i].At.Before(facts[j].At)
		}
		return facts[i].ID < facts[j].ID
	})
}

// FactStats aggregates matching facts.
func (s *Store) FactStats(_ context.Context, filter domain.FactFilter) (domain.FactStats, error) {
	m := s.matcher(filter)
	stats := domain.FactStats{ByKind: make(map[domain.FactKind]int64)}
	s.facts.mu.RLock()
	defer s.facts.mu.RUnlock()
	for _, f := range s.facts.facts {
		if m.Match(f) {
			stats.Add(f)
		}
	}
	return stats, nil
}

// DeleteFacts removes matching facts and returns how many were dropped.
func (s *Store) DeleteFacts(_ context.Context, filter domain.FactFilter) (int64, error) {
	return s.deleteFacts(s.matcher(filter)), nil
}

func (s *Store) deleteFacts(m FactMatcher) int64 {
	s.facts.mu.Lock()
	defer s.facts.mu.Unlock()
	kept := s.facts.facts[:0]
	var dropped int64
	for _, f := range s.facts.facts {
		if m.Match(f) {
			delete(s.facts.ids, f.ID)
			dropped++
			continue
		}
		kept = append(kept, f)
	}
	clear(s.facts.facts[len(kept):])
	s.facts.facts = kept
	return dropped
}
