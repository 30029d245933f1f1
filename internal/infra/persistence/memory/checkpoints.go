package memory

import (
	"aquasim/pkg/domain"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// CloneCheckpoint deep-copies a checkpoint so stored values never alias caller memory.
func CloneCheckpoint(cp domain.Checkpoint) domain.Checkpoint {
	out := cp
	out.Cohorts = make([]Cohort, len(cp.Cohorts))
	for i, c := range cp.Cohorts {
		out.Cohorts[i] = cloneCohort(c)
	}
	out.Assignments = make([]Assignment, len(cp.Assignments))
	for i, a := range cp.Assignments {
		out.Assignments[i] = cloneAssignment(a)
	}
	if cp.Reservations != nil {
		out.Reservations = make(map[string][]string, len(cp.Reservations))
		for k, v := range cp.Reservations {
			out.Reservations[k] = append([]string(nil), v...)
		}
	}
	if cp.Generators != nil {
		out.Generators = make(map[string]json.RawMessage, len(cp.Generators))
		for k, v := range cp.Generators {
			out.Generators[k] = append(json.RawMessage(nil), v...)
		}
	}
	out.Counters = cp.Counters.Clone()
	return out
}

// SaveCheckpoint stores cp, replacing any checkpoint with the same run and sequence.
func (s *Store) SaveCheckpoint(_ context.Context, cp domain.Checkpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint run id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, ok := s.checkpoints[cp.RunID]
	if !ok {
		runs = make(map[int]domain.Checkpoint)
		s.checkpoints[cp.RunID] = runs
	}
	runs[cp.Sequence] = CloneCheckpoint(cp)
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for runID.
func (s *Store) LatestCheckpoint(_ context.Context, runID string) (domain.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.checkpoints[runID]
	best, found := -1, false
	for seq := range runs {
		if seq > best {
			best, found = seq, true
		}
	}
	if !found {
		return domain.Checkpoint{}, false, nil
	}
	return CloneCheckpoint(runs[best]), true, nil
}

// ListCheckpoints describes the stored checkpoints of runID in sequence order.
func (s *Store) ListCheckpoints(_ context.Context, runID string) ([]domain.CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CheckpointInfo, 0, len(s.checkpoints[runID]))
	for _, cp := range s.checkpoints[runID] {
		out = append(out, domain.CheckpointInfo{RunID: cp.RunID, Sequence: cp.Sequence, Date: cp.Date})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Rewind drops the entity rows and facts the run produced after cp.Date and
// restores the cohorts and open assignments captured in cp. Commit hooks
// receive the resulting change set.
func (s *Store) Rewind(ctx context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.runAssignmentsLocked(&s.state, cp.RunID)
	next, changes := rewindState(&s.state, cp)
	if err := s.runHooks(ctx, changes); err != nil {
		return err
	}
	s.state = next

	if len(ids) > 0 {
		from := domain.Day(cp.Date).Add(24 * time.Hour)
		s.deleteFacts(NewFactMatcher(domain.FactFilter{AssignmentIDs: ids, From: &from}, nil))
	}
	return nil
}

// RunAssignmentIDs returns every assignment id belonging to cohorts of runID.
func (s *Store) RunAssignmentIDs(runID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runAssignmentsLocked(&s.state, runID)
}

func (s *Store) runAssignmentsLocked(state *memoryState, runID string) []string {
	var out []string
	for id, a := range state.assignments {
		if c, ok := state.cohorts[a.CohortID]; ok && c.RunID == runID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func rewindState(current *memoryState, cp domain.Checkpoint) (memoryState, []Change) {
	next := current.clone()
	var changes []Change
	cutoff := domain.Day(cp.Date)

	runCohorts := make(map[string]struct{})
	for id, c := range next.cohorts {
		if c.RunID == cp.RunID {
			runCohorts[id] = struct{}{}
		}
	}
	keepCohort := make(map[string]Cohort, len(cp.Cohorts))
	for _, c := range cp.Cohorts {
		keepCohort[c.ID] = c
		runCohorts[c.ID] = struct{}{}
	}
	keepAssignment := make(map[string]Assignment, len(cp.Assignments))
	for _, a := range cp.Assignments {
		keepAssignment[a.ID] = a
	}

	for _, id := range sortedKeys(next.transfers) {
		t := next.transfers[id]
		if _, ok := runCohorts[t.CohortID]; ok && domain.Day(t.Date).After(cutoff) {
			delete(next.transfers, id)
			changes = append(changes, Change{Entity: domain.EntityTransfer, Action: domain.ActionDelete, Before: t})
		}
	}
	for _, id := range sortedKeys(next.purchases) {
		p := next.purchases[id]
		if p.RunID == cp.RunID && domain.Day(p.OrderedOn).After(cutoff) {
			delete(next.purchases, id)
			changes = append(changes, Change{Entity: domain.EntityPurchase, Action: domain.ActionDelete, Before: p})
		}
	}
	for _, id := range sortedKeys(next.assignments) {
		a := next.assignments[id]
		if _, ok := runCohorts[a.CohortID]; !ok {
			continue
		}
		if restored, ok := keepAssignment[id]; ok {
			next.assignments[id] = cloneAssignment(restored)
			changes = append(changes, Change{Entity: domain.EntityAssignment, Action: domain.ActionUpdate, Before: a, After: cloneAssignment(restored)})
			delete(keepAssignment, id)
			continue
		}
		if domain.Day(a.StartDate).After(cutoff) {
			delete(next.assignments, id)
			changes = append(changes, Change{Entity: domain.EntityAssignment, Action: domain.ActionDelete, Before: a})
		}
	}
	for _, id := range sortedKeys(keepAssignment) {
		a := cloneAssignment(keepAssignment[id])
		next.assignments[id] = a
		changes = append(changes, Change{Entity: domain.EntityAssignment, Action: domain.ActionCreate, After: a})
	}
	for _, id := range sortedKeys(next.cohorts) {
		c := next.cohorts[id]
		if c.RunID != cp.RunID {
			continue
		}
		if _, ok := keepCohort[id]; !ok {
			delete(next.cohorts, id)
			changes = append(changes, Change{Entity: domain.EntityCohort, Action: domain.ActionDelete, Before: c})
		}
	}
	for _, id := range sortedKeys(keepCohort) {
		restored := cloneCohort(keepCohort[id])
		before, existed := next.cohorts[id]
		next.cohorts[id] = restored
		if existed {
			changes = append(changes, Change{Entity: domain.EntityCohort, Action: domain.ActionUpdate, Before: before, After: restored})
		} else {
			changes = append(changes, Change{Entity: domain.EntityCohort, Action: domain.ActionCreate, After: restored})
		}
	}
	// Assignments of deleted cohorts cannot outlive them.
	for _, id := range sortedKeys(next.assignments) {
		a := next.assignments[id]
		if _, ok := next.cohorts[a.CohortID]; !ok {
			delete(next.assignments, id)
			changes = append(changes, Change{Entity: domain.EntityAssignment, Action: domain.ActionDelete, Before: a})
		}
	}
	return next, changes
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
