package core

import (
	"aquasim/pkg/domain"
	"context"
	"fmt"
	"sort"
)

// TransferConservationRule enforces that fish are only ever moved, never
// created: transfer destinations start empty and end the transaction holding
// exactly what was transferred in, and no source gives away more than it held.
func TransferConservationRule() domain.Rule {
	return transferConservationRule{}
}

type transferConservationRule struct{}

func (transferConservationRule) Name() string { return "transfer_conservation" }

func (r transferConservationRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	created := make(map[string]struct{})
	sources := make(map[string]struct{})
	for _, change := range changes {
		switch change.Entity {
		case domain.EntityAssignment:
			a, ok := change.After.(domain.Assignment)
			if !ok || change.Action != domain.ActionCreate || a.Origin != domain.AssignmentTransfer {
				continue
			}
			created[a.ID] = struct{}{}
			if a.Population != 0 {
				res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityAssignment, a.ID,
					fmt.Sprintf("transfer destination %s created with population %d", a.ID, a.Population)))
			}
		case domain.EntityTransfer:
			t, ok := change.After.(domain.Transfer)
			if !ok {
				continue
			}
			if t.Count < 0 {
				res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityTransfer, t.ID,
					fmt.Sprintf("transfer %s moves negative count %d", t.ID, t.Count)))
			}
			sources[t.SourceAssignmentID] = struct{}{}
		}
	}
	if len(created) == 0 && len(sources) == 0 {
		return res, nil
	}

	inbound := make(map[string]int64)
	outbound := make(map[string]int64)
	for _, t := range view.ListTransfers() {
		if t.DestinationAssignmentID != "" {
			inbound[t.DestinationAssignmentID] += t.Count
		}
		outbound[t.SourceAssignmentID] += t.Count
	}

	for _, id := range sortedSet(created) {
		a, ok := view.FindAssignment(id)
		if !ok {
			continue
		}
		if a.Population != inbound[id] {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityAssignment, id,
				fmt.Sprintf("destination %s holds %d but received %d", id, a.Population, inbound[id])))
		}
	}
	for _, id := range sortedSet(sources) {
		a, ok := view.FindAssignment(id)
		if !ok {
			continue
		}
		if outbound[id] > a.Population {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityAssignment, id,
				fmt.Sprintf("source %s transferred %d but held %d", id, outbound[id], a.Population)))
		}
	}
	return res, nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
