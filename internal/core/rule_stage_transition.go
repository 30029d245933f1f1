package core

import (
	"aquasim/internal/config"
	"aquasim/pkg/domain"
	"context"
	"fmt"
)

// StageTransitionRule blocks cohort stage moves that skip or reverse the
// configured sequence, and any move out of the terminal harvested stage.
func StageTransitionRule(stages []config.Stage) domain.Rule {
	order := make(map[domain.Stage]int, len(stages)+1)
	for i, s := range stages {
		order[s.Name] = i
	}
	order[domain.StageHarvested] = len(stages)
	return stageTransitionRule{order: order}
}

type stageTransitionRule struct {
	order map[domain.Stage]int
}

func (stageTransitionRule) Name() string { return "stage_transition" }

func (r stageTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityCohort {
			continue
		}
		after, ok := change.After.(domain.Cohort)
		if !ok {
			continue
		}
		to, valid := r.order[after.Stage]
		if !valid {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityCohort, after.ID,
				fmt.Sprintf("cohort %s set to unknown stage %s", after.ID, after.Stage)))
			continue
		}
		if (after.Status == domain.CohortHarvested) != (after.Stage == domain.StageHarvested) {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityCohort, after.ID,
				fmt.Sprintf("cohort %s status %s disagrees with stage %s", after.ID, after.Status, after.Stage)))
		}
		before, ok := change.Before.(domain.Cohort)
		if !ok || before.Stage == after.Stage {
			continue
		}
		if before.Stage == domain.StageHarvested {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityCohort, after.ID,
				fmt.Sprintf("cannot move cohort %s from terminal stage %s to %s", after.ID, before.Stage, after.Stage)))
			continue
		}
		from := r.order[before.Stage]
		if after.Stage != domain.StageHarvested && to != from+1 {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityCohort, after.ID,
				fmt.Sprintf("cohort %s cannot move from %s to %s", after.ID, before.Stage, after.Stage)))
		}
	}
	return res, nil
}
