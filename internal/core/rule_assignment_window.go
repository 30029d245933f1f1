package core

import (
	"aquasim/pkg/domain"
	"context"
	"fmt"
	"sort"
)

// AssignmentWindowRule keeps assignment windows well formed: end never before
// start, closed assignments stay closed, at most one open assignment per
// (cohort, stage, container) and one open stage per cohort.
func AssignmentWindowRule() domain.Rule {
	return assignmentWindowRule{}
}

type assignmentWindowRule struct{}

func (assignmentWindowRule) Name() string { return "assignment_window" }

func (r assignmentWindowRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	cohorts := make(map[string]struct{})
	for _, change := range changes {
		a, ok := assignmentChange(change)
		if !ok {
			continue
		}
		cohorts[a.CohortID] = struct{}{}
		if a.EndDate != nil && domain.Day(*a.EndDate).Before(domain.Day(a.StartDate)) {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityAssignment, a.ID,
				fmt.Sprintf("assignment %s ends %s before it starts %s", a.ID,
					a.EndDate.Format("2006-01-02"), a.StartDate.Format("2006-01-02"))))
		}
		if before, ok := change.Before.(domain.Assignment); ok && !before.IsOpen() && a.IsOpen() {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityAssignment, a.ID,
				fmt.Sprintf("assignment %s cannot be reopened", a.ID)))
		}
	}
	if len(cohorts) == 0 {
		return res, nil
	}

	type slot struct {
		stage     domain.Stage
		container string
	}
	open := make(map[string]map[slot]int)
	stages := make(map[string]map[domain.Stage]struct{})
	for _, a := range view.ListAssignments() {
		if _, ok := cohorts[a.CohortID]; !ok || !a.IsOpen() {
			continue
		}
		if open[a.CohortID] == nil {
			open[a.CohortID] = make(map[slot]int)
			stages[a.CohortID] = make(map[domain.Stage]struct{})
		}
		open[a.CohortID][slot{a.Stage, a.ContainerID}]++
		stages[a.CohortID][a.Stage] = struct{}{}
	}
	ids := make([]string, 0, len(open))
	for id := range open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for s, n := range open[id] {
			if n > 1 {
				res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityCohort, id,
					fmt.Sprintf("cohort %s has %d open %s assignments in container %s", id, n, s.stage, s.container)))
			}
		}
		if len(stages[id]) > 1 {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityCohort, id,
				fmt.Sprintf("cohort %s has open assignments in %d stages", id, len(stages[id]))))
		}
	}
	return res, nil
}
