package core

import (
	"aquasim/internal/config"
	"aquasim/pkg/domain"
	"context"
	"fmt"
	"sort"
)

// ContainerCapacityRule keeps every touched container within capacity, hosting
// a single stage its type allows.
func ContainerCapacityRule(stages []config.Stage) domain.Rule {
	allowed := make(map[domain.Stage]map[domain.ContainerType]struct{}, len(stages))
	for _, s := range stages {
		allowed[s.Name] = toSet(s.ContainerTypes...)
	}
	return containerCapacityRule{allowed: allowed}
}

type containerCapacityRule struct {
	allowed map[domain.Stage]map[domain.ContainerType]struct{}
}

func (containerCapacityRule) Name() string { return "container_capacity" }

func (r containerCapacityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	touched := make(map[string]struct{})
	for _, change := range changes {
		if a, ok := assignmentChange(change); ok && a.IsOpen() {
			touched[a.ContainerID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := domain.Result{}
	for _, id := range ids {
		container, ok := view.FindContainer(id)
		if !ok {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityContainer, id,
				fmt.Sprintf("container %s not in catalog", id)))
			continue
		}
		var occupancy int64
		stages := make(map[domain.Stage]struct{})
		for _, a := range openIn(view, id) {
			occupancy += a.Population
			stages[a.Stage] = struct{}{}
			if types, known := r.allowed[a.Stage]; known {
				if _, ok := types[container.Type]; !ok {
					res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityAssignment, a.ID,
						fmt.Sprintf("container %s of type %s cannot host stage %s", id, container.Type, a.Stage)))
				}
			}
		}
		if occupancy > container.Capacity {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityContainer, id,
				fmt.Sprintf("container %s (%s) over capacity: %d/%d", container.Name, id, occupancy, container.Capacity)))
		}
		if len(stages) > 1 {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityContainer, id,
				fmt.Sprintf("container %s hosts %d stages at once", id, len(stages))))
		}
	}
	return res, nil
}
