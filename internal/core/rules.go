package core

import (
	"aquasim/internal/config"
	"aquasim/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set for
// the configured stage table.
func NewDefaultRulesEngine(cfg config.Config) *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	for _, rule := range defaultRules(cfg) {
		engine.Register(rule)
	}
	return engine
}

func defaultRules(cfg config.Config) []domain.Rule {
	return []domain.Rule{
		ContainerCapacityRule(cfg.Stages),
		StageTransitionRule(cfg.Stages),
		AssignmentWindowRule(),
		TransferConservationRule(),
	}
}

func blocking(rule string, entity domain.EntityType, id, message string) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: domain.SeverityBlock,
		Message:  message,
		Entity:   entity,
		EntityID: id,
	}
}

// assignmentChange extracts the post-change assignment, if any.
func assignmentChange(change domain.Change) (domain.Assignment, bool) {
	if change.Entity != domain.EntityAssignment {
		return domain.Assignment{}, false
	}
	a, ok := change.After.(domain.Assignment)
	return a, ok
}

type openLister interface {
	OpenAssignments(containerID string) []domain.Assignment
}

// openIn returns the open assignments hosted by containerID.
func openIn(view domain.RuleView, containerID string) []domain.Assignment {
	if l, ok := view.(openLister); ok {
		return l.OpenAssignments(containerID)
	}
	var out []domain.Assignment
	for _, a := range view.ListAssignments() {
		if a.ContainerID == containerID && a.IsOpen() {
			out = append(out, a)
		}
	}
	return out
}

func toSet[T comparable](values ...T) map[T]struct{} {
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
