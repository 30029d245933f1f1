package domain

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatalf("expected no blocking violations")
	}
	result.Merge(Result{})
	result.Merge(Result{Violations: []Violation{{Rule: "container_capacity", Severity: SeverityBlock, Message: "over capacity"}}})
	if !result.HasBlocking() || len(result.Violations) != 2 {
		t.Fatalf("expected blocking violation, got %+v", result)
	}
	err := error(RuleViolationError{Result: result})
	if !strings.Contains(err.Error(), "warn") {
		t.Fatalf("error should name the first violation: %v", err)
	}
	var rv RuleViolationError
	if !errors.As(err, &rv) || len(rv.Result.Violations) != 2 {
		t.Fatalf("errors.As failed: %v", err)
	}
	if (RuleViolationError{}).Error() != "transaction blocked by rules" {
		t.Fatalf("empty result message")
	}
}

type staticRule struct{ name string }

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(_ context.Context, view RuleView, changes []Change) (Result, error) {
	var res Result
	for _, c := range changes {
		res.Violations = append(res.Violations, Violation{Rule: r.name, Severity: SeverityWarn, Entity: c.Entity})
	}
	return res, nil
}

type errorRule struct{}

func (errorRule) Name() string { return "error" }

func (errorRule) Evaluate(context.Context, RuleView, []Change) (Result, error) {
	return Result{}, errors.New("boom")
}

type emptyView struct{}

func (emptyView) ListCohorts() []Cohort                    { return nil }
func (emptyView) ListContainers() []Container              { return nil }
func (emptyView) ListAssignments() []Assignment            { return nil }
func (emptyView) ListTransfers() []Transfer                { return nil }
func (emptyView) FindCohort(string) (Cohort, bool)         { return Cohort{}, false }
func (emptyView) FindContainer(string) (Container, bool)   { return Container{}, false }
func (emptyView) FindAssignment(string) (Assignment, bool) { return Assignment{}, false }

func TestRulesEngineEvaluate(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"a"})
	engine.Register(staticRule{"b"})
	if got := engine.Rules(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("rules %v", got)
	}
	changes := []Change{{Entity: EntityCohort, Action: ActionCreate}}
	res, err := engine.Evaluate(context.Background(), emptyView{}, changes)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 2 || res.Violations[0].Rule != "a" || res.Violations[1].Entity != EntityCohort {
		t.Fatalf("unexpected result %+v", res)
	}

	engine.Register(errorRule{})
	if _, err := engine.Evaluate(context.Background(), emptyView{}, changes); err == nil {
		t.Fatalf("expected evaluation error")
	}
}
