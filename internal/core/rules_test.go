package core

import (
	"aquasim/internal/config"
	"aquasim/internal/infra/persistence/memory"
	"aquasim/pkg/domain"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var day0 = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

func newRuleStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore(NewDefaultRulesEngine(config.Default()))
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for _, c := range []domain.Container{
			{Base: domain.Base{ID: "tray-1"}, Name: "tray-1", Type: "incubation_tray", Capacity: 1000, Location: "h"},
			{Base: domain.Base{ID: "fry-1"}, Name: "fry-1", Type: "fry_tank", Capacity: 600, Location: "h"},
			{Base: domain.Base{ID: "fry-2"}, Name: "fry-2", Type: "fry_tank", Capacity: 600, Location: "h"},
		} {
			if _, err := tx.CreateContainer(c); err != nil {
				return err
			}
		}
		if _, err := tx.CreateCohort(domain.Cohort{Base: domain.Base{ID: "c1"}, RunID: "r", Stage: domain.StageEggAlevin, StartDate: day0}); err != nil {
			return err
		}
		_, err := tx.CreateAssignment(domain.Assignment{
			Base: domain.Base{ID: "a1"}, CohortID: "c1", ContainerID: "tray-1", Stage: domain.StageEggAlevin,
			Origin: domain.AssignmentIntake, StartDate: day0, Population: 900,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func expectViolation(t *testing.T, err error, rule string) {
	t.Helper()
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected rule violation from %s, got %v", rule, err)
	}
	for _, v := range rv.Result.Violations {
		if v.Rule == rule {
			return
		}
	}
	t.Fatalf("expected %s violation, got %+v", rule, rv.Result.Violations)
}

func TestDefaultRuleNames(t *testing.T) {
	names := NewDefaultRulesEngine(config.Default()).Rules()
	want := "container_capacity,stage_transition,assignment_window,transfer_conservation"
	if strings.Join(names, ",") != want {
		t.Fatalf("unexpected rules %v", names)
	}
}

// transition moves c1 from tray-1 into the fry tanks with the given split.
func transition(store *memory.Store, split map[string]int64, mutate func(tx domain.Transaction) error) error {
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		end := day0.AddDate(0, 0, 90)
		if _, err := tx.UpdateAssignment("a1", func(a *domain.Assignment) error {
			a.EndDate = &end
			return nil
		}); err != nil {
			return err
		}
		for _, id := range []string{"fry-1", "fry-2"} {
			n, ok := split[id]
			if !ok {
				continue
			}
			dest, err := tx.CreateAssignment(domain.Assignment{
				Base: domain.Base{ID: "d-" + id}, CohortID: "c1", ContainerID: id, Stage: domain.StageFry,
				Origin: domain.AssignmentTransfer, StartDate: end,
			})
			if err != nil {
				return err
			}
			if _, err := tx.CreateTransfer(domain.Transfer{
				Base: domain.Base{ID: "t-" + id}, CohortID: "c1", Kind: domain.TransferStage,
				SourceAssignmentID: "a1", DestinationAssignmentID: dest.ID, Date: end, Count: n,
			}); err != nil {
				return err
			}
			if _, err := tx.UpdateAssignment(dest.ID, func(a *domain.Assignment) error {
				a.Population = n
				return nil
			}); err != nil {
				return err
			}
		}
		if _, err := tx.UpdateCohort("c1", func(c *domain.Cohort) error {
			c.Stage = domain.StageFry
			return nil
		}); err != nil {
			return err
		}
		if mutate != nil {
			return mutate(tx)
		}
		return nil
	})
	return err
}

func TestValidTransitionCommits(t *testing.T) {
	store := newRuleStore(t)
	if err := transition(store, map[string]int64{"fry-1": 450, "fry-2": 450}, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	c, _ := store.GetCohort("c1")
	if c.Stage != domain.StageFry {
		t.Fatalf("expected fry, got %s", c.Stage)
	}
}

func TestContainerCapacityBlocksOverfill(t *testing.T) {
	store := newRuleStore(t)
	err := transition(store, map[string]int64{"fry-1": 900}, nil)
	expectViolation(t, err, "container_capacity")
	if a, _ := store.GetAssignment("a1"); !a.IsOpen() {
		t.Fatalf("blocked transaction must not close the source")
	}
}

func TestContainerCapacityBlocksIncompatibleType(t *testing.T) {
	store := newRuleStore(t)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateAssignment(domain.Assignment{
			Base: domain.Base{ID: "bad"}, CohortID: "c1", ContainerID: "fry-1", Stage: domain.StageEggAlevin,
			Origin: domain.AssignmentIntake, StartDate: day0, Population: 10,
		})
		return err
	})
	expectViolation(t, err, "container_capacity")
}

func TestTransferConservationBlocksCreatedFish(t *testing.T) {
	store := newRuleStore(t)
	err := transition(store, map[string]int64{"fry-1": 450, "fry-2": 450}, func(tx domain.Transaction) error {
		_, err := tx.UpdateAssignment("d-fry-1", func(a *domain.Assignment) error {
			a.Population = 500
			return nil
		})
		return err
	})
	expectViolation(t, err, "transfer_conservation")
}

func TestTransferConservationBlocksOverdraw(t *testing.T) {
	store := newRuleStore(t)
	err := transition(store, map[string]int64{"fry-1": 500, "fry-2": 500}, nil)
	expectViolation(t, err, "transfer_conservation")
}

func TestTransferConservationBlocksPrepopulatedDestination(t *testing.T) {
	store := newRuleStore(t)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateAssignment(domain.Assignment{
			Base: domain.Base{ID: "pre"}, CohortID: "c1", ContainerID: "fry-1", Stage: domain.StageEggAlevin,
			Origin: domain.AssignmentTransfer, StartDate: day0, Population: 5,
		})
		return err
	})
	expectViolation(t, err, "transfer_conservation")
}

func TestStageTransitionBlocksSkips(t *testing.T) {
	store := newRuleStore(t)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateCohort("c1", func(c *domain.Cohort) error {
			c.Stage = domain.StageSmolt
			return nil
		})
		return err
	})
	expectViolation(t, err, "stage_transition")
}

func TestStageTransitionHarvestIsTerminal(t *testing.T) {
	store := newRuleStore(t)
	setStage := func(stage domain.Stage, status domain.CohortStatus) error {
		_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			_, err := tx.UpdateCohort("c1", func(c *domain.Cohort) error {
				c.Stage = stage
				c.Status = status
				return nil
			})
			return err
		})
		return err
	}
	expectViolation(t, setStage(domain.StageHarvested, domain.CohortActive), "stage_transition")
	if err := setStage(domain.StageHarvested, domain.CohortHarvested); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	expectViolation(t, setStage(domain.StageFry, domain.CohortActive), "stage_transition")
}

func TestAssignmentWindowRules(t *testing.T) {
	cases := []struct {
		name string
		fn   func(tx domain.Transaction) error
	}{
		{"end before start", func(tx domain.Transaction) error {
			end := day0.AddDate(0, 0, -1)
			_, err := tx.UpdateAssignment("a1", func(a *domain.Assignment) error {
				a.EndDate = &end
				return nil
			})
			return err
		}},
		{"two stages open", func(tx domain.Transaction) error {
			_, err := tx.CreateAssignment(domain.Assignment{
				Base: domain.Base{ID: "x"}, CohortID: "c1", ContainerID: "fry-1", Stage: domain.StageFry,
				Origin: domain.AssignmentIntake, StartDate: day0, Population: 1,
			})
			return err
		}},
	}
	for _, tc := range cases {
		store := newRuleStore(t)
		_, err := store.RunInTransaction(context.Background(), tc.fn)
		if err == nil {
			t.Fatalf("%s: expected violation", tc.name)
		}
		expectViolation(t, err, "assignment_window")
	}
}

func TestAssignmentWindowBlocksReopen(t *testing.T) {
	store := newRuleStore(t)
	if err := transition(store, map[string]int64{"fry-1": 450, "fry-2": 450}, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateAssignment("a1", func(a *domain.Assignment) error {
			a.EndDate = nil
			return nil
		})
		return err
	})
	expectViolation(t, err, "assignment_window")
}
