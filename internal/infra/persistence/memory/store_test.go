package memory

import (
	"aquasim/pkg/domain"
	"context"
	"errors"
	"testing"
	"time"
)

var day0 = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock, Message: "no"}}}, nil
}

func seedStore(t *testing.T, store *Store) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateContainer(domain.Container{Base: domain.Base{ID: "tank"}, Type: "fry_tank", Capacity: 100, Location: "h"}); err != nil {
			return err
		}
		if _, err := tx.CreateCohort(domain.Cohort{Base: domain.Base{ID: "c1"}, RunID: "run", Stage: domain.StageFry}); err != nil {
			return err
		}
		_, err := tx.CreateAssignment(domain.Assignment{
			Base: domain.Base{ID: "a1"}, CohortID: "c1", ContainerID: "tank", Stage: domain.StageFry,
			StartDate: day0.Add(5 * time.Hour), Population: 50,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindContainer("missing"); ok {
			t.Fatalf("expected missing container lookup")
		}
		created, err := tx.CreateCohort(domain.Cohort{Name: "Test", RunID: "r"})
		if err != nil {
			return err
		}
		if created.ID == "" || created.Status != domain.CohortActive {
			t.Fatalf("expected generated id and active status, got %+v", created)
		}
		if len(tx.Snapshot().ListCohorts()) != 1 {
			t.Fatalf("snapshot mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if len(store.ListCohorts()) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if len(store.ListCohorts()) != 1 {
		t.Fatalf("expected restored state")
	}
}

func TestStoreRuleViolationDiscardsChanges(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockingRule{})
	store := NewStore(engine)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateCohort(domain.Cohort{Name: "Fail"})
		return e
	})
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) || !rv.Result.HasBlocking() {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if len(store.ListCohorts()) != 0 {
		t.Fatalf("blocked transaction leaked state")
	}
}

func TestStoreReferentialChecks(t *testing.T) {
	store := NewStore(nil)
	seedStore(t, store)
	cases := map[string]func(tx domain.Transaction) error{
		"missing cohort": func(tx domain.Transaction) error {
			_, err := tx.CreateAssignment(domain.Assignment{CohortID: "nope", ContainerID: "tank"})
			return err
		},
		"missing container": func(tx domain.Transaction) error {
			_, err := tx.CreateAssignment(domain.Assignment{CohortID: "c1", ContainerID: "nope"})
			return err
		},
		"missing source": func(tx domain.Transaction) error {
			_, err := tx.CreateTransfer(domain.Transfer{SourceAssignmentID: "nope"})
			return err
		},
		"missing assignment update": func(tx domain.Transaction) error {
			_, err := tx.UpdateAssignment("nope", func(*domain.Assignment) error { return nil })
			return err
		},
	}
	for name, fn := range cases {
		_, err := store.RunInTransaction(context.Background(), fn)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("%s: expected not found, got %v", name, err)
		}
	}
	a, ok := store.GetAssignment("a1")
	if !ok || !a.StartDate.Equal(day0) {
		t.Fatalf("expected start date normalised to day, got %+v", a.StartDate)
	}
}

func TestStoreCommitHooks(t *testing.T) {
	store := NewStore(nil)
	var seen []domain.Change
	store.OnCommit(func(_ context.Context, changes []domain.Change) error {
		seen = append(seen, changes...)
		return nil
	})
	seedStore(t, store)
	if len(seen) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(seen))
	}

	store.OnCommit(func(context.Context, []domain.Change) error { return errors.New("disk full") })
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateAssignment("a1", func(a *domain.Assignment) error {
			a.Population = 10
			return nil
		})
		return err
	})
	if err == nil {
		t.Fatalf("expected hook failure")
	}
	if a, _ := store.GetAssignment("a1"); a.Population != 50 {
		t.Fatalf("failed hook must abort commit, population=%d", a.Population)
	}
}

func TestStoreNowFunc(t *testing.T) {
	store := NewStore(nil)
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })
	seedStore(t, store)
	c, _ := store.GetCohort("c1")
	if !c.CreatedAt.Equal(fixed) || !c.UpdatedAt.Equal(fixed) {
		t.Fatalf("expected fixed stamps, got %+v", c.Base)
	}
}

func TestViewAndOpenAssignments(t *testing.T) {
	store := NewStore(nil)
	seedStore(t, store)
	err := store.View(context.Background(), func(v domain.TransactionView) error {
		if got := v.OpenAssignments("tank"); len(got) != 1 || got[0].ID != "a1" {
			t.Fatalf("unexpected open assignments %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if ids := store.AssignmentIDsForCohorts([]string{"c1"}); len(ids) != 1 {
		t.Fatalf("expected one assignment id, got %v", ids)
	}
	if ids := store.AssignmentIDsForCohorts(nil); ids != nil {
		t.Fatalf("expected nil for empty cohort filter")
	}
}
