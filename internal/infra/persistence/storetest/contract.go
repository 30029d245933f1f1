// Package storetest holds the behavioural contract every domain.PersistentStore
// implementation is tested against.
package storetest

import (
	"aquasim/pkg/domain"
	"context"
	"errors"
	"testing"
	"time"
)

// Day0 is the first simulated day used by the contract fixtures.
var Day0 = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

// Seed creates container "tank", cohort "c1" of run "run" and its open
// assignment "a1" holding 50 fish from Day0.
func Seed(t *testing.T, store domain.PersistentStore) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateContainer(domain.Container{Base: domain.Base{ID: "tank"}, Type: "fry_tank", Capacity: 100, Location: "h"}); err != nil {
			return err
		}
		if _, err := tx.CreateContainer(domain.Container{Base: domain.Base{ID: "tank-2"}, Type: "parr_tank", Capacity: 100, Location: "h"}); err != nil {
			return err
		}
		if _, err := tx.CreateCohort(domain.Cohort{Base: domain.Base{ID: "c1"}, RunID: "run", Stage: domain.StageFry, StageStart: Day0}); err != nil {
			return err
		}
		_, err := tx.CreateAssignment(domain.Assignment{
			Base: domain.Base{ID: "a1"}, CohortID: "c1", ContainerID: "tank", Stage: domain.StageFry,
			StartDate: Day0, Population: 50, AvgWeightG: 2,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// Feeding returns a feeding fact for assignment on day offset.
func Feeding(id, assignment string, offset int, kg float64) domain.Fact {
	return domain.Fact{
		ID: id, AssignmentID: assignment, Kind: domain.FactFeeding,
		At:      Day0.AddDate(0, 0, offset).Add(8 * time.Hour),
		Feeding: &domain.Feeding{FeedType: "starter", PlannedKg: kg, FedKg: kg},
	}
}

// Mortality returns a mortality fact for assignment on day offset.
func Mortality(id, assignment string, offset int, count int64) domain.Fact {
	return domain.Fact{
		ID: id, AssignmentID: assignment, Kind: domain.FactMortality,
		At:        Day0.AddDate(0, 0, offset).Add(23 * time.Hour),
		Mortality: &domain.Mortality{Count: count, Cause: "natural"},
	}
}

// Run exercises store against the shared contract. open must return an empty
// store.
func Run(t *testing.T, open func(t *testing.T) domain.PersistentStore) {
	t.Run("entities", func(t *testing.T) { entities(t, open(t)) })
	t.Run("blocked transaction", func(t *testing.T) { blocked(t, open(t)) })
	t.Run("facts", func(t *testing.T) { facts(t, open(t)) })
	t.Run("checkpoints", func(t *testing.T) { checkpoints(t, open(t)) })
	t.Run("rewind", func(t *testing.T) { rewind(t, open(t)) })
}

func entities(t *testing.T, store domain.PersistentStore) {
	Seed(t, store)
	if c, ok := store.GetCohort("c1"); !ok || c.RunID != "run" {
		t.Fatalf("cohort not stored: %+v", c)
	}
	if len(store.ListContainers()) != 2 {
		t.Fatalf("expected two containers")
	}
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateAssignment("a1", func(a *domain.Assignment) error {
			a.Population = 40
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if a, _ := store.GetAssignment("a1"); a.Population != 40 {
		t.Fatalf("update not visible: %+v", a)
	}
	err = store.View(context.Background(), func(v domain.TransactionView) error {
		if open := v.OpenAssignments("tank"); len(open) != 1 || open[0].ID != "a1" {
			t.Fatalf("unexpected open assignments %+v", open)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func blocked(t *testing.T, store domain.PersistentStore) {
	Seed(t, store)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateCohort(domain.Cohort{Base: domain.Base{ID: "c2"}, RunID: "run"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatalf("expected abort")
	}
	if _, ok := store.GetCohort("c2"); ok {
		t.Fatalf("aborted cohort must not be stored")
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateAssignment(domain.Assignment{Base: domain.Base{ID: "bad"}, CohortID: "missing", ContainerID: "tank"})
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func facts(t *testing.T, store domain.PersistentStore) {
	Seed(t, store)
	ctx := context.Background()
	batch := []domain.Fact{
		Feeding("f1", "a1", 0, 1.5),
		Feeding("f2", "a1", 1, 2.5),
		Mortality("m1", "a1", 1, 3),
	}
	if err := store.AppendFacts(ctx, batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Re-appending is idempotent.
	if err := store.AppendFacts(ctx, batch[:1]); err != nil {
		t.Fatalf("re-append: %v", err)
	}
	if err := store.AppendFacts(ctx, []domain.Fact{{ID: "bad", AssignmentID: "a1", Kind: domain.FactFeeding}}); !errors.Is(err, domain.ErrInvalidFact) {
		t.Fatalf("expected invalid fact, got %v", err)
	}

	all, err := store.ListFacts(ctx, domain.FactFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %v %d", err, len(all))
	}
	if all[0].ID != "f1" || all[2].ID != "m1" {
		t.Fatalf("facts not ordered by time: %v %v %v", all[0].ID, all[1].ID, all[2].ID)
	}
	from := Day0.AddDate(0, 0, 1)
	until := Day0.AddDate(0, 0, 2)
	cases := []struct {
		name   string
		filter domain.FactFilter
		want   int
	}{
		{"cohort", domain.FactFilter{CohortIDs: []string{"c1"}}, 3},
		{"unknown cohort", domain.FactFilter{CohortIDs: []string{"nope"}}, 0},
		{"assignment", domain.FactFilter{AssignmentIDs: []string{"a1"}}, 3},
		{"kind", domain.FactFilter{Kinds: []domain.FactKind{domain.FactMortality}}, 1},
		{"window", domain.FactFilter{From: &from, Until: &until}, 2},
		{"before", domain.FactFilter{Until: &from}, 1},
	}
	for _, tc := range cases {
		got, err := store.ListFacts(ctx, tc.filter)
		if err != nil || len(got) != tc.want {
			t.Fatalf("%s: expected %d facts, got %d (%v)", tc.name, tc.want, len(got), err)
		}
	}
	stats, err := store.FactStats(ctx, domain.FactFilter{CohortIDs: []string{"c1"}})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total() != 3 || stats.Mortality != 3 || stats.FedKg != 4 || stats.ByKind[domain.FactFeeding] != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	n, err := store.DeleteFacts(ctx, domain.FactFilter{Kinds: []domain.FactKind{domain.FactFeeding}})
	if err != nil || n != 2 {
		t.Fatalf("delete: %v %d", err, n)
	}
	if rest, _ := store.ListFacts(ctx, domain.FactFilter{}); len(rest) != 1 {
		t.Fatalf("expected one remaining fact, got %d", len(rest))
	}
}

func checkpoints(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	if _, ok, err := store.LatestCheckpoint(ctx, "run"); ok || err != nil {
		t.Fatalf("expected no checkpoint: %v %v", ok, err)
	}
	for seq := 1; seq <= 3; seq++ {
		cp := domain.Checkpoint{RunID: "run", Sequence: seq, Date: Day0.AddDate(0, 0, 30*seq)}
		cp.Counters.Days = 30 * seq
		if err := store.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("save %d: %v", seq, err)
		}
	}
	if err := store.SaveCheckpoint(ctx, domain.Checkpoint{RunID: "other", Sequence: 9, Date: Day0}); err != nil {
		t.Fatalf("save other: %v", err)
	}
	latest, ok, err := store.LatestCheckpoint(ctx, "run")
	if err != nil || !ok || latest.Sequence != 3 || latest.Counters.Days != 90 {
		t.Fatalf("latest: %v %v %+v", err, ok, latest)
	}
	if !latest.Date.Equal(Day0.AddDate(0, 0, 90)) {
		t.Fatalf("date not preserved: %v", latest.Date)
	}
	infos, err := store.ListCheckpoints(ctx, "run")
	if err != nil || len(infos) != 3 || infos[0].Sequence != 1 || !infos[2].Date.Equal(Day0.AddDate(0, 0, 90)) {
		t.Fatalf("list: %v %+v", err, infos)
	}
}

func rewind(t *testing.T, store domain.PersistentStore) {
	Seed(t, store)
	ctx := context.Background()
	cpDate := Day0.AddDate(0, 0, 10)
	cohort, _ := store.GetCohort("c1")
	a1, _ := store.GetAssignment("a1")
	cp := domain.Checkpoint{RunID: "run", Sequence: 1, Date: cpDate, Cohorts: []domain.Cohort{cohort}, Assignments: []domain.Assignment{a1}}
	if err := store.AppendFacts(ctx, []domain.Fact{Feeding("keep", "a1", 10, 1), Feeding("drop", "a1", 11, 1)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	later := cpDate.AddDate(0, 0, 1)
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.UpdateAssignment("a1", func(a *domain.Assignment) error {
			a.EndDate = domain.DatePtr(later)
			return nil
		}); err != nil {
			return err
		}
		if _, err := tx.CreateAssignment(domain.Assignment{
			Base: domain.Base{ID: "a2"}, CohortID: "c1", ContainerID: "tank-2", Stage: domain.StageParr,
			Origin: domain.AssignmentTransfer, StartDate: later, Population: 50,
		}); err != nil {
			return err
		}
		if _, err := tx.CreateTransfer(domain.Transfer{
			Base: domain.Base{ID: "t1"}, CohortID: "c1", Kind: domain.TransferStage,
			SourceAssignmentID: "a1", DestinationAssignmentID: "a2", Date: later, Count: 50,
		}); err != nil {
			return err
		}
		_, err := tx.UpdateCohort("c1", func(c *domain.Cohort) error {
			c.Stage = domain.StageParr
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.AppendFacts(ctx, []domain.Fact{Feeding("drop-2", "a2", 12, 1)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.Rewind(ctx, cp); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if c, _ := store.GetCohort("c1"); c.Stage != domain.StageFry {
		t.Fatalf("cohort not restored: %+v", c)
	}
	if a, _ := store.GetAssignment("a1"); !a.IsOpen() {
		t.Fatalf("assignment not reopened: %+v", a)
	}
	if _, ok := store.GetAssignment("a2"); ok {
		t.Fatalf("assignment created after checkpoint must be removed")
	}
	if len(store.ListTransfers()) != 0 {
		t.Fatalf("transfer after checkpoint must be removed")
	}
	left, err := store.ListFacts(ctx, domain.FactFilter{})
	if err != nil || len(left) != 1 || left[0].ID != "keep" {
		t.Fatalf("unexpected facts after rewind: %v %+v", err, left)
	}
}
