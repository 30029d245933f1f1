package cycle

import (
	"aquasim/internal/catalog"
	"aquasim/internal/config"
	"aquasim/internal/core"
	"aquasim/internal/environment"
	"aquasim/internal/feed"
	"aquasim/internal/growth"
	"aquasim/internal/infra/persistence/memory"
	"aquasim/internal/lifecycle"
	"aquasim/internal/simtest"
	"aquasim/internal/streams"
	"aquasim/internal/temporal"
	"aquasim/pkg/domain"
	"aquasim/testutil"
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type world struct {
	cfg    config.Config
	store  *memory.Store
	life   *lifecycle.Manager
	env    *environment.Generator
	driver *Driver
}

func newWorld(t *testing.T, cfg config.Config) world {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore(core.NewDefaultRulesEngine(cfg))
	pool := catalog.FromTopology(cfg.Topology)
	if _, err := catalog.Seed(ctx, store, pool); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	src := streams.New(cfg.Seed)
	life := lifecycle.New(store, cfg, "run", pool, src, nil)
	env, err := environment.New(cfg, pool, src, nil)
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	fm := feed.New("run", cfg, pool, src, nil)
	fm.Seed(cfg.StartDay())
	dr, err := New(Deps{
		Store:       store,
		Config:      cfg,
		RunID:       "run",
		Lifecycle:   life,
		Environment: env,
		Growth:      growth.New(cfg, src),
		Feed:        fm,
	})
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	cohort := domain.Cohort{
		Base:         domain.Base{ID: "cohort-1"},
		Name:         "test-1",
		Origin:       cfg.Cohort.Origin,
		InitialCount: cfg.Cohort.Count,
		InitialMassG: cfg.Cohort.InitialWeightG,
	}
	if _, _, err := life.Place(ctx, cohort, cfg.StartDay()); err != nil {
		t.Fatalf("place: %v", err)
	}
	return world{cfg: cfg, store: store, life: life, env: env, driver: dr}
}

// run simulates up to days days and returns the last simulated date.
func (w world) run(t *testing.T, days int) time.Time {
	t.Helper()
	var last time.Time
	for i := 0; i < days; i++ {
		date := w.cfg.StartDay().AddDate(0, 0, i)
		rep, err := w.driver.RunDay(context.Background(), date)
		if err != nil {
			t.Fatalf("day %s: %v", date.Format(time.DateOnly), err)
		}
		last = date
		if rep.Remaining == 0 {
			break
		}
	}
	return last
}

func TestPipelineOrder(t *testing.T) {
	w := newWorld(t, simtest.Config())
	want := []string{"environment", "growth", "feed", "transition_check"}
	if got := w.driver.Stages(); !reflect.DeepEqual(got, want) {
		t.Fatalf("stages %v, want %v", got, want)
	}
	if _, err := New(Deps{}); err == nil {
		t.Fatalf("expected incomplete dependencies error")
	}
}

func TestFullLifecycleInvariants(t *testing.T) {
	cfg := simtest.Config()
	w := newWorld(t, cfg)
	ctx := context.Background()
	last := w.run(t, cfg.Days)

	cohort, ok := w.store.GetCohort("cohort-1")
	if !ok || cohort.Status != domain.CohortHarvested {
		t.Fatalf("cohort not harvested by %s: %+v", last.Format(time.DateOnly), cohort)
	}
	facts, err := w.store.ListFacts(ctx, domain.FactFilter{})
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	counters := w.driver.Counters()
	if int64(len(facts)) != counters.TotalFacts() {
		t.Fatalf("store holds %d facts, counters say %d", len(facts), counters.TotalFacts())
	}

	byID := make(map[string]domain.Assignment)
	for _, a := range w.store.ListAssignments() {
		byID[a.ID] = a
		if a.IsOpen() {
			t.Fatalf("assignment %s still open after harvest", a.ID)
		}
	}
	var deaths int64
	treatments := make(map[string]time.Time)
	for _, f := range facts {
		a, ok := byID[f.AssignmentID]
		if !ok {
			t.Fatalf("fact %s references unknown assignment %s", f.ID, f.AssignmentID)
		}
		if err := temporal.Validate(a, f.At, last); err != nil {
			t.Fatalf("fact %s outside window: %v", f.ID, err)
		}
		if f.Mortality != nil {
			deaths += f.Mortality.Count
		}
		if f.Health != nil && f.Health.WithholdingUntil != nil {
			treatments[a.ID] = *f.Health.WithholdingUntil
		}
	}
	if deaths != counters.Mortality {
		t.Fatalf("mortality facts %d, counters %d", deaths, counters.Mortality)
	}

	outbound := make(map[string]int64)
	var harvested int64
	var harvestDate time.Time
	for _, tr := range w.store.ListTransfers() {
		outbound[tr.SourceAssignmentID] += tr.Count
		if tr.Kind == domain.TransferHarvest {
			harvested += tr.Count
			harvestDate = tr.Date
		}
	}
	if deaths+harvested != cfg.Cohort.Count {
		t.Fatalf("population not conserved: %d deaths + %d harvested != %d", deaths, harvested, cfg.Cohort.Count)
	}
	if harvested != counters.Harvested || counters.Transferred == 0 {
		t.Fatalf("counters harvested=%d transferred=%d, transfers say %d", counters.Harvested, counters.Transferred, harvested)
	}
	for id, a := range byID {
		if out, ok := outbound[id]; ok && out != a.Population {
			t.Fatalf("closed source %s held %d but moved %d", id, a.Population, out)
		}
	}
	for id, until := range treatments {
		if byID[id].Stage == domain.StageAdult && !harvestDate.After(until) {
			t.Fatalf("harvest on %s inside withholding until %s", harvestDate.Format(time.DateOnly), until.Format(time.DateOnly))
		}
	}

	locations := make(map[string]bool)
	for _, a := range byID {
		if a.Stage == domain.StageAdult {
			c, _ := w.store.GetContainer(a.ContainerID)
			locations[c.Location] = true
		}
	}
	if len(locations) != 1 {
		t.Fatalf("grow-out spread over %v", locations)
	}
	if counters.Purchases != int64(len(w.store.ListPurchases())) {
		t.Fatalf("purchases counter %d, store %d", counters.Purchases, len(w.store.ListPurchases()))
	}
	if counters.Days != domain.DaysBetween(cfg.StartDay(), last)+1 {
		t.Fatalf("days counter %d", counters.Days)
	}
}

func TestReadingsPerAssignmentDay(t *testing.T) {
	cfg := simtest.Config()
	w := newWorld(t, cfg)
	w.run(t, 1)
	placed, err := w.life.ActiveAssignments(context.Background(), cfg.StartDay())
	if err != nil || len(placed) == 0 {
		t.Fatalf("active: %v %d", err, len(placed))
	}
	stats, err := w.store.FactStats(context.Background(), domain.FactFilter{Kinds: []domain.FactKind{domain.FactReading}})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// Hatchery water is fresh: temperature, oxygen and pH per sample.
	if want := int64(len(placed) * cfg.SamplesPerDay * 3); stats.Total() != want {
		t.Fatalf("readings %d, want %d", stats.Total(), want)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	cfg := simtest.Config()
	a, b := newWorld(t, cfg), newWorld(t, cfg)
	a.run(t, 30)
	b.run(t, 30)
	if !reflect.DeepEqual(a.driver.Counters(), b.driver.Counters()) {
		t.Fatalf("counters differ:\n%+v\n%+v", a.driver.Counters(), b.driver.Counters())
	}
	fa, _ := a.store.ListFacts(context.Background(), domain.FactFilter{})
	fb, _ := b.store.ListFacts(context.Background(), domain.FactFilter{})
	if !reflect.DeepEqual(fa, fb) {
		t.Fatalf("fact histories differ")
	}
}

func TestEmitRejectsFactsOutsideWindow(t *testing.T) {
	var counters domain.Counters
	d := newDay(time.Date(2016, 3, 5, 0, 0, 0, 0, time.UTC), &counters)
	a := domain.Assignment{Base: domain.Base{ID: "a"}, StartDate: time.Date(2016, 3, 4, 0, 0, 0, 0, time.UTC)}
	ok := domain.Fact{ID: "f1", AssignmentID: "a", Kind: domain.FactMortality, At: d.Date.Add(17 * time.Hour), Mortality: &domain.Mortality{Count: 1}}
	early := ok
	early.ID, early.At = "f2", a.StartDate.Add(-time.Hour)
	late := ok
	late.ID, late.At = "f3", d.Date.AddDate(0, 0, 1)

	err := d.Emit(a, ok, early, ok)
	var te *domain.TemporalError
	if !errors.As(err, &te) || len(d.Facts()) != 1 {
		t.Fatalf("expected temporal error after one fact, got %v with %d facts", err, len(d.Facts()))
	}
	if err := d.Emit(a, late); !errors.As(err, &te) {
		t.Fatalf("fact after the simulated day must be rejected, got %v", err)
	}
	bad := ok
	bad.ID, bad.Feeding = "f4", &domain.Feeding{}
	if err := d.Emit(a, bad); !errors.Is(err, domain.ErrInvalidFact) {
		t.Fatalf("expected invalid fact, got %v", err)
	}
}

func TestRejectedMortalityLeavesAssignmentUntouched(t *testing.T) {
	cfg := simtest.Config()
	cfg.Stages[0].BaseMortality = 0.5
	stage := growthStage{engine: growth.New(cfg, streams.New(cfg.Seed))}
	date := cfg.StartDay()
	var tank domain.Container
	for _, c := range catalog.FromTopology(cfg.Topology) {
		if cfg.Stages[0].Allows(c.Type) {
			tank = c
			break
		}
	}
	cohort := domain.Cohort{Base: domain.Base{ID: "c"}, StageStart: date, StageDays: 10}
	fresh := func(start time.Time) domain.Assignment {
		return domain.Assignment{
			Base:       domain.Base{ID: "a"},
			CohortID:   "c",
			Stage:      cfg.Stages[0].Name,
			StartDate:  start,
			Population: 1000,
			AvgWeightG: 1,
			BiomassKg:  1,
		}
	}

	cases := []struct {
		name   string
		start  time.Time
		reject bool
	}{
		{"inside window", date, false},
		{"assignment starts tomorrow", date.AddDate(0, 0, 1), true},
	}
	for _, tc := range cases {
		var counters domain.Counters
		d := newDay(date, &counters)
		d.reset(tank, cohort)
		a := fresh(tc.start)
		err := stage.Run(context.Background(), d, &a)
		var te *domain.TemporalError
		if got := errors.As(err, &te); got != tc.reject {
			t.Fatalf("%s: err %v", tc.name, err)
		}
		if tc.reject {
			if !reflect.DeepEqual(a, fresh(tc.start)) || counters.Mortality != 0 || len(d.Facts()) != 0 {
				t.Fatalf("%s: rejected day applied: %+v mortality %d facts %d", tc.name, a, counters.Mortality, len(d.Facts()))
			}
			continue
		}
		if counters.Mortality == 0 || a.Population+counters.Mortality != 1000 {
			t.Fatalf("%s: population %d after %d deaths", tc.name, a.Population, counters.Mortality)
		}
	}
}

type lateStage struct{}

func (lateStage) Name() string { return "late" }

func (lateStage) Run(_ context.Context, d *Day, a *domain.Assignment) error {
	return d.Emit(*a, domain.Fact{ID: "x-" + a.ID, AssignmentID: a.ID, Kind: domain.FactMortality,
		At: d.Date.AddDate(0, 0, 2), Mortality: &domain.Mortality{Count: 1}})
}

type countingStage struct{ runs *int }

func (countingStage) Name() string { return "counting" }

func (s countingStage) Run(context.Context, *Day, *domain.Assignment) error {
	*s.runs++
	return nil
}

type failingStage struct{}

func (failingStage) Name() string { return "failing" }

func (failingStage) Run(context.Context, *Day, *domain.Assignment) error { return errBoom }

var errBoom = errors.New("boom")

func TestTemporalDropSkipsRemainingStages(t *testing.T) {
	w := newWorld(t, simtest.Config())
	runs := 0
	w.driver.stages = []Stage{lateStage{}, countingStage{runs: &runs}}
	rep, err := w.driver.RunDay(context.Background(), w.cfg.StartDay())
	if err != nil {
		t.Fatalf("run day: %v", err)
	}
	if runs != 0 || rep.Facts != 0 {
		t.Fatalf("stages after a rejection ran %d times, %d facts kept", runs, rep.Facts)
	}
	if got := w.driver.Counters().TemporalDrops; got != int64(rep.Assignments) || got == 0 {
		t.Fatalf("temporal drops %d for %d assignments", got, rep.Assignments)
	}
}

func TestStageErrorAbortsDay(t *testing.T) {
	w := newWorld(t, simtest.Config())
	w.driver.stages = []Stage{failingStage{}}
	_, err := w.driver.RunDay(context.Background(), w.cfg.StartDay())
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected stage error, got %v", err)
	}
}

func TestStalledCohortRetriesWithoutRecounting(t *testing.T) {
	cfg := simtest.Config()
	for i := range cfg.Topology {
		for j := range cfg.Topology[i].Containers {
			if cfg.Topology[i].Containers[j].Type == "smolt_tank" {
				cfg.Topology[i].Containers[j].Capacity = 500
			}
		}
	}
	w := newWorld(t, cfg)
	w.run(t, 20)
	cohort, _ := w.store.GetCohort("cohort-1")
	if cohort.Status != domain.CohortStalled || cohort.Stage != domain.StageFry {
		t.Fatalf("expected stalled fry cohort, got %+v", cohort)
	}
	if got := w.driver.Counters().Stalls; got != 1 {
		t.Fatalf("stalls counted %d times", got)
	}
}

func TestCounterRoundTrip(t *testing.T) {
	w := newWorld(t, simtest.Config())
	w.run(t, 3)
	saved := w.driver.Counters()
	w.driver.SetCounters(domain.Counters{})
	if w.driver.Counters().TotalFacts() != 0 {
		t.Fatalf("counters not replaced")
	}
	w.driver.SetCounters(saved)
	if !reflect.DeepEqual(w.driver.Counters(), saved) {
		t.Fatalf("counters not restored")
	}
	if w.driver.Trim(w.cfg.StartDay().AddDate(0, 0, 10)) == 0 {
		t.Fatalf("expected idle water state to be trimmed")
	}
}

func TestCycleDoesNotImportStoreDrivers(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.StoreDriverForbidden, "the cycle talks to domain.PersistentStore only")
}
