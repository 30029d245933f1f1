package coordinator

import (
	"aquasim/internal/catalog"
	"aquasim/internal/checkpoint"
	"aquasim/internal/config"
	"aquasim/internal/core"
	"aquasim/internal/infra/persistence/memory"
	"aquasim/internal/memwatch"
	"aquasim/internal/session"
	"aquasim/internal/simtest"
	"aquasim/pkg/domain"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

func ids(pool []domain.Container) []string {
	out := make([]string, len(pool))
	for i, c := range pool {
		out[i] = c.ID
	}
	return out
}

func TestPartitionDealsEachGroupRoundRobin(t *testing.T) {
	containers := catalog.FromTopology(simtest.Config().Topology)
	pools := Partition(containers, 2)
	want := [][]string{
		{
			"fjord-a-sea_cage-01", "fjord-b-sea_cage-01",
			"hatch-a-fry_tank-01", "hatch-a-smolt_tank-01",
			"hatch-b-fry_tank-01", "hatch-b-smolt_tank-01",
		},
		{
			"fjord-a-sea_cage-02",
			"hatch-a-fry_tank-02", "hatch-a-smolt_tank-02",
			"hatch-b-fry_tank-02", "hatch-b-smolt_tank-02",
		},
	}
	for i, p := range pools {
		if got := ids(p); !reflect.DeepEqual(got, want[i]) {
			t.Fatalf("pool %d: %v, want %v", i, got, want[i])
		}
	}

	reversed := make([]domain.Container, len(containers))
	for i, c := range containers {
		reversed[len(containers)-1-i] = c
	}
	if again := Partition(reversed, 2); !reflect.DeepEqual(again, pools) {
		t.Fatalf("partition depends on input order")
	}
	if Partition(containers, 0) != nil {
		t.Fatalf("zero workers should yield no pools")
	}
	if got := Partition(containers, 20); len(got) != 20 || len(got[19]) != 0 || len(got[0]) != 3 {
		t.Fatalf("oversized partition: %d pools, first %d", len(got), len(got[0]))
	}
}

func TestPartitionCarriesTypesAcrossLocations(t *testing.T) {
	cfg := simtest.Config()
	cfg.Topology[2].Containers[0].Count = 3 // fjord-a sea cages
	pools := Partition(catalog.FromTopology(cfg.Topology), 3)
	for i, p := range pools {
		types := make(map[domain.ContainerType]bool)
		for _, c := range p {
			types[c.Type] = true
		}
		if len(types) != 3 {
			t.Fatalf("pool %d lacks a container type: %v", i, ids(p))
		}
		if err := CheckPool(testPlans(cfg, 1)[0].Apply(cfg), p); err != nil {
			t.Fatalf("pool %d: %v", i, err)
		}
	}
}

func TestCheckPool(t *testing.T) {
	cfg := simtest.Config()
	all := catalog.FromTopology(cfg.Topology)
	without := func(ct domain.ContainerType) []domain.Container {
		var out []domain.Container
		for _, c := range all {
			if c.Type != ct {
				out = append(out, c)
			}
		}
		return out
	}
	pinned := cfg
	pinned.Cohort.Location = "hatch-b"
	crowded := cfg
	crowded.Cohort.Count = 20000
	cases := []struct {
		name    string
		cfg     config.Config
		pool    []domain.Container
		wantErr bool
	}{
		{"full topology", cfg, all, false},
		{"no sea cages", cfg, without("sea_cage"), true},
		{"no smolt tanks", cfg, without("smolt_tank"), true},
		{"pinned intake", pinned, all, false},
		{"intake too small", crowded, all, true},
	}
	for _, tc := range cases {
		err := CheckPool(tc.cfg, tc.pool)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err %v", tc.name, err)
		}
		if err != nil && !errors.Is(err, domain.ErrInsufficientCapacity) {
			t.Fatalf("%s: %v does not wrap ErrInsufficientCapacity", tc.name, err)
		}
	}
}

func TestSlice(t *testing.T) {
	plans := make([]CohortPlan, 5)
	cases := []struct {
		index, count int
		want         []int
	}{
		{0, 1, []int{0, 1, 2, 3, 4}},
		{0, 2, []int{0, 2, 4}},
		{1, 2, []int{1, 3}},
		{2, 3, []int{2}},
	}
	for _, tc := range cases {
		if got := Slice(plans, tc.index, tc.count); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("slice %d/%d: %v, want %v", tc.index, tc.count, got, tc.want)
		}
	}
}

func TestPlansAndApply(t *testing.T) {
	cfg := simtest.Config()
	plans := Plans(cfg, "cohort", 3, 7)
	if plans[2].RunID != "cohort-003" || !plans[2].Start.Equal(cfg.StartDay().AddDate(0, 0, 14)) {
		t.Fatalf("unexpected plan %+v", plans[2])
	}
	p := CohortPlan{RunID: "x", Start: plans[1].Start, Count: 10, Location: "hatch-b"}
	got := p.Apply(cfg)
	if !got.StartDay().Equal(plans[1].Start) || got.Cohort.Count != 10 || got.Cohort.Location != "hatch-b" {
		t.Fatalf("apply: %+v", got.Cohort)
	}
	if cfg.Cohort.Count == 10 {
		t.Fatalf("apply mutated the base config")
	}
}

type sleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleeper) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func testConfig() config.Config {
	cfg := simtest.Config()
	cfg.Coordinator = config.Coordinator{
		Workers:        2,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     3 * time.Second,
	}
	return cfg
}

func testPlans(cfg config.Config, n int) []CohortPlan {
	plans := Plans(cfg, "cohort", n, 3)
	for i := range plans {
		plans[i].Count = 3000
	}
	return plans
}

func newCoordinator(t *testing.T, cfg config.Config, store domain.PersistentStore, cps checkpoint.Checkpointer, s *sleeper) *Coordinator {
	t.Helper()
	c, err := New(Deps{
		Config:      cfg,
		Store:       store,
		Containers:  catalog.FromTopology(cfg.Topology),
		Checkpoints: cps,
		Sleep:       s.sleep,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	return c
}

func newStore(cfg config.Config) *memory.Store {
	store := memory.NewStore(core.NewDefaultRulesEngine(cfg))
	store.SetNowFunc(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
	return store
}

func TestRunKeepsCohortsInTheirPools(t *testing.T) {
	cfg := testConfig()
	store := newStore(cfg)
	c := newCoordinator(t, cfg, store, nil, &sleeper{})
	plans := testPlans(cfg, 2)
	results, err := c.Run(context.Background(), plans)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	pools := Partition(catalog.FromTopology(cfg.Topology), len(plans))
	for i, res := range results {
		if res.Err != nil || res.Attempts != 1 || !res.Report.Complete {
			t.Fatalf("result %d: %+v", i, res)
		}
		cohortID := session.CohortID(res.Plan.RunID)
		cohort, ok := store.GetCohort(cohortID)
		if !ok || cohort.Status != domain.CohortHarvested {
			t.Fatalf("%s not harvested: %+v", cohortID, cohort)
		}
		if !cohort.StartDate.Equal(res.Plan.Start) {
			t.Fatalf("%s started %s, planned %s", cohortID, cohort.StartDate, res.Plan.Start)
		}
		allowed := make(map[string]bool)
		for _, ct := range pools[res.Pool] {
			allowed[ct.ID] = true
		}
		for _, a := range store.ListAssignments() {
			if a.CohortID == cohortID && !allowed[a.ContainerID] {
				t.Fatalf("%s used %s outside pool %d", cohortID, a.ContainerID, res.Pool)
			}
		}
		if res.Report.Counters.Mortality+res.Report.Counters.Harvested != 3000 {
			t.Fatalf("%s does not conserve population: %+v", cohortID, res.Report.Counters)
		}
	}
}

// flaky fails the first save of one sequence for every run, or only for
// run when it is set.
type flaky struct {
	checkpoint.Checkpointer
	failAt int
	always bool
	run    string
	err    error

	mu     sync.Mutex
	failed map[string]bool
}

var errFlaky = errors.New("archive unavailable")

func (f *flaky) Save(ctx context.Context, cp domain.Checkpoint) error {
	f.mu.Lock()
	if cp.Sequence == f.failAt && (f.run == "" || f.run == cp.RunID) && (f.always || !f.failed[cp.RunID]) {
		f.failed[cp.RunID] = true
		f.mu.Unlock()
		if f.err != nil {
			return f.err
		}
		return errFlaky
	}
	f.mu.Unlock()
	return f.Checkpointer.Save(ctx, cp)
}

func TestFailedAttemptResumesFromCheckpoint(t *testing.T) {
	cfg := testConfig()
	plans := testPlans(cfg, 2)

	clean, err := newCoordinator(t, cfg, newStore(cfg), nil, &sleeper{}).Run(context.Background(), plans)
	if err != nil {
		t.Fatalf("clean run: %v", err)
	}

	store := newStore(cfg)
	s := &sleeper{}
	cps := &flaky{Checkpointer: checkpoint.NewStore(store), failAt: 2, failed: make(map[string]bool)}
	results, err := newCoordinator(t, cfg, store, cps, s).Run(context.Background(), plans)
	if err != nil {
		t.Fatalf("flaky run: %v", err)
	}
	for i, res := range results {
		if res.Attempts != 2 || !res.Report.Resumed {
			t.Fatalf("result %d: attempts %d resumed %v", i, res.Attempts, res.Report.Resumed)
		}
		if !reflect.DeepEqual(res.Report.Counters, clean[i].Report.Counters) {
			t.Fatalf("resumed counters differ:\n got %+v\nwant %+v", res.Report.Counters, clean[i].Report.Counters)
		}
	}
	if len(s.waits) != 2 || s.waits[0] != time.Second || s.waits[1] != time.Second {
		t.Fatalf("waits %v", s.waits)
	}
}

func TestBackoffGrowsUntilAttemptsRunOut(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.MaxAttempts = 4
	store := newStore(cfg)
	s := &sleeper{}
	cps := &flaky{Checkpointer: checkpoint.NewStore(store), failAt: 1, always: true, failed: make(map[string]bool)}
	results, err := newCoordinator(t, cfg, store, cps, s).Run(context.Background(), testPlans(cfg, 1))
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected persistent failure, got %v", err)
	}
	if results[0].Attempts != 4 {
		t.Fatalf("attempts %d", results[0].Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if !reflect.DeepEqual(s.waits, want) {
		t.Fatalf("waits %v, want %v", s.waits, want)
	}
}

func TestCapacityErrorsAreNotRetried(t *testing.T) {
	cfg := testConfig()
	store := newStore(cfg)
	s := &sleeper{}
	plans := testPlans(cfg, 2)
	cps := &flaky{
		Checkpointer: checkpoint.NewStore(store),
		failAt:       1,
		always:       true,
		run:          plans[0].RunID,
		err:          fmt.Errorf("archive: %w", domain.ErrInsufficientCapacity),
		failed:       make(map[string]bool),
	}
	results, err := newCoordinator(t, cfg, store, cps, s).Run(context.Background(), plans)
	if !errors.Is(err, domain.ErrInsufficientCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if results[0].Attempts != 1 || len(s.waits) != 0 {
		t.Fatalf("capacity error retried: attempts %d waits %v", results[0].Attempts, s.waits)
	}
	if results[1].Err != nil || !results[1].Report.Complete {
		t.Fatalf("sibling did not finish: %+v", results[1])
	}
}

func TestUnfitPoolsAreRejectedBeforeAnyRun(t *testing.T) {
	cfg := testConfig()
	store := newStore(cfg)
	// Three sea cages cannot reach five pools.
	_, err := newCoordinator(t, cfg, store, nil, &sleeper{}).Run(context.Background(), testPlans(cfg, 5))
	if !errors.Is(err, domain.ErrInsufficientCapacity) {
		t.Fatalf("expected pool rejection, got %v", err)
	}
	if n := len(store.ListCohorts()); n != 0 {
		t.Fatalf("%d cohorts started before the rejection", n)
	}
}

func TestExtraCageRunsEveryPlan(t *testing.T) {
	cfg := testConfig()
	cfg.Topology[2].Containers[0].Count = 3
	store := newStore(cfg)
	results, err := newCoordinator(t, cfg, store, nil, &sleeper{}).Run(context.Background(), testPlans(cfg, 3))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, res := range results {
		if res.Err != nil || !res.Report.Complete {
			t.Fatalf("result %d: %+v", i, res)
		}
	}
}

func TestEachAttemptGetsItsOwnMemoryMonitor(t *testing.T) {
	cfg := testConfig()
	var (
		mu       sync.Mutex
		monitors []*memwatch.Monitor
	)
	c, err := New(Deps{
		Config:     cfg,
		Store:      newStore(cfg),
		Containers: catalog.FromTopology(cfg.Topology),
		// Every check is above the high-water mark, so cleanup hooks run daily.
		NewMemory: func() session.MemoryGuard {
			m := memwatch.New(1, 1<<62, nil)
			mu.Lock()
			monitors = append(monitors, m)
			mu.Unlock()
			return m
		},
		Sleep: (&sleeper{}).sleep,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if _, err := c.Run(context.Background(), testPlans(cfg, 2)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(monitors) != 2 {
		t.Fatalf("%d monitors for two attempts", len(monitors))
	}
	for i, m := range monitors {
		checks, actions := m.Stats()
		if checks == 0 || actions[memwatch.LevelHighWater] == 0 {
			t.Fatalf("monitor %d: checks %d actions %v", i, checks, actions)
		}
	}
}

func TestAttemptTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.Timeout = time.Nanosecond
	cfg.Coordinator.MaxAttempts = 2
	results, err := newCoordinator(t, cfg, newStore(cfg), nil, &sleeper{}).Run(context.Background(), testPlans(cfg, 1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if results[0].Attempts != 2 {
		t.Fatalf("attempts %d", results[0].Attempts)
	}
}

func TestProcessSlicesMatchSingleProcess(t *testing.T) {
	cfg := testConfig()
	plans := testPlans(cfg, 2)

	single := newStore(cfg)
	if _, err := newCoordinator(t, cfg, single, nil, &sleeper{}).Run(context.Background(), plans); err != nil {
		t.Fatalf("single process: %v", err)
	}
	split := newStore(cfg)
	for index := 0; index < 2; index++ {
		results, err := newCoordinator(t, cfg, split, nil, &sleeper{}).RunSlice(context.Background(), plans, index, 2)
		if err != nil {
			t.Fatalf("slice %d: %v", index, err)
		}
		if want := len(Slice(plans, index, 2)); len(results) != want {
			t.Fatalf("slice %d ran %d plans, want %d", index, len(results), want)
		}
	}
	for _, pair := range [][2]any{
		{single.ListCohorts(), split.ListCohorts()},
		{single.ListAssignments(), split.ListAssignments()},
		{single.ListTransfers(), split.ListTransfers()},
	} {
		a, _ := json.Marshal(pair[0])
		b, _ := json.Marshal(pair[1])
		if string(a) != string(b) {
			t.Fatalf("split processes diverged:\n%s\n%s", a, b)
		}
	}
}

func TestRunSliceValidation(t *testing.T) {
	cfg := testConfig()
	c := newCoordinator(t, cfg, newStore(cfg), nil, &sleeper{})
	ctx := context.Background()
	if _, err := c.RunSlice(ctx, testPlans(cfg, 2), 2, 2); err == nil {
		t.Fatalf("expected index error")
	}
	dup := []CohortPlan{{RunID: "a"}, {RunID: "a"}}
	if _, err := c.Run(ctx, dup); err == nil {
		t.Fatalf("expected duplicate run id error")
	}
	if _, err := c.Run(ctx, testPlans(cfg, 20)); err == nil {
		t.Fatalf("expected empty pool error")
	}
	if _, err := New(Deps{Config: cfg}); err == nil {
		t.Fatalf("expected missing store error")
	}
}
