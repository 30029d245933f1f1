// Package coordinator runs several cohorts in parallel. Each cohort gets its
// own session over a disjoint slice of the container pool, so workers share
// nothing but the durable store.
package coordinator

import (
	"aquasim/internal/checkpoint"
	"aquasim/internal/config"
	"aquasim/internal/metrics"
	"aquasim/internal/session"
	"aquasim/pkg/domain"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// CohortPlan describes one independent run. Zero fields fall back to the
// configuration.
type CohortPlan struct {
	RunID    string
	Start    time.Time
	Count    int64
	Location string
}

// Plans returns n plans named <prefix>-NNN whose start dates are staggered by
// staggerDays from the configured start.
func Plans(cfg config.Config, prefix string, n, staggerDays int) []CohortPlan {
	out := make([]CohortPlan, n)
	for i := range out {
		out[i] = CohortPlan{
			RunID: fmt.Sprintf("%s-%03d", prefix, i+1),
			Start: cfg.StartDay().AddDate(0, 0, i*staggerDays),
		}
	}
	return out
}

// Apply returns cfg with the plan's overrides.
func (p CohortPlan) Apply(cfg config.Config) config.Config {
	if !p.Start.IsZero() {
		cfg.StartDate = config.Date{Time: domain.Day(p.Start)}
	}
	if p.Count > 0 {
		cfg.Cohort.Count = p.Count
	}
	if p.Location != "" {
		cfg.Cohort.Location = p.Location
	}
	return cfg
}

// Partition splits containers into workers disjoint pools. Containers are
// grouped by (location, type) and dealt round-robin in id order. The deal
// position of a type carries over from one location to the next, so a type
// reaches as many pools as it has containers.
func Partition(containers []domain.Container, workers int) [][]domain.Container {
	if workers <= 0 {
		return nil
	}
	groups := make(map[string][]domain.Container)
	for _, c := range containers {
		key := c.Location + "/" + string(c.Type)
		groups[key] = append(groups[key], c)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pools := make([][]domain.Container, workers)
	next := make(map[domain.ContainerType]int)
	for _, k := range keys {
		g := groups[k]
		sort.Slice(g, func(i, j int) bool { return g[i].ID < g[j].ID })
		for _, c := range g {
			i := next[c.Type] % workers
			next[c.Type]++
			pools[i] = append(pools[i], c)
		}
	}
	for _, p := range pools {
		sort.Slice(p, func(i, j int) bool { return p[i].ID < p[j].ID })
	}
	return pools
}

// CheckPool reports whether pool can host a cohort configured by cfg. Every
// stage needs at least one container it allows, and the intake stage needs
// room for the whole cohort. Later stages only need a container type: when
// they lack room the cohort stalls until space frees up.
func CheckPool(cfg config.Config, pool []domain.Container) error {
	for i, stage := range cfg.Stages {
		byLocation := make(map[string]int64)
		for _, c := range pool {
			if !stage.Allows(c.Type) {
				continue
			}
			if i == 0 && cfg.Cohort.Location != "" && c.Location != cfg.Cohort.Location {
				continue
			}
			byLocation[c.Location] += c.Capacity
		}
		if len(byLocation) == 0 {
			return fmt.Errorf("%w: no %s containers in pool", domain.ErrInsufficientCapacity, stage.Name)
		}
		if i > 0 {
			continue
		}
		var room int64
		for _, capacity := range byLocation {
			if stage.SingleLocation {
				room = max(room, capacity)
			} else {
				room += capacity
			}
		}
		if room < cfg.Cohort.Count {
			return fmt.Errorf("%w: room for %d of %d fish at stage %s",
				domain.ErrInsufficientCapacity, room, cfg.Cohort.Count, stage.Name)
		}
	}
	return nil
}

// permanent reports errors that another attempt on the same pool would hit
// again.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrInsufficientCapacity) ||
		errors.Is(err, domain.ErrIncompatibleStage) ||
		errors.Is(err, domain.ErrCapacityExceeded)
}

// Deps are shared by every worker.
type Deps struct {
	Config      config.Config
	Store       domain.PersistentStore
	Containers  []domain.Container
	Checkpoints checkpoint.Checkpointer
	// NewMemory builds the memory guard of one attempt. A guard runs the
	// cleanup hooks of its sessions on the checking goroutine, so workers
	// never share one. Nil keeps the per-run default.
	NewMemory func() session.MemoryGuard
	Metrics   metrics.Recorder
	Logger    *slog.Logger
	// Resume makes first attempts continue from existing checkpoints too.
	Resume bool
	// MaxChunks bounds every attempt; zero runs each plan to the end.
	MaxChunks int
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result is the outcome of one plan.
type Result struct {
	Plan     CohortPlan
	Pool     int
	Attempts int
	Report   session.Report
	Err      error
}

// Coordinator fans cohort plans out to sessions.
type Coordinator struct {
	d   Deps
	opt config.Coordinator
	log *slog.Logger
}

// New returns a coordinator using cfg.Coordinator for limits and retries.
func New(d Deps) (*Coordinator, error) {
	if d.Store == nil {
		return nil, errors.New("coordinator: store required")
	}
	if len(d.Containers) == 0 {
		return nil, errors.New("coordinator: empty container pool")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Sleep == nil {
		d.Sleep = sleep
	}
	opt := d.Config.Coordinator
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 1
	}
	return &Coordinator{d: d, opt: opt, log: d.Logger}, nil
}

// Run executes every plan.
func (c *Coordinator) Run(ctx context.Context, plans []CohortPlan) ([]Result, error) {
	return c.RunSlice(ctx, plans, 0, 1)
}

// Slice returns the indexes of plans that worker index of count runs.
func Slice(plans []CohortPlan, index, count int) []int {
	var out []int
	for i := range plans {
		if count <= 1 || i%count == index {
			out = append(out, i)
		}
	}
	return out
}

// RunSlice executes the plans of one process out of count. Pools are
// computed over all plans so every process derives the same partition.
// Every pool is checked up front. A plan that hits a capacity error is not
// retried and does not stop the others; any other failure left after the
// last attempt cancels the others, and their checkpoints let a later call
// resume them.
func (c *Coordinator) RunSlice(ctx context.Context, plans []CohortPlan, index, count int) ([]Result, error) {
	if count > 0 && (index < 0 || index >= count) {
		return nil, fmt.Errorf("coordinator: worker index %d outside [0,%d)", index, count)
	}
	seen := make(map[string]bool, len(plans))
	for _, p := range plans {
		if p.RunID == "" || seen[p.RunID] {
			return nil, fmt.Errorf("coordinator: run ids must be unique and non-empty, got %q", p.RunID)
		}
		seen[p.RunID] = true
	}
	pools := Partition(c.d.Containers, len(plans))
	mine := Slice(plans, index, count)
	for _, i := range mine {
		if len(pools[i]) == 0 {
			return nil, fmt.Errorf("coordinator: no containers left for %s", plans[i].RunID)
		}
		if err := CheckPool(plans[i].Apply(c.d.Config), pools[i]); err != nil {
			return nil, fmt.Errorf("coordinator: pool %d cannot host %s: %w", i, plans[i].RunID, err)
		}
	}
	results := make([]Result, len(mine))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opt.Workers)
	for slot, i := range mine {
		plan := plans[i]
		g.Go(func() error {
			res := c.runPlan(gctx, plan, i, pools[i])
			results[slot] = res
			if permanent(res.Err) {
				return nil
			}
			return res.Err
		})
	}
	errs := []error{g.Wait()}
	for _, res := range results {
		if permanent(res.Err) {
			errs = append(errs, res.Err)
		}
	}
	return results, errors.Join(errs...)
}

func (c *Coordinator) runPlan(ctx context.Context, plan CohortPlan, pool int, containers []domain.Container) Result {
	res := Result{Plan: plan, Pool: pool}
	log := c.log.With("run", plan.RunID, "pool", pool)
	backoff := c.opt.InitialBackoff
	for attempt := 1; attempt <= c.opt.MaxAttempts; attempt++ {
		res.Attempts = attempt
		rep, err := c.attempt(ctx, plan, containers, c.d.Resume || attempt > 1)
		res.Report, res.Err = rep, err
		if err == nil {
			log.Info("cohort finished", "attempts", attempt, "days", rep.Counters.Days,
				"harvested", rep.Counters.Harvested)
			return res
		}
		if ctx.Err() != nil || permanent(err) {
			res.Err = fmt.Errorf("coordinator: %s: %w", plan.RunID, err)
			return res
		}
		if attempt == c.opt.MaxAttempts {
			break
		}
		log.Warn("cohort attempt failed, resuming", "attempt", attempt, "backoff", backoff, "err", err)
		if err := c.d.Sleep(ctx, backoff); err != nil {
			res.Err = fmt.Errorf("coordinator: %s: %w", plan.RunID, err)
			return res
		}
		backoff = min(backoff*2, c.opt.MaxBackoff)
	}
	res.Err = fmt.Errorf("coordinator: %s failed after %d attempts: %w", plan.RunID, res.Attempts, res.Err)
	return res
}

func (c *Coordinator) attempt(ctx context.Context, plan CohortPlan, containers []domain.Container, resume bool) (session.Report, error) {
	if c.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opt.Timeout)
		defer cancel()
	}
	rc := session.NewRunContext(plan.RunID, plan.Apply(c.d.Config), c.d.Store, c.log)
	rc.Containers = containers
	if c.d.Checkpoints != nil {
		rc.Checkpoints = c.d.Checkpoints
	}
	if c.d.NewMemory != nil {
		rc.Memory = c.d.NewMemory()
	}
	rc.Metrics = c.d.Metrics
	return session.Run(ctx, rc, session.Options{Resume: resume, MaxChunks: c.d.MaxChunks})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
