package cycle

import (
	"aquasim/internal/config"
	"aquasim/internal/environment"
	"aquasim/internal/feed"
	"aquasim/internal/growth"
	"aquasim/internal/lifecycle"
	"aquasim/internal/metrics"
	"aquasim/pkg/domain"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Deps wires a Driver to the components of one run.
type Deps struct {
	Store       domain.PersistentStore
	Config      config.Config
	RunID       string
	Lifecycle   *lifecycle.Manager
	Environment *environment.Generator
	Growth      *growth.Engine
	Feed        *feed.Manager
	Metrics     metrics.Recorder
	Logger      *slog.Logger
}

// Driver runs the daily cycle of one run.
type Driver struct {
	store    domain.PersistentStore
	cfg      config.Config
	runID    string
	life     *lifecycle.Manager
	env      *environment.Generator
	feed     *feed.Manager
	stages   []Stage
	rec      metrics.Recorder
	log      *slog.Logger
	pool     map[string]domain.Container
	counters domain.Counters
}

// Report summarises one simulated day.
type Report struct {
	Date        time.Time
	Assignments int
	Facts       int
	Transitions int
	Harvests    int
	// Remaining counts cohorts not yet harvested after the day.
	Remaining int
}

// New builds a driver with the standard pipeline:
// environment, growth, feed, transition check.
func New(d Deps) (*Driver, error) {
	if d.Store == nil || d.Lifecycle == nil || d.Environment == nil || d.Growth == nil || d.Feed == nil {
		return nil, errors.New("cycle: incomplete dependencies")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stages := make(map[domain.Stage]config.Stage, len(d.Config.Stages))
	for _, s := range d.Config.Stages {
		stages[s.Name] = s
	}
	pool := make(map[string]domain.Container)
	for _, c := range d.Lifecycle.Pool() {
		pool[c.ID] = c
	}
	return &Driver{
		store: d.Store,
		cfg:   d.Config,
		runID: d.RunID,
		life:  d.Lifecycle,
		env:   d.Environment,
		feed:  d.Feed,
		stages: []Stage{
			environmentStage{env: d.Environment},
			growthStage{engine: d.Growth},
			feedStage{feed: d.Feed, stages: stages},
			transitionStage{},
		},
		rec:  metrics.OrNoop(d.Metrics),
		log:  logger.With("run", d.RunID),
		pool: pool,
	}, nil
}

// Stages returns the pipeline stage names in execution order.
func (dr *Driver) Stages() []string {
	out := make([]string, len(dr.stages))
	for i, s := range dr.stages {
		out[i] = s.Name()
	}
	return out
}

// Counters returns a copy of the accumulated run totals.
func (dr *Driver) Counters() domain.Counters { return dr.counters.Clone() }

// SetCounters replaces the run totals, used when resuming.
func (dr *Driver) SetCounters(c domain.Counters) { dr.counters = c.Clone() }

// Trim releases cached generator state no longer needed after date.
func (dr *Driver) Trim(date time.Time) int { return dr.env.Trim(date) }

// RunDay simulates date. Facts and assignment updates of the day are
// committed before any transition runs, so transitions always move the
// end-of-day populations.
func (dr *Driver) RunDay(ctx context.Context, date time.Time) (Report, error) {
	started := time.Now()
	date = domain.Day(date)
	rep := Report{Date: date}

	for _, o := range dr.feed.Receive(date) {
		dr.log.Debug("feed delivered", "location", o.Location, "feed_type", o.FeedType,
			"quantity_kg", o.QuantityKg.String(), "date", date.Format(time.DateOnly))
	}
	events := dr.env.RollWeather(date)
	dr.counters.WeatherEvents += int64(len(events))

	cohorts, err := dr.cohorts(ctx)
	if err != nil {
		return rep, err
	}
	active, err := dr.life.ActiveAssignments(ctx, date)
	if err != nil {
		return rep, fmt.Errorf("cycle: list assignments: %w", err)
	}

	day := newDay(date, &dr.counters)
	var updated []domain.Assignment
	open := make(map[string][]string)
	for _, a := range active {
		if !a.IsOpen() {
			continue
		}
		c, ok := dr.pool[a.ContainerID]
		if !ok {
			return rep, fmt.Errorf("cycle: assignment %s in container %s outside the pool", a.ID, a.ContainerID)
		}
		cohort, ok := cohorts[a.CohortID]
		if !ok {
			return rep, fmt.Errorf("cycle: assignment %s: %w", a.ID, domain.NotFoundError{Entity: domain.EntityCohort, ID: a.CohortID})
		}
		open[a.CohortID] = append(open[a.CohortID], a.ID)
		day.reset(c, cohort)
		if err := dr.process(ctx, day, &a); err != nil {
			return rep, err
		}
		updated = append(updated, a)
	}
	rep.Assignments = len(updated)

	if err := dr.commit(ctx, day.Facts(), updated); err != nil {
		return rep, err
	}
	rep.Facts = len(day.Facts())
	purchases, err := dr.reorder(ctx, date)
	if err != nil {
		return rep, err
	}
	dr.counters.Purchases += int64(purchases)

	ids := make([]string, 0, len(open))
	for id := range open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !day.Due(id) {
			continue
		}
		moved, harvested, err := dr.advance(ctx, cohorts[id], open[id], date)
		if err != nil {
			return rep, err
		}
		if moved {
			rep.Transitions++
		}
		if harvested {
			rep.Harvests++
		}
	}

	for id, c := range cohorts {
		if c.Status != domain.CohortHarvested {
			if after, ok := dr.store.GetCohort(id); !ok || after.Status != domain.CohortHarvested {
				rep.Remaining++
			}
		}
	}
	dr.counters.Days++
	dr.rec.Day(dr.runID, date, time.Since(started))
	return rep, nil
}

// process runs the pipeline over one assignment. A temporal rejection drops
// the offending fact and skips the remaining stages of that assignment.
func (dr *Driver) process(ctx context.Context, day *Day, a *domain.Assignment) error {
	for _, s := range dr.stages {
		err := s.Run(ctx, day, a)
		var te *domain.TemporalError
		switch {
		case errors.As(err, &te):
			dr.counters.TemporalDrops++
			dr.rec.TemporalDrop()
			dr.log.Warn("fact outside assignment window dropped", "assignment", a.ID, "stage", s.Name(),
				"date", day.Date.Format(time.DateOnly), "err", err)
			return nil
		case err != nil:
			return fmt.Errorf("cycle: %s stage for %s on %s: %w", s.Name(), a.ID, day.Date.Format(time.DateOnly), err)
		}
	}
	return nil
}

func (dr *Driver) cohorts(ctx context.Context) (map[string]domain.Cohort, error) {
	list, err := dr.life.Cohorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("cycle: list cohorts: %w", err)
	}
	out := make(map[string]domain.Cohort, len(list))
	for _, c := range list {
		out[c.ID] = c
	}
	return out, nil
}

// commit appends the day's facts in batches and writes the end-of-day
// assignment state in one transaction.
func (dr *Driver) commit(ctx context.Context, facts []domain.Fact, updated []domain.Assignment) error {
	batch := dr.cfg.FactBatchSize
	if batch <= 0 {
		batch = len(facts)
	}
	for start := 0; start < len(facts); start += batch {
		end := min(start+batch, len(facts))
		if err := dr.store.AppendFacts(ctx, facts[start:end]); err != nil {
			return fmt.Errorf("cycle: append facts: %w", err)
		}
	}
	perKind := make(map[domain.FactKind]int)
	for _, f := range facts {
		dr.counters.AddFact(f.Kind)
		perKind[f.Kind]++
		switch {
		case f.Mortality != nil:
			dr.rec.Mortality(f.Mortality.Count)
		case f.Feeding != nil:
			dr.rec.FedKg(f.Feeding.FedKg)
			if f.Feeding.Shortage {
				dr.rec.Shortage()
			}
		}
	}
	for _, kind := range domain.FactKinds {
		if n := perKind[kind]; n > 0 {
			dr.rec.Facts(kind, n)
		}
	}
	if len(updated) == 0 {
		return nil
	}
	_, err := dr.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, a := range updated {
			if _, err := tx.UpdateAssignment(a.ID, func(cur *domain.Assignment) error {
				cur.Population = a.Population
				cur.AvgWeightG = a.AvgWeightG
				cur.BiomassKg = a.BiomassKg
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cycle: commit assignments: %w", err)
	}
	return nil
}

func (dr *Driver) reorder(ctx context.Context, date time.Time) (int, error) {
	purchases := dr.feed.Reorder(date)
	if len(purchases) == 0 {
		return 0, nil
	}
	_, err := dr.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, p := range purchases {
			if _, err := tx.CreatePurchase(p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cycle: record purchases: %w", err)
	}
	return len(purchases), nil
}

// advance moves a due cohort to its next stage, or harvests it once the last
// stage is over and no withholding period blocks it.
func (dr *Driver) advance(ctx context.Context, cohort domain.Cohort, sources []string, date time.Time) (moved, harvested bool, err error) {
	next := dr.cfg.NextStage(cohort.Stage)
	if next == domain.StageHarvested {
		for _, id := range sources {
			if until, ok := dr.env.WithholdingUntil(id); ok && !date.After(until) {
				dr.log.Debug("harvest deferred by withholding", "cohort", cohort.ID, "assignment", id,
					"until", until.Format(time.DateOnly), "date", date.Format(time.DateOnly))
				return false, false, nil
			}
		}
		n, err := dr.life.Harvest(ctx, cohort.ID, date)
		if err != nil {
			return false, false, err
		}
		dr.counters.Harvested += n
		dr.rec.Harvested(n)
		for _, id := range sources {
			dr.env.Forget(id)
		}
		return false, true, nil
	}

	dests, err := dr.life.Transition(ctx, cohort.ID, cohort.Stage, next, date)
	switch {
	case errors.Is(err, domain.ErrInsufficientCapacity):
		if cohort.Status != domain.CohortStalled {
			dr.counters.Stalls++
			dr.rec.Stall()
		}
		return false, false, nil
	case err != nil:
		return false, false, err
	}
	if dests == nil {
		// Depleted cohorts are retired by the lifecycle manager.
		for _, id := range sources {
			dr.env.Forget(id)
		}
		return false, true, nil
	}
	destIDs := make([]string, len(dests))
	for i, d := range dests {
		destIDs[i] = d.ID
		dr.counters.Transferred += d.Population
	}
	dr.env.Inherit(sources, destIDs)
	return true, false, nil
}
