// Package session runs one simulation in chunks of days, checkpointing after
// every chunk so an interrupted run resumes where the last checkpoint left
// off and produces the same history as an uninterrupted one.
package session

import (
	"aquasim/internal/catalog"
	"aquasim/internal/checkpoint"
	"aquasim/internal/config"
	"aquasim/internal/cycle"
	"aquasim/internal/environment"
	"aquasim/internal/feed"
	"aquasim/internal/growth"
	"aquasim/internal/ids"
	"aquasim/internal/lifecycle"
	"aquasim/internal/memwatch"
	"aquasim/internal/metrics"
	"aquasim/internal/streams"
	"aquasim/pkg/domain"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Generator state keys inside a checkpoint.
const (
	generatorEnvironment = "environment"
	generatorFeed        = "feed"
	generatorLifecycle   = "lifecycle"
)

// MemoryGuard is the part of memwatch.Monitor a session depends on.
type MemoryGuard interface {
	Check() (memwatch.Status, error)
	OnCleanup(fn func()) (remove func())
}

// RunContext carries everything one run needs. Nothing is global: parallel
// workers each get their own RunContext over a shared store.
type RunContext struct {
	RunID       string
	Config      config.Config
	Store       domain.PersistentStore
	Checkpoints checkpoint.Checkpointer
	Memory      MemoryGuard
	Metrics     metrics.Recorder
	Logger      *slog.Logger
	Streams     streams.Source
	// Containers is the pool the run may place cohorts into.
	Containers []domain.Container
	Clock      func() time.Time
}

// NewRunContext returns a context with defaults derived from cfg: a
// store-backed checkpointer, a memory monitor at the configured marks, the
// full topology as pool and a stream source derived from the seed and run id.
func NewRunContext(runID string, cfg config.Config, store domain.PersistentStore, logger *slog.Logger) *RunContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunContext{
		RunID:       runID,
		Config:      cfg,
		Store:       store,
		Checkpoints: checkpoint.NewStore(store),
		Memory:      memwatch.New(cfg.Memory.HighWaterBytes(), cfg.Memory.CriticalBytes(), logger),
		Metrics:     metrics.Noop{},
		Logger:      logger,
		Streams:     streams.New(cfg.Seed).Derive(runID),
		Containers:  catalog.FromTopology(cfg.Topology),
		Clock:       time.Now,
	}
}

// CohortID returns the id of the cohort a run stocks.
func CohortID(runID string) string { return ids.New(runID, "cohort") }

// Options select how much of the run to execute.
type Options struct {
	// Resume continues from the latest checkpoint when one exists.
	Resume bool
	// MaxChunks stops cleanly after that many chunks; zero runs to the end.
	MaxChunks int
}

// Report summarises one call to Run.
type Report struct {
	RunID string
	// From is the first day simulated by this call, Last the last one.
	From        time.Time
	Last        time.Time
	Days        int
	Chunks      int
	Checkpoints int
	Resumed     bool
	// Complete is set once every cohort is harvested or the configured
	// horizon is reached.
	Complete bool
	Counters domain.Counters
}

type components struct {
	life   *lifecycle.Manager
	env    *environment.Generator
	feed   *feed.Manager
	driver *cycle.Driver
}

func (rc *RunContext) validate() error {
	switch {
	case rc == nil:
		return errors.New("session: nil run context")
	case rc.RunID == "":
		return errors.New("session: run id required")
	case rc.Store == nil:
		return errors.New("session: store required")
	case len(rc.Containers) == 0:
		return errors.New("session: empty container pool")
	}
	return nil
}

func (rc *RunContext) build() (components, error) {
	env, err := environment.New(rc.Config, rc.Containers, rc.Streams, rc.Logger)
	if err != nil {
		return components{}, err
	}
	life := lifecycle.New(rc.Store, rc.Config, rc.RunID, rc.Containers, rc.Streams, rc.Logger)
	fm := feed.New(rc.RunID, rc.Config, rc.Containers, rc.Streams, rc.Logger)
	dr, err := cycle.New(cycle.Deps{
		Store:       rc.Store,
		Config:      rc.Config,
		RunID:       rc.RunID,
		Lifecycle:   life,
		Environment: env,
		Growth:      growth.New(rc.Config, rc.Streams),
		Feed:        fm,
		Metrics:     rc.Metrics,
		Logger:      rc.Logger,
	})
	if err != nil {
		return components{}, err
	}
	return components{life: life, env: env, feed: fm, driver: dr}, nil
}

// Run simulates the configured horizon, or what is left of it when resuming.
// A memory ceiling breach checkpoints the last finished day and returns an
// error wrapping domain.ErrMemoryExhausted; the run can then be resumed.
func Run(ctx context.Context, rc *RunContext, opts Options) (Report, error) {
	if err := rc.validate(); err != nil {
		return Report{}, err
	}
	if rc.Logger == nil {
		rc.Logger = slog.Default()
	}
	if rc.Checkpoints == nil {
		rc.Checkpoints = checkpoint.NewStore(rc.Store)
	}
	if rc.Clock == nil {
		rc.Clock = time.Now
	}
	rc.Metrics = metrics.OrNoop(rc.Metrics)
	log := rc.Logger.With("run", rc.RunID)

	comp, err := rc.build()
	if err != nil {
		return Report{}, fmt.Errorf("session: %w", err)
	}
	if _, err := catalog.Seed(ctx, rc.Store, rc.Containers); err != nil {
		return Report{}, fmt.Errorf("session: %w", err)
	}

	start, end := rc.Config.StartDay(), rc.Config.EndDay().AddDate(0, 0, 1)
	rep := Report{RunID: rc.RunID}
	next, seq := start, 0
	resumed := false
	if opts.Resume {
		cp, ok, err := rc.Checkpoints.Latest(ctx, rc.RunID)
		if err != nil {
			return rep, fmt.Errorf("session: latest checkpoint: %w", err)
		}
		if ok {
			if err := restore(ctx, rc, comp, cp); err != nil {
				return rep, err
			}
			next, seq, resumed = domain.Day(cp.Date).AddDate(0, 0, 1), cp.Sequence, true
			if harvested(cp.Cohorts) {
				next = end
			}
			log.Info("run resumed", "checkpoint", cp.Sequence, "date", cp.Date.Format(time.DateOnly))
		}
	}
	if !resumed {
		// Sequences keep counting past an earlier attempt so Latest never
		// returns one of its checkpoints.
		prev, ok, err := rc.Checkpoints.Latest(ctx, rc.RunID)
		if err != nil {
			return rep, fmt.Errorf("session: latest checkpoint: %w", err)
		}
		if ok {
			seq = prev.Sequence
		}
		if err := begin(ctx, rc, comp, start); err != nil {
			return rep, err
		}
	}
	rep.Resumed = resumed
	rep.From = next

	var today time.Time
	if rc.Memory != nil {
		remove := rc.Memory.OnCleanup(func() {
			if n := comp.driver.Trim(today); n > 0 {
				log.Debug("generator cache trimmed", "entries", n)
			}
		})
		defer remove()
	}

	save := func(date time.Time) error {
		seq++
		cp, err := snapshot(ctx, rc, comp, seq, date)
		if err != nil {
			return err
		}
		if err := rc.Checkpoints.Save(ctx, cp); err != nil {
			return fmt.Errorf("session: save checkpoint %d: %w", seq, err)
		}
		rep.Checkpoints++
		log.Info("checkpoint saved", "sequence", seq, "date", date.Format(time.DateOnly),
			"facts", cp.Counters.TotalFacts())
		return nil
	}

	for chunkStart := next; chunkStart.Before(end); {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		chunkEnd := chunkStart.AddDate(0, 0, rc.Config.ChunkDays)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		done := false
		for d := chunkStart; d.Before(chunkEnd); d = d.AddDate(0, 0, 1) {
			today = d
			day, err := comp.driver.RunDay(ctx, d)
			if err != nil {
				return rep, fmt.Errorf("session: %w", err)
			}
			rep.Last = d
			rep.Days++
			if rc.Memory != nil {
				st, err := rc.Memory.Check()
				rc.Metrics.HeapBytes(st.After)
				if err != nil {
					if errors.Is(err, domain.ErrMemoryExhausted) {
						if cerr := save(d); cerr != nil {
							return rep, errors.Join(err, cerr)
						}
						log.Error("run halted on memory ceiling", "date", d.Format(time.DateOnly), "err", err)
					}
					rep.Counters = comp.driver.Counters()
					return rep, fmt.Errorf("session: %w", err)
				}
			}
			if day.Remaining == 0 {
				done = true
				break
			}
		}
		if err := save(rep.Last); err != nil {
			return rep, err
		}
		rep.Chunks++
		log.Debug("chunk finished", "chunk", rep.Chunks, "from", chunkStart.Format(time.DateOnly),
			"last", rep.Last.Format(time.DateOnly))
		if done {
			break
		}
		chunkStart = chunkEnd
		if opts.MaxChunks > 0 && rep.Chunks >= opts.MaxChunks {
			rep.Counters = comp.driver.Counters()
			log.Info("run paused", "chunks", rep.Chunks, "last", rep.Last.Format(time.DateOnly))
			return rep, nil
		}
	}
	rep.Complete = true
	rep.Counters = comp.driver.Counters()
	log.Info("run complete", "days", rep.Counters.Days, "facts", rep.Counters.TotalFacts(),
		"harvested", rep.Counters.Harvested, "mortality", rep.Counters.Mortality)
	return rep, nil
}

// begin clears whatever an earlier attempt of the run left in the store and
// stocks the cohort on start.
func begin(ctx context.Context, rc *RunContext, comp components, start time.Time) error {
	empty := domain.Checkpoint{RunID: rc.RunID, Date: start.AddDate(0, 0, -1)}
	if err := rc.Store.Rewind(ctx, empty); err != nil {
		return fmt.Errorf("session: reset run: %w", err)
	}
	comp.feed.Seed(start)
	cfg := rc.Config.Cohort
	id := CohortID(rc.RunID)
	_, _, err := comp.life.Place(ctx, domain.Cohort{
		Base:         domain.Base{ID: id},
		Name:         fmt.Sprintf("%s-%s", cfg.NamePrefix, rc.RunID),
		Origin:       cfg.Origin,
		InitialCount: cfg.Count,
		InitialMassG: cfg.InitialWeightG,
	}, start)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

func harvested(cohorts []domain.Cohort) bool {
	for _, c := range cohorts {
		if c.Status != domain.CohortHarvested {
			return false
		}
	}
	return len(cohorts) > 0
}

func restore(ctx context.Context, rc *RunContext, comp components, cp domain.Checkpoint) error {
	if err := rc.Store.Rewind(ctx, cp); err != nil {
		return fmt.Errorf("session: rewind to checkpoint %d: %w", cp.Sequence, err)
	}
	restorers := map[string]func(json.RawMessage) error{
		generatorEnvironment: comp.env.Restore,
		generatorFeed:        comp.feed.Restore,
		generatorLifecycle:   comp.life.Restore,
	}
	for name, fn := range restorers {
		raw, ok := cp.Generators[name]
		if !ok {
			return fmt.Errorf("session: checkpoint %d lacks %s state", cp.Sequence, name)
		}
		if err := fn(raw); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}
	comp.driver.SetCounters(cp.Counters)
	return nil
}

func snapshot(ctx context.Context, rc *RunContext, comp components, seq int, date time.Time) (domain.Checkpoint, error) {
	cohorts, err := comp.life.Cohorts(ctx)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("session: %w", err)
	}
	run := make(map[string]bool, len(cohorts))
	for _, c := range cohorts {
		run[c.ID] = true
	}
	var open []domain.Assignment
	for _, a := range rc.Store.ListAssignments() {
		if run[a.CohortID] && a.IsOpen() {
			open = append(open, a)
		}
	}
	reservations, err := comp.life.Reservations(ctx)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("session: %w", err)
	}
	cp := domain.Checkpoint{
		RunID:        rc.RunID,
		Sequence:     seq,
		Date:         domain.Day(date),
		Cohorts:      cohorts,
		Assignments:  open,
		Reservations: reservations,
		Counters:     comp.driver.Counters(),
		Generators:   make(map[string]json.RawMessage),
		CreatedAt:    rc.Clock().UTC(),
	}
	for name, fn := range map[string]func() (json.RawMessage, error){
		generatorEnvironment: comp.env.State,
		generatorFeed:        comp.feed.State,
		generatorLifecycle:   comp.life.State,
	} {
		raw, err := fn()
		if err != nil {
			return domain.Checkpoint{}, fmt.Errorf("session: %w", err)
		}
		cp.Generators[name] = raw
	}
	return cp, nil
}
