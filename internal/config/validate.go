package config

import (
	"aquasim/pkg/domain"
	"errors"
	"fmt"
	"log/slog"
)

// Validate reports every inconsistency in the configuration at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.StartDate.IsZero() {
		add("start_date required")
	}
	if c.Days <= 0 {
		add("days must be positive")
	}
	if c.ChunkDays <= 0 {
		add("chunk_days must be positive")
	}
	if c.SamplesPerDay <= 0 || c.SamplesPerDay > 24 {
		add("samples_per_day must be within 1..24")
	}
	if c.GrowthSampleIntervalDays <= 0 {
		add("growth_sample_interval_days must be positive")
	}
	if c.FactBatchSize <= 0 {
		add("fact_batch_size must be positive")
	}
	if c.Memory.HighWaterMB == 0 || c.Memory.CriticalMB <= c.Memory.HighWaterMB {
		add("memory: critical_mb must exceed a positive high_water_mb")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			add("store: sqlite requires path")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			add("store: postgres requires dsn")
		}
	default:
		add("store: unknown driver %q", c.Store.Driver)
	}
	switch c.Checkpoint.Driver {
	case CheckpointStore, CheckpointBlob, CheckpointMirror:
	default:
		add("checkpoint: unknown driver %q", c.Checkpoint.Driver)
	}
	if c.Checkpoint.Keep < 0 {
		add("checkpoint: keep must not be negative")
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Checkpoint.Driver != CheckpointStore && c.Blob.S3.Bucket == "" {
			add("blob: s3 requires bucket")
		}
	default:
		add("blob: unknown driver %q", c.Blob.Driver)
	}

	if c.Coordinator.Workers <= 0 {
		add("coordinator: workers must be positive")
	}
	if c.Coordinator.MaxAttempts <= 0 {
		add("coordinator: max_attempts must be positive")
	}
	if c.Coordinator.MaxBackoff < c.Coordinator.InitialBackoff {
		add("coordinator: max_backoff below initial_backoff")
	}

	if c.Cohort.Count <= 0 {
		add("cohort: count must be positive")
	}
	if c.Cohort.InitialWeightG <= 0 {
		add("cohort: initial_weight_g must be positive")
	}
	switch c.Cohort.Origin {
	case domain.OriginExternal, domain.OriginInternal:
	default:
		add("cohort: unknown origin %q", c.Cohort.Origin)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		add("logging: %v", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		add("logging: unknown format %q", c.Logging.Format)
	}

	errs = append(errs, c.validateStages()...)
	errs = append(errs, c.validateTables()...)
	errs = append(errs, c.validateTopology()...)

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) validateStages() []error {
	var errs []error
	if len(c.Stages) == 0 {
		return []error{errors.New("stages: at least one stage required")}
	}
	seen := make(map[domain.Stage]bool, len(c.Stages))
	for _, s := range c.Stages {
		if s.Name == "" || s.Name == domain.StageHarvested {
			errs = append(errs, fmt.Errorf("stages: invalid name %q", s.Name))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("stages: duplicate %s", s.Name))
		}
		seen[s.Name] = true
		if len(s.ContainerTypes) == 0 {
			errs = append(errs, fmt.Errorf("stage %s: container_types required", s.Name))
		}
		if s.DurationDays.Min <= 0 || s.DurationDays.Max < s.DurationDays.Min {
			errs = append(errs, fmt.Errorf("stage %s: invalid duration_days", s.Name))
		}
		if s.TGC < 0 || s.BaseMortality < 0 || s.BaseMortality >= 1 {
			errs = append(errs, fmt.Errorf("stage %s: tgc and base_mortality out of range", s.Name))
		}
		if s.FeedType != "" {
			if _, ok := c.Feed.Type(s.FeedType); !ok {
				errs = append(errs, fmt.Errorf("stage %s: unknown feed_type %q", s.Name, s.FeedType))
			}
		}
		for i := 1; i < len(s.FeedRates); i++ {
			if s.FeedRates[i].BelowC <= s.FeedRates[i-1].BelowC {
				errs = append(errs, fmt.Errorf("stage %s: feed_rates must ascend", s.Name))
				break
			}
		}
	}
	return errs
}

func (c Config) validateTables() []error {
	var errs []error
	for _, d := range c.Diseases {
		for _, s := range d.Stages {
			if _, ok := c.StageByName(s); !ok {
				errs = append(errs, fmt.Errorf("disease %s: unknown stage %s", d.Name, s))
			}
		}
		if !probability(d.DailyProbability) || !probability(d.TreatmentProbability) || !probability(d.Effectiveness) {
			errs = append(errs, fmt.Errorf("disease %s: probabilities must lie in [0,1]", d.Name))
		}
		if d.Multiplier < 1 {
			errs = append(errs, fmt.Errorf("disease %s: multiplier below 1", d.Name))
		}
		if d.DurationDays.Min <= 0 || d.DurationDays.Max < d.DurationDays.Min {
			errs = append(errs, fmt.Errorf("disease %s: invalid duration_days", d.Name))
		}
	}
	for _, w := range c.Weather {
		if w.Scope != ScopeLocation && w.Scope != ScopeContainer {
			errs = append(errs, fmt.Errorf("weather %s: unknown scope %q", w.Name, w.Scope))
		}
		if !probability(w.DailyProbability) {
			errs = append(errs, fmt.Errorf("weather %s: daily_probability must lie in [0,1]", w.Name))
		}
		if w.DurationDays.Min <= 0 || w.DurationDays.Max < w.DurationDays.Min {
			errs = append(errs, fmt.Errorf("weather %s: invalid duration_days", w.Name))
		}
		if _, err := w.ParameterOffsets(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range c.Feed.Types {
		if f.Name == "" || f.BasePrice <= 0 || f.ReorderQuantityKg <= 0 || f.LeadTimeDays < 0 {
			errs = append(errs, fmt.Errorf("feed %q: name, base_price, reorder_quantity_kg and lead_time_days required", f.Name))
		}
		if f.MarketVariation < 0 || f.MarketVariation >= 1 {
			errs = append(errs, fmt.Errorf("feed %s: market_variation must lie in [0,1)", f.Name))
		}
	}
	return errs
}

func (c Config) validateTopology() []error {
	if c.CatalogPath != "" {
		return nil
	}
	var errs []error
	types := make(map[domain.ContainerType]bool)
	names := make(map[string]bool)
	for _, loc := range c.Topology {
		if loc.Name == "" || names[loc.Name] {
			errs = append(errs, fmt.Errorf("topology: missing or duplicate location %q", loc.Name))
		}
		names[loc.Name] = true
		for _, g := range loc.Containers {
			if g.Count <= 0 || g.Capacity <= 0 {
				errs = append(errs, fmt.Errorf("topology %s: %s needs positive count and capacity", loc.Name, g.Type))
			}
			types[g.Type] = true
		}
	}
	for _, s := range c.Stages {
		hosted := false
		for _, t := range s.ContainerTypes {
			hosted = hosted || types[t]
		}
		if !hosted {
			errs = append(errs, fmt.Errorf("topology: no container can host stage %s", s.Name))
		}
	}
	if c.Cohort.Location != "" && !names[c.Cohort.Location] {
		errs = append(errs, fmt.Errorf("cohort: unknown location %q", c.Cohort.Location))
	}
	return errs
}

func probability(p float64) bool { return p >= 0 && p <= 1 }
