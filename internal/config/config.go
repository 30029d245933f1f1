// Package config loads the simulation parameters: run window, stage table,
// environment profiles, disease and weather tables, feed catalogue, topology
// and the infrastructure drivers. Files are YAML and decode over embedded
// defaults.
package config

import (
	"aquasim/pkg/domain"
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Date is a calendar day written as YYYY-MM-DD.
type Date struct {
	time.Time
}

// UnmarshalYAML parses a YYYY-MM-DD scalar.
func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: date must be a scalar", node.Line)
	}
	t, err := time.Parse(time.DateOnly, node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Time = t.UTC()
	return nil
}

// MarshalYAML renders the date as YYYY-MM-DD.
func (d Date) MarshalYAML() (any, error) {
	return d.Format(time.DateOnly), nil
}

// Range is an inclusive integer interval, used for durations in days.
type Range struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Band is an inclusive float interval.
type Band struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Config is the full parameter set of one simulation.
type Config struct {
	Seed                     uint64      `yaml:"seed"`
	StartDate                Date        `yaml:"start_date"`
	Days                     int         `yaml:"days"`
	ChunkDays                int         `yaml:"chunk_days"`
	SamplesPerDay            int         `yaml:"samples_per_day"`
	GrowthSampleIntervalDays int         `yaml:"growth_sample_interval_days"`
	FactBatchSize            int         `yaml:"fact_batch_size"`
	CatalogPath              string      `yaml:"catalog"`
	Memory                   Memory      `yaml:"memory"`
	Store                    Store       `yaml:"store"`
	Checkpoint               Checkpoint  `yaml:"checkpoint"`
	Blob                     Blob        `yaml:"blob"`
	Coordinator              Coordinator `yaml:"coordinator"`
	Cohort                   Cohort      `yaml:"cohort"`
	Logging                  Logging     `yaml:"logging"`
	Mortality                Mortality   `yaml:"mortality"`
	Stages                   []Stage     `yaml:"stages"`
	Environment              Environment `yaml:"environment"`
	Diseases                 []Disease   `yaml:"diseases"`
	Weather                  []Weather   `yaml:"weather"`
	Feed                     Feed        `yaml:"feed"`
	Topology                 []Location  `yaml:"topology"`
}

// Memory holds the memory monitor thresholds in MiB of live heap.
type Memory struct {
	HighWaterMB uint64 `yaml:"high_water_mb"`
	CriticalMB  uint64 `yaml:"critical_mb"`
}

// HighWaterBytes returns the high-water mark in bytes.
func (m Memory) HighWaterBytes() uint64 { return m.HighWaterMB << 20 }

// CriticalBytes returns the critical mark in bytes.
func (m Memory) CriticalBytes() uint64 { return m.CriticalMB << 20 }

// Store selects the durable store driver.
type Store struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Checkpoint selects where checkpoints are written.
type Checkpoint struct {
	Driver string `yaml:"driver"`
	Prefix string `yaml:"prefix"`
	// Keep bounds the archived checkpoints per run; zero keeps all.
	Keep int `yaml:"keep"`
}

// Checkpoint drivers.
const (
	CheckpointStore  = "store"
	CheckpointBlob   = "blob"
	CheckpointMirror = "mirror"
)

// Blob configures the checkpoint archive.
type Blob struct {
	Driver string `yaml:"driver"`
	FSRoot string `yaml:"fs_root"`
	S3     S3     `yaml:"s3"`
}

// S3 holds the S3 archive settings.
type S3 struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// Coordinator bounds parallel execution.
type Coordinator struct {
	Workers        int           `yaml:"workers"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// Cohort describes the intake of each simulated cohort.
type Cohort struct {
	NamePrefix     string        `yaml:"name_prefix"`
	Count          int64         `yaml:"count"`
	InitialWeightG float64       `yaml:"initial_weight_g"`
	Origin         domain.Origin `yaml:"origin"`
	// Location pins the intake to one location; empty lets the lifecycle pick.
	Location string `yaml:"location"`
}

// Logging configures the CLI log handler.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Mortality shapes the stage age factor and the environmental stress term.
type Mortality struct {
	EntryPeak                  float64 `yaml:"entry_peak"`
	ExitPeak                   float64 `yaml:"exit_peak"`
	DecayDays                  float64 `yaml:"decay_days"`
	TemperatureStressPerDegree float64 `yaml:"temperature_stress_per_degree"`
	OxygenStressPerMg          float64 `yaml:"oxygen_stress_per_mg"`
}

// Stage is one row of the lifecycle table. Order in Config.Stages is the
// lifecycle order.
type Stage struct {
	Name               domain.Stage           `yaml:"name"`
	ContainerTypes     []domain.ContainerType `yaml:"container_types"`
	DurationDays       Range                  `yaml:"duration_days"`
	TGC                float64                `yaml:"tgc"`
	BaseMortality      float64                `yaml:"base_mortality"`
	OptimalTemperature Band                   `yaml:"optimal_temperature"`
	MinOxygen          float64                `yaml:"min_oxygen"`
	FeedType           string                 `yaml:"feed_type"`
	FeedRates          []FeedRate             `yaml:"feed_rates"`
	// SingleLocation keeps every container of the stage in one location.
	SingleLocation bool `yaml:"single_location"`
}

// FeedRate applies Percent of biomass per day while temperature is below BelowC.
type FeedRate struct {
	BelowC  float64 `yaml:"below_c"`
	Percent float64 `yaml:"percent"`
}

// Allows reports whether containers of type t may host the stage.
func (s Stage) Allows(t domain.ContainerType) bool {
	for _, ct := range s.ContainerTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// FeedRate returns the daily feed percentage of biomass at temperature.
// Bands are ascending; temperatures above the last band use its rate.
func (s Stage) FeedRate(temperature float64) float64 {
	if len(s.FeedRates) == 0 {
		return 0
	}
	for _, band := range s.FeedRates {
		if temperature < band.BelowC {
			return band.Percent
		}
	}
	return s.FeedRates[len(s.FeedRates)-1].Percent
}

// Param is the generator profile of one environmental parameter.
type Param struct {
	Mean        float64 `yaml:"mean"`
	Amplitude   float64 `yaml:"amplitude"`
	PeakDay     int     `yaml:"peak_day"`
	Persistence float64 `yaml:"persistence"`
	Sigma       float64 `yaml:"sigma"`
	Min         float64 `yaml:"min"`
	Max         float64 `yaml:"max"`
}

// Baseline returns the seasonal mean on day-of-year doy.
func (p Param) Baseline(doy int) float64 {
	return p.Mean + p.Amplitude*math.Cos(2*math.Pi*float64(doy-p.PeakDay)/365)
}

// Clamp bounds v to [Min, Max] when a range is configured.
func (p Param) Clamp(v float64) float64 {
	if p.Max <= p.Min {
		return v
	}
	return math.Min(p.Max, math.Max(p.Min, v))
}

// Profile groups parameter profiles for one water body type.
type Profile struct {
	Temperature      Param `yaml:"temperature"`
	OxygenSaturation Param `yaml:"oxygen_saturation"`
	PH               Param `yaml:"ph"`
	Salinity         Param `yaml:"salinity"`
}

// Environment holds the freshwater and seawater profiles.
type Environment struct {
	Freshwater Profile `yaml:"freshwater"`
	Seawater   Profile `yaml:"seawater"`
}

// Profile selects the profile for a container.
func (e Environment) Profile(saline bool) Profile {
	if saline {
		return e.Seawater
	}
	return e.Freshwater
}

// Disease is one row of the outbreak table.
type Disease struct {
	Name                 string         `yaml:"name"`
	Stages               []domain.Stage `yaml:"stages"`
	DailyProbability     float64        `yaml:"daily_probability"`
	PeakDay              int            `yaml:"peak_day"`
	SeasonalAmplitude    float64        `yaml:"seasonal_amplitude"`
	Multiplier           float64        `yaml:"multiplier"`
	DurationDays         Range          `yaml:"duration_days"`
	TreatmentProbability float64        `yaml:"treatment_probability"`
	TreatmentDelayDays   int            `yaml:"treatment_delay_days"`
	Effectiveness        float64        `yaml:"effectiveness"`
	WithholdingDays      int            `yaml:"withholding_days"`
}

// Affects reports whether the disease can strike the stage.
func (d Disease) Affects(stage domain.Stage) bool {
	for _, s := range d.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// WeatherScope is the reach of a weather event.
type WeatherScope string

// Weather scopes.
const (
	ScopeLocation  WeatherScope = "location"
	ScopeContainer WeatherScope = "container"
)

// Weather is one row of the weather event table. Offsets are keyed by
// parameter name.
type Weather struct {
	Name              string             `yaml:"name"`
	Scope             WeatherScope       `yaml:"scope"`
	DailyProbability  float64            `yaml:"daily_probability"`
	PeakDay           int                `yaml:"peak_day"`
	SeasonalAmplitude float64            `yaml:"seasonal_amplitude"`
	DurationDays      Range              `yaml:"duration_days"`
	Offsets           map[string]float64 `yaml:"offsets"`
}

// ParameterOffsets resolves Offsets to parameter keys.
func (w Weather) ParameterOffsets() (map[domain.Parameter]float64, error) {
	out := make(map[domain.Parameter]float64, len(w.Offsets))
	for name, v := range w.Offsets {
		p, err := domain.ParseParameter(name)
		if err != nil {
			return nil, fmt.Errorf("weather %s: %w", w.Name, err)
		}
		out[p] = v
	}
	return out, nil
}

// Feed is the feed catalogue.
type Feed struct {
	Types []FeedType `yaml:"types"`
}

// Type looks up a feed type by name.
func (f Feed) Type(name string) (FeedType, bool) {
	for _, t := range f.Types {
		if t.Name == name {
			return t, true
		}
	}
	return FeedType{}, false
}

// FeedType describes one product and its reorder policy.
type FeedType struct {
	Name               string  `yaml:"name"`
	BasePrice          float64 `yaml:"base_price"`
	SeasonalAmplitude  float64 `yaml:"seasonal_amplitude"`
	PeakDay            int     `yaml:"peak_day"`
	MarketVariation    float64 `yaml:"market_variation"`
	InitialStockKg     float64 `yaml:"initial_stock_kg"`
	ReorderThresholdKg float64 `yaml:"reorder_threshold_kg"`
	ReorderQuantityKg  float64 `yaml:"reorder_quantity_kg"`
	LeadTimeDays       int     `yaml:"lead_time_days"`
}

// Location is one grouping of containers in the default topology.
type Location struct {
	Name       string           `yaml:"name"`
	Site       string           `yaml:"site"`
	Saline     bool             `yaml:"saline"`
	Containers []ContainerGroup `yaml:"containers"`
}

// ContainerGroup declares Count identical containers.
type ContainerGroup struct {
	Type     domain.ContainerType `yaml:"type"`
	Count    int                  `yaml:"count"`
	Capacity int64                `yaml:"capacity"`
}

// SeasonalFactor returns 1 + amplitude·cos(2π(doy − peak)/365).
func SeasonalFactor(doy, peakDay int, amplitude float64) float64 {
	return 1 + amplitude*math.Cos(2*math.Pi*float64(doy-peakDay)/365)
}

// StageByName returns the stage row named name.
func (c Config) StageByName(name domain.Stage) (Stage, bool) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// FirstStage returns the intake stage.
func (c Config) FirstStage() Stage {
	if len(c.Stages) == 0 {
		return Stage{}
	}
	return c.Stages[0]
}

// NextStage returns the stage following name, StageHarvested after the last
// stage, and "" for unknown or terminal stages.
func (c Config) NextStage(name domain.Stage) domain.Stage {
	for i, s := range c.Stages {
		if s.Name != name {
			continue
		}
		if i == len(c.Stages)-1 {
			return domain.StageHarvested
		}
		return c.Stages[i+1].Name
	}
	return ""
}

// IsFinalStage reports whether name is the last hosted stage.
func (c Config) IsFinalStage(name domain.Stage) bool {
	return len(c.Stages) > 0 && c.Stages[len(c.Stages)-1].Name == name
}

// StartDay returns the normalised first simulated day.
func (c Config) StartDay() time.Time { return domain.Day(c.StartDate.Time) }

// EndDay returns the last simulated day.
func (c Config) EndDay() time.Time { return c.StartDay().AddDate(0, 0, c.Days-1) }

// Default returns the embedded defaults.
func Default() Config {
	var cfg Config
	if err := decodeInto(defaultYAML, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decodeInto(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads path (optional) over the defaults, applies AQUASIM_* environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decodeInto(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeInto(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}
