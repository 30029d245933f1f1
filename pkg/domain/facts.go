package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FactKind identifies the payload carried by a Fact.
type FactKind string

// Supported fact kinds.
const (
	FactReading      FactKind = "environment_reading"
	FactFeeding      FactKind = "feeding"
	FactMortality    FactKind = "mortality"
	FactHealth       FactKind = "health"
	FactGrowthSample FactKind = "growth_sample"
)

// FactKinds lists every fact kind in a stable order.
var FactKinds = []FactKind{FactReading, FactFeeding, FactMortality, FactHealth, FactGrowthSample}

// Parameter enumerates environmental measurements.
type Parameter uint8

// Environmental parameters.
const (
	ParamTemperature Parameter = iota + 1
	ParamOxygen
	ParamPH
	ParamSalinity
)

// Parameters lists every parameter in generation order.
var Parameters = []Parameter{ParamTemperature, ParamOxygen, ParamPH, ParamSalinity}

func (p Parameter) String() string {
	switch p {
	case ParamTemperature:
		return "temperature"
	case ParamOxygen:
		return "oxygen"
	case ParamPH:
		return "ph"
	case ParamSalinity:
		return "salinity"
	}
	return fmt.Sprintf("parameter(%d)", uint8(p))
}

// Unit returns the measurement unit of the parameter.
func (p Parameter) Unit() string {
	switch p {
	case ParamTemperature:
		return "degC"
	case ParamOxygen:
		return "mg/L"
	case ParamPH:
		return "pH"
	case ParamSalinity:
		return "ppt"
	}
	return ""
}

// ParseParameter resolves the textual parameter name.
func ParseParameter(s string) (Parameter, error) {
	for _, p := range Parameters {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown parameter %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Parameter) MarshalText() ([]byte, error) {
	if p < ParamTemperature || p > ParamSalinity {
		return nil, fmt.Errorf("invalid parameter %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Parameter) UnmarshalText(b []byte) error {
	parsed, err := ParseParameter(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Reading is one environmental sample.
type Reading struct {
	Parameter Parameter `json:"parameter"`
	Value     float64   `json:"value"`
}

// Feeding records feed delivered to an assignment.
type Feeding struct {
	FeedType  string          `json:"feed_type"`
	Location  string          `json:"location"`
	PlannedKg float64         `json:"planned_kg"`
	FedKg     float64         `json:"fed_kg"`
	Cost      decimal.Decimal `json:"cost"`
	Shortage  bool            `json:"shortage,omitempty"`
}

// Mortality records deaths on one day.
type Mortality struct {
	Count int64  `json:"count"`
	Cause string `json:"cause"`
}

// HealthEvent enumerates the outbreak lifecycle events.
type HealthEvent string

// Health events.
const (
	HealthOnset     HealthEvent = "onset"
	HealthTreatment HealthEvent = "treatment"
	HealthResolved  HealthEvent = "resolved"
)

// Health records a disease event.
type Health struct {
	Disease          string      `json:"disease"`
	Event            HealthEvent `json:"event"`
	Multiplier       float64     `json:"multiplier"`
	WithholdingUntil *time.Time  `json:"withholding_until,omitempty"`
}

// GrowthSample records a periodic weighing.
type GrowthSample struct {
	AvgWeightG float64 `json:"avg_weight_g"`
	Population int64   `json:"population"`
	BiomassKg  float64 `json:"biomass_kg"`
}

// Fact is an append-only record tied to exactly one assignment. Exactly one
// payload pointer is set and it must match Kind.
type Fact struct {
	ID           string        `json:"id"`
	AssignmentID string        `json:"assignment_id"`
	Kind         FactKind      `json:"kind"`
	At           time.Time     `json:"at"`
	Reading      *Reading      `json:"reading,omitempty"`
	Feeding      *Feeding      `json:"feeding,omitempty"`
	Mortality    *Mortality    `json:"mortality,omitempty"`
	Health       *Health       `json:"health,omitempty"`
	Growth       *GrowthSample `json:"growth,omitempty"`
}

// ErrInvalidFact is returned when a fact payload does not match its kind.
var ErrInvalidFact = errors.New("invalid fact")

// Validate checks the tagged-variant invariant.
func (f Fact) Validate() error {
	if f.AssignmentID == "" {
		return fmt.Errorf("%w: missing assignment", ErrInvalidFact)
	}
	set := 0
	for _, present := range []bool{f.Reading != nil, f.Feeding != nil, f.Mortality != nil, f.Health != nil, f.Growth != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set", ErrInvalidFact, set)
	}
	var ok bool
	switch f.Kind {
	case FactReading:
		ok = f.Reading != nil
	case FactFeeding:
		ok = f.Feeding != nil
	case FactMortality:
		ok = f.Mortality != nil
	case FactHealth:
		ok = f.Health != nil
	case FactGrowthSample:
		ok = f.Growth != nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFact, f.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: payload does not match kind %s", ErrInvalidFact, f.Kind)
	}
	return nil
}

// FactFilter scopes fact queries. Empty slices match everything; Until is exclusive.
type FactFilter struct {
	CohortIDs     []string
	AssignmentIDs []string
	Kinds         []FactKind
	From          *time.Time
	Until         *time.Time
}

// FactStats summarises stored facts.
type FactStats struct {
	ByKind    map[FactKind]int64 `json:"by_kind"`
	Mortality int64              `json:"mortality"`
	FedKg     float64            `json:"fed_kg"`
}

// Total returns the number of facts across all kinds.
func (s FactStats) Total() int64 {
	var n int64
	for _, c := range s.ByKind {
		n += c
	}
	return n
}

// Add folds a fact into the stats.
func (s *FactStats) Add(f Fact) {
	if s.ByKind == nil {
		s.ByKind = make(map[FactKind]int64)
	}
	s.ByKind[f.Kind]++
	if f.Mortality != nil {
		s.Mortality += f.Mortality.Count
	}
	if f.Feeding != nil {
		s.FedKg += f.Feeding.FedKg
	}
}
