// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by aquasim.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityCohort identifies a cohort record.
	EntityCohort EntityType = "cohort"
	// EntityContainer identifies a catalog container record.
	EntityContainer EntityType = "container"
	// EntityAssignment identifies a cohort-in-container assignment record.
	EntityAssignment EntityType = "assignment"
	// EntityTransfer identifies a transfer record between assignments.
	EntityTransfer EntityType = "transfer"
	// EntityPurchase identifies a feed purchase record.
	EntityPurchase EntityType = "feed_purchase"
	// EntityFact identifies an append-only daily fact.
	EntityFact EntityType = "fact"
)

// Stage is a discrete phase of a cohort's lifecycle. The ordered stage
// sequence is configuration; the constants below are the defaults.
type Stage string

// Default lifecycle stages.
const (
	StageEggAlevin Stage = "egg_alevin"
	StageFry       Stage = "fry"
	StageParr      Stage = "parr"
	StageSmolt     Stage = "smolt"
	StagePostSmolt Stage = "post_smolt"
	StageAdult     Stage = "adult"
	// StageHarvested is terminal and never hosted by a container.
	StageHarvested Stage = "harvested"
)

// ContainerType restricts which stages a container may host.
type ContainerType string

// Origin records where a cohort came from.
type Origin string

// Cohort origins.
const (
	OriginExternal Origin = "external"
	OriginInternal Origin = "internal"
)

// CohortStatus tracks whether a cohort is still advancing.
type CohortStatus string

// Cohort statuses.
const (
	CohortActive    CohortStatus = "active"
	CohortStalled   CohortStatus = "stalled"
	CohortHarvested CohortStatus = "harvested"
)

// AssignmentOrigin distinguishes intake assignments, which carry their own
// population, from transfer destinations, which are fed only by transfers.
type AssignmentOrigin string

// Assignment origins.
const (
	AssignmentIntake   AssignmentOrigin = "intake"
	AssignmentTransfer AssignmentOrigin = "transfer"
)

// TransferKind separates stage moves from removals out of the cohort.
type TransferKind string

// Transfer kinds.
const (
	TransferStage   TransferKind = "stage"
	TransferHarvest TransferKind = "harvest"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cohort is a population moving through lifecycle stages as a unit.
type Cohort struct {
	Base
	RunID        string       `json:"run_id"`
	Name         string       `json:"name"`
	Origin       Origin       `json:"origin"`
	InitialCount int64        `json:"initial_count"`
	InitialMassG float64      `json:"initial_mass_g"`
	Stage        Stage        `json:"stage"`
	StartDate    time.Time    `json:"start_date"`
	StageStart   time.Time    `json:"stage_start"`
	StageDays    int          `json:"stage_days"`
	Status       CohortStatus `json:"status"`
	StalledSince *time.Time   `json:"stalled_since,omitempty"`
}

// DaysInStage returns the number of whole days the cohort has spent in its
// current stage as of date.
func (c Cohort) DaysInStage(date time.Time) int {
	return DaysBetween(c.StageStart, date)
}

// Container is a capacity unit (tank, pen, cage) supplied by the catalog.
type Container struct {
	Base
	Name     string        `json:"name"`
	Type     ContainerType `json:"type"`
	Capacity int64         `json:"capacity"`
	Location string        `json:"location"`
	Site     string        `json:"site"`
	Saline   bool          `json:"saline"`
}

// Assignment binds one cohort to one container over [StartDate, EndDate].
// It carries the authoritative population and biomass for that period.
type Assignment struct {
	Base
	CohortID    string           `json:"cohort_id"`
	ContainerID string           `json:"container_id"`
	Stage       Stage            `json:"stage"`
	Origin      AssignmentOrigin `json:"origin"`
	StartDate   time.Time        `json:"start_date"`
	EndDate     *time.Time       `json:"end_date,omitempty"`
	Population  int64            `json:"population"`
	AvgWeightG  float64          `json:"avg_weight_g"`
	BiomassKg   float64          `json:"biomass_kg"`
}

// IsOpen reports whether the assignment has no end date yet.
func (a Assignment) IsOpen() bool { return a.EndDate == nil }

// ActiveOn reports whether date falls within the assignment window.
func (a Assignment) ActiveOn(date time.Time) bool {
	day := Day(date)
	if day.Before(Day(a.StartDate)) {
		return false
	}
	return a.EndDate == nil || !day.After(Day(*a.EndDate))
}

// Transfer is the audit trail of population moved out of a closing
// assignment. Harvest transfers have no destination.
type Transfer struct {
	Base
	CohortID                string       `json:"cohort_id"`
	Kind                    TransferKind `json:"kind"`
	SourceAssignmentID      string       `json:"source_assignment_id"`
	DestinationAssignmentID string       `json:"destination_assignment_id,omitempty"`
	Date                    time.Time    `json:"date"`
	Count                   int64        `json:"count"`
	AvgWeightG              float64      `json:"avg_weight_g"`
	BiomassKg               float64      `json:"biomass_kg"`
}

// FeedPurchase records a reorder placed by the inventory manager.
type FeedPurchase struct {
	Base
	RunID      string          `json:"run_id"`
	FeedType   string          `json:"feed_type"`
	Location   string          `json:"location"`
	OrderedOn  time.Time       `json:"ordered_on"`
	ArrivesOn  time.Time       `json:"arrives_on"`
	QuantityKg decimal.Decimal `json:"quantity_kg"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	if len(e.Result.Violations) == 0 {
		return "transaction blocked by rules"
	}
	first := e.Result.Violations[0]
	return "transaction blocked by rules: " + first.Rule + ": " + first.Message
}
