// Package cycle advances one run by one simulated day: it walks every open
// assignment through a fixed stage pipeline, commits the day's facts and
// assignment updates, and then executes due transitions and harvests.
package cycle

import (
	"aquasim/internal/config"
	"aquasim/internal/environment"
	"aquasim/internal/feed"
	"aquasim/internal/growth"
	"aquasim/internal/temporal"
	"aquasim/pkg/domain"
	"context"
	"fmt"
	"time"
)

// Stage is one step of the per-assignment pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, d *Day, a *domain.Assignment) error
}

// Day carries the state shared by the stages while one assignment is
// processed on one date. The driver resets the per-assignment fields before
// each assignment.
type Day struct {
	Date       time.Time
	Container  domain.Container
	Cohort     domain.Cohort
	Conditions environment.Conditions
	// Disease is the mortality multiplier of the current assignment.
	Disease float64

	facts    []domain.Fact
	counters *domain.Counters
	due      map[string]bool
}

func newDay(date time.Time, counters *domain.Counters) *Day {
	return &Day{Date: domain.Day(date), counters: counters, due: make(map[string]bool)}
}

func (d *Day) reset(c domain.Container, cohort domain.Cohort) {
	d.Container = c
	d.Cohort = cohort
	d.Conditions = environment.Conditions{}
	d.Disease = 1
}

// Emit buffers facts of a for the day commit. A fact outside the assignment
// window is rejected with a *domain.TemporalError and nothing after it is
// buffered.
func (d *Day) Emit(a domain.Assignment, facts ...domain.Fact) error {
	for _, f := range facts {
		if err := temporal.Validate(a, f.At, d.Date); err != nil {
			return err
		}
		if err := f.Validate(); err != nil {
			return fmt.Errorf("fact %s: %w", f.ID, err)
		}
		d.facts = append(d.facts, f)
	}
	return nil
}

// Facts returns the facts buffered so far.
func (d *Day) Facts() []domain.Fact { return d.facts }

// Due reports whether the transition check marked cohortID.
func (d *Day) Due(cohortID string) bool { return d.due[cohortID] }

type environmentStage struct {
	env *environment.Generator
}

func (environmentStage) Name() string { return "environment" }

func (s environmentStage) Run(_ context.Context, d *Day, a *domain.Assignment) error {
	d.Conditions = s.env.Daily(d.Date, d.Container)
	if err := d.Emit(*a, s.env.Readings(d.Date, *a, d.Container, d.Conditions)...); err != nil {
		return err
	}
	multiplier, health := s.env.Disease(d.Date, *a)
	d.Disease = multiplier
	for _, f := range health {
		if f.Health.Event == domain.HealthOnset {
			d.counters.Outbreaks++
		}
	}
	return d.Emit(*a, health...)
}

type growthStage struct {
	engine *growth.Engine
}

func (growthStage) Name() string { return "growth" }

// Run applies the day's mortality and growth. When a resulting fact falls
// outside the assignment window the assignment is left as it was, so deaths
// never go unrecorded.
func (s growthStage) Run(_ context.Context, d *Day, a *domain.Assignment) error {
	before := *a
	res, err := s.engine.AdvanceOneDay(a, growth.Conditions{
		Date:        d.Date,
		Temperature: d.Conditions.Temperature,
		Oxygen:      d.Conditions.Oxygen,
		DaysInStage: d.Cohort.DaysInStage(d.Date),
		StageDays:   d.Cohort.StageDays,
	}, d.Disease)
	if err != nil {
		return err
	}
	for _, f := range res.Facts {
		if err := temporal.Validate(*a, f.At, d.Date); err != nil {
			*a = before
			return err
		}
	}
	if err := d.Emit(*a, res.Facts...); err != nil {
		*a = before
		return err
	}
	d.counters.Mortality += res.Deaths
	return nil
}

type feedStage struct {
	feed   *feed.Manager
	stages map[domain.Stage]config.Stage
}

func (feedStage) Name() string { return "feed" }

func (s feedStage) Run(_ context.Context, d *Day, a *domain.Assignment) error {
	stage, ok := s.stages[a.Stage]
	if !ok {
		return fmt.Errorf("feed: unknown stage %q", a.Stage)
	}
	f, ok := s.feed.Consume(d.Date, *a, d.Container, stage, d.Conditions.Temperature)
	if !ok {
		return nil
	}
	if err := d.Emit(*a, f); err != nil {
		return err
	}
	d.counters.FedKg += f.Feeding.FedKg
	if f.Feeding.Shortage {
		d.counters.Shortages++
	}
	return nil
}

// transitionStage marks cohorts whose stage ends today, and stalled cohorts
// that should retry.
type transitionStage struct{}

func (transitionStage) Name() string { return "transition_check" }

func (transitionStage) Run(_ context.Context, d *Day, _ *domain.Assignment) error {
	c := d.Cohort
	if c.Status == domain.CohortStalled || c.DaysInStage(d.Date)+1 >= c.StageDays {
		d.due[c.ID] = true
	}
	return nil
}
