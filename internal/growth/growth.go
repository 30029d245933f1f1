// Package growth advances an assignment by one day: thermal-unit growth of the
// mean individual weight and Poisson mortality scaled by stage age,
// environmental stress and disease.
package growth

import (
	"aquasim/internal/config"
	"aquasim/internal/ids"
	"aquasim/internal/streams"
	"aquasim/pkg/domain"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// Conditions are the daily inputs of one assignment.
type Conditions struct {
	Date time.Time
	// Temperature is the daily mean in degC.
	Temperature float64
	// Oxygen is the daily mean in mg/L.
	Oxygen float64
	// DaysInStage counts whole days since the cohort entered its stage.
	DaysInStage int
	// StageDays is the planned stage length.
	StageDays int
}

// Result summarises one day of growth and mortality.
type Result struct {
	NewWeightG   float64
	Deaths       int64
	NewBiomassKg float64
	Facts        []domain.Fact
}

// Engine holds the stage table and mortality shape.
type Engine struct {
	stages         map[domain.Stage]config.Stage
	mortality      config.Mortality
	sampleInterval int
	src            streams.Source
}

// New builds an engine for cfg drawing from src.
func New(cfg config.Config, src streams.Source) *Engine {
	stages := make(map[domain.Stage]config.Stage, len(cfg.Stages))
	for _, s := range cfg.Stages {
		stages[s.Name] = s
	}
	return &Engine{
		stages:         stages,
		mortality:      cfg.Mortality,
		sampleInterval: cfg.GrowthSampleIntervalDays,
		src:            src,
	}
}

// Weight applies the thermal growth coefficient model
// W' = (W^(1/3) + tgc·T·days)^3. Temperatures below zero add nothing.
func Weight(w, tgc, temperature, days float64) float64 {
	if w <= 0 {
		return 0
	}
	gain := tgc * math.Max(temperature, 0) * days
	return math.Pow(math.Cbrt(w)+gain, 3)
}

// AgeFactor is the U-shaped stage age multiplier: elevated right after stage
// entry and again as the planned stage end approaches.
func AgeFactor(daysInStage, stageDays int, m config.Mortality) float64 {
	if m.DecayDays <= 0 {
		return 1
	}
	f := 1 + m.EntryPeak*math.Exp(-float64(daysInStage)/m.DecayDays)
	if stageDays > 0 {
		left := math.Max(float64(stageDays-daysInStage), 0)
		f += m.ExitPeak * math.Exp(-left/m.DecayDays)
	}
	return f
}

// Stress grows linearly with the distance of temperature from the optimal
// band and with the oxygen deficit below the stage minimum.
func Stress(stage config.Stage, temperature, oxygen float64, m config.Mortality) float64 {
	s := 1.0
	switch {
	case temperature < stage.OptimalTemperature.Min:
		s += m.TemperatureStressPerDegree * (stage.OptimalTemperature.Min - temperature)
	case temperature > stage.OptimalTemperature.Max:
		s += m.TemperatureStressPerDegree * (temperature - stage.OptimalTemperature.Max)
	}
	if deficit := stage.MinOxygen - oxygen; deficit > 0 {
		s += m.OxygenStressPerMg * deficit
	}
	return s
}

// AdvanceOneDay applies one day of mortality then growth to a, mutating its
// population, weight and biomass in place. Biomass is always recomputed from
// population and weight.
func (e *Engine) AdvanceOneDay(a *domain.Assignment, env Conditions, diseaseMultiplier float64) (Result, error) {
	stage, ok := e.stages[a.Stage]
	if !ok {
		return Result{}, fmt.Errorf("growth: unknown stage %q", a.Stage)
	}
	if diseaseMultiplier <= 0 {
		diseaseMultiplier = 1
	}
	date := domain.Day(env.Date)

	var deaths int64
	rate := stage.BaseMortality *
		AgeFactor(env.DaysInStage, env.StageDays, e.mortality) *
		Stress(stage, env.Temperature, env.Oxygen, e.mortality) *
		diseaseMultiplier
	if lambda := float64(a.Population) * rate; lambda > 0 && a.Population > 0 {
		draw := distuv.Poisson{Lambda: lambda, Src: e.src.PCG(streams.PurposeMortality, date, a.ID)}.Rand()
		deaths = min(int64(draw), a.Population)
	}

	a.Population -= deaths
	a.AvgWeightG = Weight(a.AvgWeightG, stage.TGC, env.Temperature, 1)
	a.BiomassKg = float64(a.Population) * a.AvgWeightG / 1000

	res := Result{NewWeightG: a.AvgWeightG, Deaths: deaths, NewBiomassKg: a.BiomassKg}
	if deaths > 0 {
		cause := "natural"
		if diseaseMultiplier > 1 {
			cause = "disease"
		}
		res.Facts = append(res.Facts, domain.Fact{
			ID:           ids.New(a.ID, string(domain.FactMortality), date.Format(time.DateOnly)),
			AssignmentID: a.ID,
			Kind:         domain.FactMortality,
			At:           date.Add(17 * time.Hour),
			Mortality:    &domain.Mortality{Count: deaths, Cause: cause},
		})
	}
	if e.sampleInterval > 0 && env.DaysInStage > 0 && env.DaysInStage%e.sampleInterval == 0 {
		res.Facts = append(res.Facts, domain.Fact{
			ID:           ids.New(a.ID, string(domain.FactGrowthSample), date.Format(time.DateOnly)),
			AssignmentID: a.ID,
			Kind:         domain.FactGrowthSample,
			At:           date.Add(11 * time.Hour),
			Growth: &domain.GrowthSample{
				AvgWeightG: a.AvgWeightG,
				Population: a.Population,
				BiomassKg:  a.BiomassKg,
			},
		})
	}
	return res, nil
}
