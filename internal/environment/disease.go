package environment

import (
	"aquasim/internal/config"
	"aquasim/internal/ids"
	"aquasim/internal/streams"
	"aquasim/pkg/domain"
	"time"
)

// Outbreak is the disease state of one assignment.
type Outbreak struct {
	Disease    string     `json:"disease"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	Multiplier float64    `json:"multiplier"`
	TreatOn    *time.Time `json:"treat_on,omitempty"`
	Treated    bool       `json:"treated"`
}

// Disease advances the outbreak state of a on date and returns the mortality
// multiplier for the day together with any health facts.
func (g *Generator) Disease(date time.Time, a domain.Assignment) (float64, []domain.Fact) {
	date = domain.Day(date)
	var facts []domain.Fact
	ob := g.outbreaks[a.ID]
	if ob != nil && date.After(ob.End) {
		facts = append(facts, healthFact(a.ID, date, 6, domain.Health{
			Disease: ob.Disease, Event: domain.HealthResolved, Multiplier: 1,
		}))
		delete(g.outbreaks, a.ID)
		g.log.Debug("outbreak resolved", "assignment", a.ID, "disease", ob.Disease, "date", date.Format(time.DateOnly))
		return 1, facts
	}
	if ob == nil {
		ob = g.onset(date, a)
		if ob == nil {
			return 1, nil
		}
		facts = append(facts, healthFact(a.ID, date, 7, domain.Health{
			Disease: ob.Disease, Event: domain.HealthOnset, Multiplier: ob.Multiplier,
		}))
	}
	if ob.TreatOn != nil && !ob.Treated && !date.Before(*ob.TreatOn) {
		facts = append(facts, g.treat(date, a.ID, ob))
	}
	return ob.Multiplier, facts
}

func (g *Generator) onset(date time.Time, a domain.Assignment) *Outbreak {
	rng := g.src.Stream(streams.PurposeDisease, date, a.ID)
	doy := date.YearDay()
	for _, d := range g.diseases {
		if !d.Affects(a.Stage) {
			continue
		}
		p := d.DailyProbability * config.SeasonalFactor(doy, d.PeakDay, d.SeasonalAmplitude)
		if rng.Float64() >= p {
			continue
		}
		days := d.DurationDays.Min
		if span := d.DurationDays.Max - d.DurationDays.Min; span > 0 {
			days += rng.IntN(span + 1)
		}
		ob := &Outbreak{
			Disease:    d.Name,
			Start:      date,
			End:        date.AddDate(0, 0, max(days, 1)-1),
			Multiplier: d.Multiplier,
		}
		if rng.Float64() < d.TreatmentProbability {
			on := date.AddDate(0, 0, d.TreatmentDelayDays)
			ob.TreatOn = &on
		}
		g.outbreaks[a.ID] = ob
		g.log.Info("outbreak", "assignment", a.ID, "disease", d.Name, "date", date.Format(time.DateOnly),
			"until", ob.End.Format(time.DateOnly), "multiplier", d.Multiplier)
		return ob
	}
	return nil
}

func (g *Generator) treat(date time.Time, assignmentID string, ob *Outbreak) domain.Fact {
	d, _ := g.disease(ob.Disease)
	ob.Treated = true
	ob.Multiplier = 1 + (ob.Multiplier-1)*(1-d.Effectiveness)
	h := domain.Health{Disease: ob.Disease, Event: domain.HealthTreatment, Multiplier: ob.Multiplier}
	if d.WithholdingDays > 0 {
		until := date.AddDate(0, 0, d.WithholdingDays)
		if cur, ok := g.withholding[assignmentID]; !ok || until.After(cur) {
			g.withholding[assignmentID] = until
		}
		h.WithholdingUntil = &until
	}
	return healthFact(assignmentID, date, 9, h)
}

func (g *Generator) disease(name string) (config.Disease, bool) {
	for _, d := range g.diseases {
		if d.Name == name {
			return d, true
		}
	}
	return config.Disease{}, false
}

// WithholdingUntil returns the last day of the treatment withholding period
// of an assignment. Harvest is allowed only after that day.
func (g *Generator) WithholdingUntil(assignmentID string) (time.Time, bool) {
	until, ok := g.withholding[assignmentID]
	return until, ok
}

// Outbreak returns the active outbreak of an assignment.
func (g *Generator) Outbreak(assignmentID string) (Outbreak, bool) {
	ob, ok := g.outbreaks[assignmentID]
	if !ok {
		return Outbreak{}, false
	}
	return *ob, true
}

func healthFact(assignmentID string, date time.Time, hour int, h domain.Health) domain.Fact {
	return domain.Fact{
		ID:           ids.New(assignmentID, string(domain.FactHealth), string(h.Event), date.Format(time.DateOnly)),
		AssignmentID: assignmentID,
		Kind:         domain.FactHealth,
		At:           date.Add(time.Duration(hour) * time.Hour),
		Health:       &h,
	}
}
