package environment

import (
	"aquasim/internal/config"
	"aquasim/internal/streams"
	"aquasim/pkg/domain"
	"time"
)

// Event is an active weather event. Location events cover every container of
// the location; container events carry ContainerID. End is inclusive.
type Event struct {
	Name        string                       `json:"name"`
	Location    string                       `json:"location"`
	ContainerID string                       `json:"container_id,omitempty"`
	Start       time.Time                    `json:"start"`
	End         time.Time                    `json:"end"`
	Offsets     map[domain.Parameter]float64 `json:"offsets"`
}

// Covers reports whether the event applies to c on date.
func (e Event) Covers(date time.Time, c domain.Container) bool {
	if date.Before(e.Start) || date.After(e.End) {
		return false
	}
	if e.ContainerID != "" {
		return e.ContainerID == c.ID
	}
	return e.Location == c.Location
}

type weatherRule struct {
	config.Weather
	offsets map[domain.Parameter]float64
}

func weatherRules(table []config.Weather) ([]weatherRule, error) {
	out := make([]weatherRule, 0, len(table))
	for _, w := range table {
		offsets, err := w.ParameterOffsets()
		if err != nil {
			return nil, err
		}
		out = append(out, weatherRule{Weather: w, offsets: offsets})
	}
	return out, nil
}

// RollWeather expires finished events and starts new ones for date. Each
// location rolls every rule once per day; a rule already active in a
// location does not start again there. It returns the events started.
func (g *Generator) RollWeather(date time.Time) []Event {
	date = domain.Day(date)
	live := g.events[:0]
	for _, e := range g.events {
		if !e.End.Before(date) {
			live = append(live, e)
		}
	}
	g.events = live

	doy := date.YearDay()
	var started []Event
	for _, loc := range g.locations {
		for _, rule := range g.weather {
			rng := g.src.Stream(streams.PurposeWeather, date, loc, rule.Name)
			p := rule.DailyProbability * config.SeasonalFactor(doy, rule.PeakDay, rule.SeasonalAmplitude)
			if rng.Float64() >= p || g.active(loc, rule.Name) {
				continue
			}
			days := rule.DurationDays.Min
			if span := rule.DurationDays.Max - rule.DurationDays.Min; span > 0 {
				days += rng.IntN(span + 1)
			}
			ev := Event{
				Name:     rule.Name,
				Location: loc,
				Start:    date,
				End:      date.AddDate(0, 0, max(days, 1)-1),
				Offsets:  rule.offsets,
			}
			if rule.Scope == config.ScopeContainer {
				cs := g.byLocation[loc]
				ev.ContainerID = cs[rng.IntN(len(cs))].ID
			}
			g.events = append(g.events, ev)
			started = append(started, ev)
			g.log.Debug("weather event", "event", ev.Name, "location", loc, "container", ev.ContainerID,
				"date", date.Format(time.DateOnly), "until", ev.End.Format(time.DateOnly))
		}
	}
	return started
}

// Events returns the active events.
func (g *Generator) Events() []Event {
	return append([]Event(nil), g.events...)
}

func (g *Generator) active(location, name string) bool {
	for _, e := range g.events {
		if e.Location == location && e.Name == name {
			return true
		}
	}
	return false
}

func (g *Generator) offsets(date time.Time, c domain.Container) map[domain.Parameter]float64 {
	out := make(map[domain.Parameter]float64)
	for _, e := range g.events {
		if !e.Covers(date, c) {
			continue
		}
		for p, v := range e.Offsets {
			out[p] += v
		}
	}
	return out
}
