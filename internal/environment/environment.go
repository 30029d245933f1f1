// Package environment generates water-quality readings, weather events and
// disease outbreaks for the assignments of one run.
//
// Daily conditions are derived once per container and day: a seasonal
// baseline, an AR(1) deviation carried from the previous day, and bounded
// Gaussian noise. Oxygen is not drawn independently; it follows from the
// temperature through the solubility curve and a separately drawn saturation,
// so warm water holds less oxygen.
package environment

import (
	"aquasim/internal/config"
	"aquasim/internal/ids"
	"aquasim/internal/streams"
	"aquasim/pkg/domain"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// Conditions are the daily mean water conditions of one container.
type Conditions struct {
	Temperature      float64 `json:"temperature"`
	OxygenSaturation float64 `json:"oxygen_saturation"`
	Oxygen           float64 `json:"oxygen"`
	PH               float64 `json:"ph"`
	Salinity         float64 `json:"salinity"`
	Saline           bool    `json:"saline"`
}

type water struct {
	Date       time.Time          `json:"date"`
	Deviation  map[string]float64 `json:"deviation"`
	Conditions Conditions         `json:"conditions"`
}

// Generator owns the environmental state of one run. It is not safe for
// concurrent use; each worker builds its own.
type Generator struct {
	env         config.Environment
	diseases    []config.Disease
	weather     []weatherRule
	samples     int
	src         streams.Source
	log         *slog.Logger
	locations   []string
	byLocation  map[string][]domain.Container
	water       map[string]*water
	outbreaks   map[string]*Outbreak
	withholding map[string]time.Time
	events      []Event
}

// New builds a generator for the containers of one worker partition.
func New(cfg config.Config, containers []domain.Container, src streams.Source, logger *slog.Logger) (*Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := weatherRules(cfg.Weather)
	if err != nil {
		return nil, err
	}
	g := &Generator{
		env:         cfg.Environment,
		diseases:    cfg.Diseases,
		weather:     rules,
		samples:     cfg.SamplesPerDay,
		src:         src,
		log:         logger,
		byLocation:  make(map[string][]domain.Container),
		water:       make(map[string]*water),
		outbreaks:   make(map[string]*Outbreak),
		withholding: make(map[string]time.Time),
	}
	for _, c := range containers {
		if _, ok := g.byLocation[c.Location]; !ok {
			g.locations = append(g.locations, c.Location)
		}
		g.byLocation[c.Location] = append(g.byLocation[c.Location], c)
	}
	sort.Strings(g.locations)
	for _, loc := range g.locations {
		cs := g.byLocation[loc]
		sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
	}
	return g, nil
}

// Solubility approximates dissolved oxygen at saturation in mg/L for a water
// temperature in degC and a salinity in ppt.
func Solubility(temperature, salinity float64) float64 {
	t := math.Max(temperature, 0)
	fresh := 14.652 - 0.41022*t + 0.007991*t*t - 0.000077774*t*t*t
	return math.Max(fresh*(1-0.0057*salinity), 0)
}

// boundedNormal draws from N(0, sigma) truncated to ±3 sigma.
func boundedNormal(src rand.Source, sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	v := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}.Rand()
	return math.Max(-3*sigma, math.Min(3*sigma, v))
}

// Daily returns the mean conditions of container c on date, advancing the
// container's AR state the first time a date is seen.
func (g *Generator) Daily(date time.Time, c domain.Container) Conditions {
	date = domain.Day(date)
	st := g.water[c.ID]
	if st != nil && st.Date.Equal(date) {
		return st.Conditions
	}
	// Persistence only links consecutive days; an idle container restarts
	// from its baseline.
	if st == nil || !st.Date.Equal(date.AddDate(0, 0, -1)) {
		st = &water{Deviation: make(map[string]float64)}
		g.water[c.ID] = st
	}
	prof := g.env.Profile(c.Saline)
	src := g.src.PCG(streams.PurposeEnvironment, date, c.ID)
	doy := date.YearDay()
	offsets := g.offsets(date, c)

	step := func(name string, p config.Param) float64 {
		phi := math.Max(0, math.Min(p.Persistence, 0.999))
		dev := phi*st.Deviation[name] + boundedNormal(src, p.Sigma*math.Sqrt(1-phi*phi))
		st.Deviation[name] = dev
		return p.Baseline(doy) + dev
	}

	cond := Conditions{Saline: c.Saline}
	cond.Temperature = prof.Temperature.Clamp(step("temperature", prof.Temperature) + offsets[domain.ParamTemperature])
	cond.OxygenSaturation = prof.OxygenSaturation.Clamp(step("oxygen_saturation", prof.OxygenSaturation))
	cond.PH = prof.PH.Clamp(step("ph", prof.PH) + offsets[domain.ParamPH])
	if c.Saline {
		cond.Salinity = prof.Salinity.Clamp(step("salinity", prof.Salinity) + offsets[domain.ParamSalinity])
	}
	cond.Oxygen = math.Max(0, Solubility(cond.Temperature, cond.Salinity)*cond.OxygenSaturation+offsets[domain.ParamOxygen])

	st.Date = date
	st.Conditions = cond
	return cond
}

// Readings produces the samples of one day for assignment a hosted by c.
// Each sample perturbs the daily means with independent noise; the oxygen
// sample moves with the sampled temperature along the solubility curve.
func (g *Generator) Readings(date time.Time, a domain.Assignment, c domain.Container, cond Conditions) []domain.Fact {
	if g.samples <= 0 {
		return nil
	}
	date = domain.Day(date)
	prof := g.env.Profile(c.Saline)
	src := g.src.PCG(streams.PurposeEnvironment, date, a.ID, "readings")
	interval := 24 * time.Hour / time.Duration(g.samples)
	day := date.Format(time.DateOnly)

	out := make([]domain.Fact, 0, g.samples*len(domain.Parameters))
	for i := 0; i < g.samples; i++ {
		at := date.Add(time.Duration(i) * interval)
		temp := prof.Temperature.Clamp(cond.Temperature + boundedNormal(src, prof.Temperature.Sigma/2))
		oxy := cond.Oxygen + cond.OxygenSaturation*(Solubility(temp, cond.Salinity)-Solubility(cond.Temperature, cond.Salinity))
		oxy = math.Max(0, oxy+boundedNormal(src, 0.1))
		ph := prof.PH.Clamp(cond.PH + boundedNormal(src, prof.PH.Sigma/2))

		for _, p := range domain.Parameters {
			var v float64
			switch p {
			case domain.ParamTemperature:
				v = temp
			case domain.ParamOxygen:
				v = oxy
			case domain.ParamPH:
				v = ph
			case domain.ParamSalinity:
				if !c.Saline {
					continue
				}
				v = prof.Salinity.Clamp(cond.Salinity + boundedNormal(src, prof.Salinity.Sigma/2))
			}
			out = append(out, domain.Fact{
				ID:           ids.New(a.ID, string(domain.FactReading), day, strconv.Itoa(i), p.String()),
				AssignmentID: a.ID,
				Kind:         domain.FactReading,
				At:           at,
				Reading:      &domain.Reading{Parameter: p, Value: round(v, 3)},
			})
		}
	}
	return out
}

// Forget drops the outbreak and withholding state of a closed assignment.
func (g *Generator) Forget(assignmentID string) {
	delete(g.outbreaks, assignmentID)
	delete(g.withholding, assignmentID)
}

// Inherit carries the longest withholding period of closed sources over to
// the destinations that received their fish, then forgets the sources.
func (g *Generator) Inherit(sources, destinations []string) {
	var (
		until time.Time
		found bool
	)
	for _, id := range sources {
		if u, ok := g.withholding[id]; ok && (!found || u.After(until)) {
			until, found = u, true
		}
		g.Forget(id)
	}
	if !found {
		return
	}
	for _, id := range destinations {
		if cur, ok := g.withholding[id]; !ok || until.After(cur) {
			g.withholding[id] = until
		}
	}
}

// Trim drops the water state of containers idle since before the previous
// day. Such state would be reset on next use anyway.
func (g *Generator) Trim(date time.Time) int {
	n := 0
	for id, st := range g.water {
		if st.Date.Before(domain.Day(date).AddDate(0, 0, -1)) {
			delete(g.water, id)
			n++
		}
	}
	return n
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
