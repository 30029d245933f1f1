package metrics

import (
	"aquasim/pkg/domain"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// Expvar publishes aggregate counters via expvar for deployments that do not
// scrape Prometheus.
type Expvar struct {
	name string
	mu   sync.Mutex
	snap ExpvarSnapshot
}

// ExpvarSnapshot is the JSON document served under the recorder's name.
type ExpvarSnapshot struct {
	Facts         map[domain.FactKind]int64 `json:"facts"`
	Mortality     int64                     `json:"mortality"`
	Harvested     int64                     `json:"harvested"`
	FedKg         float64                   `json:"fed_kg"`
	Shortages     int64                     `json:"shortages"`
	TemporalDrops int64                     `json:"temporal_drops"`
	Stalls        int64                     `json:"stalls"`
	Days          int64                     `json:"days"`
	DayMSTotal    float64                   `json:"day_ms_total"`
	LastDay       map[string]string         `json:"last_day"`
	HeapBytes     uint64                    `json:"heap_bytes"`
	RecordedAt    time.Time                 `json:"recorded_at"`
}

var _ Recorder = (*Expvar)(nil)

// NewExpvar publishes a recorder under name; an empty name gets a unique one.
func NewExpvar(name string) *Expvar {
	if name == "" {
		name = fmt.Sprintf("aquasim_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	r := &Expvar{name: name, snap: ExpvarSnapshot{
		Facts:   make(map[domain.FactKind]int64),
		LastDay: make(map[string]string),
	}}
	expvar.Publish(name, expvar.Func(func() any { return r.Snapshot() }))
	return r
}

// Name returns the expvar export name.
func (r *Expvar) Name() string { return r.name }

// Snapshot returns a copy of the aggregated counters.
func (r *Expvar) Snapshot() ExpvarSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.snap
	out.Facts = make(map[domain.FactKind]int64, len(r.snap.Facts))
	for k, v := range r.snap.Facts {
		out.Facts[k] = v
	}
	out.LastDay = make(map[string]string, len(r.snap.LastDay))
	for k, v := range r.snap.LastDay {
		out.LastDay[k] = v
	}
	out.RecordedAt = time.Now().UTC()
	return out
}

func (r *Expvar) update(fn func(s *ExpvarSnapshot)) {
	r.mu.Lock()
	fn(&r.snap)
	r.mu.Unlock()
}

func (r *Expvar) Facts(kind domain.FactKind, n int) {
	r.update(func(s *ExpvarSnapshot) { s.Facts[kind] += int64(n) })
}
func (r *Expvar) Mortality(n int64)  { r.update(func(s *ExpvarSnapshot) { s.Mortality += n }) }
func (r *Expvar) Harvested(n int64)  { r.update(func(s *ExpvarSnapshot) { s.Harvested += n }) }
func (r *Expvar) FedKg(kg float64)   { r.update(func(s *ExpvarSnapshot) { s.FedKg += kg }) }
func (r *Expvar) Shortage()          { r.update(func(s *ExpvarSnapshot) { s.Shortages++ }) }
func (r *Expvar) TemporalDrop()      { r.update(func(s *ExpvarSnapshot) { s.TemporalDrops++ }) }
func (r *Expvar) Stall()             { r.update(func(s *ExpvarSnapshot) { s.Stalls++ }) }
func (r *Expvar) HeapBytes(b uint64) { r.update(func(s *ExpvarSnapshot) { s.HeapBytes = b }) }

func (r *Expvar) Day(run string, date time.Time, d time.Duration) {
	r.update(func(s *ExpvarSnapshot) {
		s.Days++
		s.DayMSTotal += float64(d) / float64(time.Millisecond)
		s.LastDay[run] = date.Format(time.DateOnly)
	})
}
