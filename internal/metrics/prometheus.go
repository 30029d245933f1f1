package metrics

import (
	"aquasim/pkg/domain"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aquasim"

// Prometheus exports the recorder as Prometheus collectors.
type Prometheus struct {
	facts        *prometheus.CounterVec
	mortality    prometheus.Counter
	harvested    prometheus.Counter
	fedKg        prometheus.Counter
	shortages    prometheus.Counter
	temporalDrop prometheus.Counter
	stalls       prometheus.Counter
	simulatedDay *prometheus.GaugeVec
	dayDuration  prometheus.Histogram
	heapBytes    prometheus.Gauge
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		facts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "facts_total", Help: "Facts committed, by kind.",
		}, []string{"kind"}),
		mortality: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mortality_total", Help: "Individuals lost to mortality.",
		}),
		harvested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "harvested_total", Help: "Individuals harvested.",
		}),
		fedKg: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_kg_total", Help: "Feed delivered in kilograms.",
		}),
		shortages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_shortages_total", Help: "Feedings truncated by missing stock.",
		}),
		temporalDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "temporal_drops_total", Help: "Facts dropped outside their assignment window.",
		}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stalls_total", Help: "Transitions deferred for lack of capacity.",
		}),
		simulatedDay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "simulated_day_unix", Help: "Last simulated day per run.",
		}, []string{"run"}),
		dayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "day_duration_seconds", Help: "Wall time per simulated day.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		heapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "heap_bytes", Help: "Heap in use at the last memory check.",
		}),
	}
	for _, c := range []prometheus.Collector{
		p.facts, p.mortality, p.harvested, p.fedKg, p.shortages,
		p.temporalDrop, p.stalls, p.simulatedDay, p.dayDuration, p.heapBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) Facts(kind domain.FactKind, n int) { p.facts.WithLabelValues(string(kind)).Add(float64(n)) }
func (p *Prometheus) Mortality(n int64)                 { p.mortality.Add(float64(n)) }
func (p *Prometheus) Harvested(n int64)                 { p.harvested.Add(float64(n)) }
func (p *Prometheus) FedKg(kg float64)                  { p.fedKg.Add(kg) }
func (p *Prometheus) Shortage()                         { p.shortages.Inc() }
func (p *Prometheus) TemporalDrop()                     { p.temporalDrop.Inc() }
func (p *Prometheus) Stall()                            { p.stalls.Inc() }
func (p *Prometheus) HeapBytes(b uint64)                { p.heapBytes.Set(float64(b)) }

func (p *Prometheus) Day(run string, date time.Time, d time.Duration) {
	p.simulatedDay.WithLabelValues(run).Set(float64(date.Unix()))
	p.dayDuration.Observe(d.Seconds())
}
