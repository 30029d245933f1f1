// Package metrics records simulation progress. The session and daily cycle
// report through Recorder; the CLI picks the Prometheus or expvar backend.
package metrics

import (
	"aquasim/pkg/domain"
	"time"
)

// Recorder receives simulation measurements. Implementations must be safe for
// concurrent use by parallel workers.
type Recorder interface {
	Facts(kind domain.FactKind, n int)
	Mortality(n int64)
	Harvested(n int64)
	FedKg(kg float64)
	Shortage()
	TemporalDrop()
	Stall()
	// Day reports that run finished simulating date in d wall time.
	Day(run string, date time.Time, d time.Duration)
	HeapBytes(b uint64)
}

// Noop discards everything.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) Facts(domain.FactKind, int)           {}
func (Noop) Mortality(int64)                      {}
func (Noop) Harvested(int64)                      {}
func (Noop) FedKg(float64)                        {}
func (Noop) Shortage()                            {}
func (Noop) TemporalDrop()                        {}
func (Noop) Stall()                               {}
func (Noop) Day(string, time.Time, time.Duration) {}
func (Noop) HeapBytes(uint64)                     {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}
