package domain

import (
	"encoding/json"
	"time"
)

// Counters accumulate run totals across chunks.
type Counters struct {
	Days          int                `json:"days"`
	Facts         map[FactKind]int64 `json:"facts"`
	Mortality     int64              `json:"mortality"`
	Transferred   int64              `json:"transferred"`
	Harvested     int64              `json:"harvested"`
	FedKg         float64            `json:"fed_kg"`
	Shortages     int64              `json:"shortages"`
	TemporalDrops int64              `json:"temporal_drops"`
	Stalls        int64              `json:"stalls"`
	Purchases     int64              `json:"purchases"`
	Outbreaks     int64              `json:"outbreaks"`
	WeatherEvents int64              `json:"weather_events"`
}

// AddFact increments the per-kind fact counter.
func (c *Counters) AddFact(kind FactKind) {
	if c.Facts == nil {
		c.Facts = make(map[FactKind]int64)
	}
	c.Facts[kind]++
}

// TotalFacts returns the number of facts generated.
func (c Counters) TotalFacts() int64 {
	var n int64
	for _, v := range c.Facts {
		n += v
	}
	return n
}

// Clone returns a deep copy.
func (c Counters) Clone() Counters {
	out := c
	if c.Facts != nil {
		out.Facts = make(map[FactKind]int64, len(c.Facts))
		for k, v := range c.Facts {
			out.Facts[k] = v
		}
	}
	return out
}

// Checkpoint is a durable snapshot that lets a run resume without replaying
// history. Date is the last fully simulated day.
type Checkpoint struct {
	RunID        string                     `json:"run_id"`
	Sequence     int                        `json:"sequence"`
	Date         time.Time                  `json:"date"`
	Cohorts      []Cohort                   `json:"cohorts"`
	Assignments  []Assignment               `json:"assignments"`
	Reservations map[string][]string        `json:"reservations"`
	Counters     Counters                   `json:"counters"`
	Generators   map[string]json.RawMessage `json:"generators,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
}

// CheckpointInfo describes a stored checkpoint without its payload.
type CheckpointInfo struct {
	RunID    string    `json:"run_id"`
	Sequence int       `json:"sequence"`
	Date     time.Time `json:"date"`
}
