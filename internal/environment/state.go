package environment

import (
	"encoding/json"
	"fmt"
	"time"
)

type snapshot struct {
	Water       map[string]*water    `json:"water"`
	Outbreaks   map[string]*Outbreak `json:"outbreaks"`
	Withholding map[string]time.Time `json:"withholding"`
	Events      []Event              `json:"events"`
}

// State serialises the generator state for a checkpoint.
func (g *Generator) State() (json.RawMessage, error) {
	raw, err := json.Marshal(snapshot{
		Water:       g.water,
		Outbreaks:   g.outbreaks,
		Withholding: g.withholding,
		Events:      g.events,
	})
	if err != nil {
		return nil, fmt.Errorf("environment: encode state: %w", err)
	}
	return raw, nil
}

// Restore replaces the generator state with one produced by State.
func (g *Generator) Restore(raw json.RawMessage) error {
	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("environment: decode state: %w", err)
	}
	g.water = s.Water
	if g.water == nil {
		g.water = make(map[string]*water)
	}
	for _, st := range g.water {
		if st.Deviation == nil {
			st.Deviation = make(map[string]float64)
		}
	}
	g.outbreaks = s.Outbreaks
	if g.outbreaks == nil {
		g.outbreaks = make(map[string]*Outbreak)
	}
	g.withholding = s.Withholding
	if g.withholding == nil {
		g.withholding = make(map[string]time.Time)
	}
	g.events = s.Events
	return nil
}
