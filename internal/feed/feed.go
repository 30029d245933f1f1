// Package feed tracks feed stock per storage location and feed type as FIFO
// lots, derives daily rations from biomass and places reorders that arrive
// after a lead time.
package feed

import (
	"aquasim/internal/config"
	"aquasim/internal/ids"
	"aquasim/internal/streams"
	"aquasim/pkg/domain"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"
)

// Lot is a received delivery, consumed oldest first.
type Lot struct {
	Received   time.Time       `json:"received"`
	QuantityKg decimal.Decimal `json:"quantity_kg"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// Order is a placed purchase that has not arrived yet.
type Order struct {
	ID         string          `json:"id"`
	FeedType   string          `json:"feed_type"`
	Location   string          `json:"location"`
	OrderedOn  time.Time       `json:"ordered_on"`
	ArrivesOn  time.Time       `json:"arrives_on"`
	QuantityKg decimal.Decimal `json:"quantity_kg"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

type stockKey struct {
	Location string
	FeedType string
}

func (k stockKey) String() string { return k.Location + "|" + k.FeedType }

// Manager is the inventory of one run. It is not safe for concurrent use.
type Manager struct {
	runID   string
	types   map[string]config.FeedType
	keys    []stockKey
	stock   map[stockKey][]Lot
	pending []Order
	src     streams.Source
	log     *slog.Logger
}

// New builds a manager stocking every (location, feed type) pair that a stage
// of cfg can consume in one of containers.
func New(runID string, cfg config.Config, containers []domain.Container, src streams.Source, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		runID: runID,
		types: make(map[string]config.FeedType, len(cfg.Feed.Types)),
		stock: make(map[stockKey][]Lot),
		src:   src,
		log:   logger,
	}
	for _, t := range cfg.Feed.Types {
		m.types[t.Name] = t
	}
	seen := make(map[stockKey]bool)
	for _, c := range containers {
		for _, s := range cfg.Stages {
			if s.FeedType == "" || !s.Allows(c.Type) {
				continue
			}
			k := stockKey{Location: c.Location, FeedType: s.FeedType}
			if !seen[k] {
				seen[k] = true
				m.keys = append(m.keys, k)
			}
		}
	}
	sort.Slice(m.keys, func(i, j int) bool { return m.keys[i].String() < m.keys[j].String() })
	return m
}

// Seed places the configured opening stock of every pair, priced at the base
// price.
func (m *Manager) Seed(date time.Time) {
	for _, k := range m.keys {
		t, ok := m.types[k.FeedType]
		if !ok || t.InitialStockKg <= 0 {
			continue
		}
		m.stock[k] = append(m.stock[k], Lot{
			Received:   domain.Day(date),
			QuantityKg: decimal.NewFromFloat(t.InitialStockKg),
			UnitPrice:  decimal.NewFromFloat(t.BasePrice).Round(4),
		})
	}
}

// Ration returns the planned daily feed of an assignment in kg.
func Ration(biomassKg float64, stage config.Stage, temperature float64) decimal.Decimal {
	if biomassKg <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(biomassKg * stage.FeedRate(temperature) / 100).Round(3)
}

// Consume feeds assignment a hosted in c for one day, drawing from the oldest
// lots at the container's location. When stock runs short the feeding is
// truncated to what remains. It reports false when the stage is not fed.
func (m *Manager) Consume(date time.Time, a domain.Assignment, c domain.Container, stage config.Stage, temperature float64) (domain.Fact, bool) {
	planned := Ration(a.BiomassKg, stage, temperature)
	if stage.FeedType == "" || !planned.IsPositive() {
		return domain.Fact{}, false
	}
	date = domain.Day(date)
	k := stockKey{Location: c.Location, FeedType: stage.FeedType}
	lots := m.stock[k]
	remaining := planned
	cost := decimal.Zero
	for len(lots) > 0 && remaining.IsPositive() {
		take := decimal.Min(lots[0].QuantityKg, remaining)
		cost = cost.Add(take.Mul(lots[0].UnitPrice))
		lots[0].QuantityKg = lots[0].QuantityKg.Sub(take)
		remaining = remaining.Sub(take)
		if !lots[0].QuantityKg.IsPositive() {
			lots = lots[1:]
		}
	}
	m.stock[k] = lots
	fed := planned.Sub(remaining)
	shortage := remaining.IsPositive()
	if shortage {
		m.log.Warn("feed shortage", "assignment", a.ID, "location", c.Location, "feed_type", stage.FeedType,
			"date", date.Format(time.DateOnly), "planned_kg", planned.String(), "fed_kg", fed.String())
	}
	return domain.Fact{
		ID:           ids.New(a.ID, string(domain.FactFeeding), date.Format(time.DateOnly)),
		AssignmentID: a.ID,
		Kind:         domain.FactFeeding,
		At:           date.Add(8 * time.Hour),
		Feeding: &domain.Feeding{
			FeedType:  stage.FeedType,
			Location:  c.Location,
			PlannedKg: planned.InexactFloat64(),
			FedKg:     fed.InexactFloat64(),
			Cost:      cost.Round(2),
			Shortage:  shortage,
		},
	}, true
}

// Receive turns orders due on or before date into lots and returns them.
func (m *Manager) Receive(date time.Time) []Order {
	date = domain.Day(date)
	var arrived []Order
	waiting := m.pending[:0]
	for _, o := range m.pending {
		if o.ArrivesOn.After(date) {
			waiting = append(waiting, o)
			continue
		}
		k := stockKey{Location: o.Location, FeedType: o.FeedType}
		m.stock[k] = append(m.stock[k], Lot{Received: o.ArrivesOn, QuantityKg: o.QuantityKg, UnitPrice: o.UnitPrice})
		arrived = append(arrived, o)
	}
	m.pending = waiting
	return arrived
}

// Reorder places an order for every pair whose stock on hand plus on order
// has fallen under the reorder threshold.
func (m *Manager) Reorder(date time.Time) []domain.FeedPurchase {
	date = domain.Day(date)
	var out []domain.FeedPurchase
	for _, k := range m.keys {
		t, ok := m.types[k.FeedType]
		if !ok || t.ReorderQuantityKg <= 0 {
			continue
		}
		level := m.OnHand(k.Location, k.FeedType).Add(m.OnOrder(k.Location, k.FeedType))
		if level.GreaterThanOrEqual(decimal.NewFromFloat(t.ReorderThresholdKg)) {
			continue
		}
		o := Order{
			ID:         ids.New(m.runID, string(domain.EntityPurchase), k.Location, k.FeedType, date.Format(time.DateOnly)),
			FeedType:   k.FeedType,
			Location:   k.Location,
			OrderedOn:  date,
			ArrivesOn:  date.AddDate(0, 0, t.LeadTimeDays),
			QuantityKg: decimal.NewFromFloat(t.ReorderQuantityKg),
			UnitPrice:  m.price(date, k, t),
		}
		m.pending = append(m.pending, o)
		out = append(out, domain.FeedPurchase{
			Base:       domain.Base{ID: o.ID},
			RunID:      m.runID,
			FeedType:   o.FeedType,
			Location:   o.Location,
			OrderedOn:  o.OrderedOn,
			ArrivesOn:  o.ArrivesOn,
			QuantityKg: o.QuantityKg,
			UnitPrice:  o.UnitPrice,
		})
		m.log.Debug("feed reorder", "location", k.Location, "feed_type", k.FeedType, "date", date.Format(time.DateOnly),
			"quantity_kg", o.QuantityKg.String(), "unit_price", o.UnitPrice.String(), "arrives", o.ArrivesOn.Format(time.DateOnly))
	}
	return out
}

// price is base × seasonal factor × (1 ± market variation).
func (m *Manager) price(date time.Time, k stockKey, t config.FeedType) decimal.Decimal {
	u := distuv.Uniform{Min: -1, Max: 1, Src: m.src.PCG(streams.PurposeMarket, date, k.Location, k.FeedType)}.Rand()
	p := t.BasePrice * config.SeasonalFactor(date.YearDay(), t.PeakDay, t.SeasonalAmplitude) * (1 + t.MarketVariation*u)
	return decimal.NewFromFloat(p).Round(4)
}

// OnHand returns the stock at a location for a feed type.
func (m *Manager) OnHand(location, feedType string) decimal.Decimal {
	total := decimal.Zero
	for _, l := range m.stock[stockKey{Location: location, FeedType: feedType}] {
		total = total.Add(l.QuantityKg)
	}
	return total
}

// OnOrder returns the quantity ordered but not yet received.
func (m *Manager) OnOrder(location, feedType string) decimal.Decimal {
	total := decimal.Zero
	for _, o := range m.pending {
		if o.Location == location && o.FeedType == feedType {
			total = total.Add(o.QuantityKg)
		}
	}
	return total
}

// Pending returns the orders in transit.
func (m *Manager) Pending() []Order {
	return append([]Order(nil), m.pending...)
}

type snapshot struct {
	Stock   map[string][]Lot `json:"stock"`
	Pending []Order          `json:"pending"`
}

// State serialises lots and pending orders for a checkpoint.
func (m *Manager) State() (json.RawMessage, error) {
	s := snapshot{Stock: make(map[string][]Lot, len(m.stock)), Pending: m.pending}
	for k, lots := range m.stock {
		s.Stock[k.String()] = lots
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("feed: encode state: %w", err)
	}
	return raw, nil
}

// Restore replaces the inventory with one produced by State.
func (m *Manager) Restore(raw json.RawMessage) error {
	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("feed: decode state: %w", err)
	}
	m.stock = make(map[stockKey][]Lot, len(s.Stock))
	for key, lots := range s.Stock {
		loc, feedType, ok := strings.Cut(key, "|")
		if !ok {
			return fmt.Errorf("feed: malformed stock key %q", key)
		}
		m.stock[stockKey{Location: loc, FeedType: feedType}] = lots
	}
	m.pending = s.Pending
	return nil
}
