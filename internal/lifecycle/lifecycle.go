// Package lifecycle opens and closes cohort-to-container assignments and
// moves cohorts between stages.
//
// Destinations of a stage transition are always created empty and filled
// only by transfer records, so a destination's population is by construction
// the sum of the transfers that reference it.
package lifecycle

import (
	"aquasim/internal/config"
	"aquasim/internal/ids"
	"aquasim/internal/streams"
	"aquasim/pkg/domain"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Manager handles the assignments of one run within its container pool.
// It is not safe for concurrent use; parallel workers each own a Manager
// over a disjoint pool.
type Manager struct {
	store   domain.PersistentStore
	runID   string
	cfg     config.Config
	stages  map[domain.Stage]config.Stage
	pool    []domain.Container
	cursors map[domain.Stage]int
	src     streams.Source
	log     *slog.Logger
}

// New returns a manager for runID choosing containers from pool.
func New(store domain.PersistentStore, cfg config.Config, runID string, pool []domain.Container, src streams.Source, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	stages := make(map[domain.Stage]config.Stage, len(cfg.Stages))
	for _, s := range cfg.Stages {
		stages[s.Name] = s
	}
	sorted := append([]domain.Container(nil), pool...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &Manager{
		store:   store,
		runID:   runID,
		cfg:     cfg,
		stages:  stages,
		pool:    sorted,
		cursors: make(map[domain.Stage]int),
		src:     src,
		log:     logger.With("run", runID),
	}
}

// Pool returns the containers the manager may choose from.
func (m *Manager) Pool() []domain.Container { return append([]domain.Container(nil), m.pool...) }

// Stage returns the configuration row of a stage.
func (m *Manager) Stage(name domain.Stage) (config.Stage, bool) {
	s, ok := m.stages[name]
	return s, ok
}

// Open binds cohortID to containerID at stage from start with an intake
// population. It fails with domain.ErrIncompatibleStage when the container
// type does not allow the stage or the container hosts another stage, and
// with domain.ErrCapacityExceeded when the population does not fit.
func (m *Manager) Open(ctx context.Context, cohortID, containerID string, stage domain.Stage, start time.Time, initialPopulation int64) (domain.Assignment, error) {
	var out domain.Assignment
	_, err := m.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		cohort, ok := tx.FindCohort(cohortID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityCohort, ID: cohortID}
		}
		a, err := m.open(tx, domain.Assignment{
			CohortID:    cohortID,
			ContainerID: containerID,
			Stage:       stage,
			Origin:      domain.AssignmentIntake,
			StartDate:   start,
			Population:  initialPopulation,
			AvgWeightG:  cohort.InitialMassG,
		})
		out = a
		return err
	})
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("lifecycle: open %s in %s: %w", cohortID, containerID, err)
	}
	return out, nil
}

func (m *Manager) open(tx domain.Transaction, a domain.Assignment) (domain.Assignment, error) {
	c, ok := tx.FindContainer(a.ContainerID)
	if !ok {
		return domain.Assignment{}, domain.NotFoundError{Entity: domain.EntityContainer, ID: a.ContainerID}
	}
	stage, ok := m.stages[a.Stage]
	if !ok || !stage.Allows(c.Type) {
		return domain.Assignment{}, fmt.Errorf("%w: %s cannot host %s", domain.ErrIncompatibleStage, c.Type, a.Stage)
	}
	occupancy := a.Population
	for _, o := range tx.Snapshot().OpenAssignments(c.ID) {
		if o.Stage != a.Stage {
			return domain.Assignment{}, fmt.Errorf("%w: %s already hosts %s", domain.ErrIncompatibleStage, c.ID, o.Stage)
		}
		occupancy += o.Population
	}
	if occupancy > c.Capacity {
		return domain.Assignment{}, fmt.Errorf("%w: %s would hold %d of %d", domain.ErrCapacityExceeded, c.ID, occupancy, c.Capacity)
	}
	a.StartDate = domain.Day(a.StartDate)
	a.ID = ids.New(a.CohortID, string(domain.EntityAssignment), string(a.Stage), a.ContainerID, a.StartDate.Format(time.DateOnly))
	a.EndDate = nil
	a.BiomassKg = float64(a.Population) * a.AvgWeightG / 1000
	return tx.CreateAssignment(a)
}

// Close ends an assignment on end and frees its container. Closing a closed
// assignment returns it unchanged.
func (m *Manager) Close(ctx context.Context, assignmentID string, end time.Time) (domain.Assignment, error) {
	var out domain.Assignment
	_, err := m.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		a, err := closeTx(tx, assignmentID, end)
		out = a
		return err
	})
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("lifecycle: close %s: %w", assignmentID, err)
	}
	return out, nil
}

func closeTx(tx domain.Transaction, id string, end time.Time) (domain.Assignment, error) {
	a, ok := tx.FindAssignment(id)
	if !ok {
		return domain.Assignment{}, domain.NotFoundError{Entity: domain.EntityAssignment, ID: id}
	}
	if !a.IsOpen() {
		return a, nil
	}
	return tx.UpdateAssignment(id, func(a *domain.Assignment) error {
		a.EndDate = domain.DatePtr(end)
		return nil
	})
}

// Place creates cohort (when new) and opens its intake assignments in the
// first stage, choosing containers with the same policy as transitions.
// A configured target location restricts the choice to that location.
func (m *Manager) Place(ctx context.Context, cohort domain.Cohort, date time.Time) (domain.Cohort, []domain.Assignment, error) {
	date = domain.Day(date)
	first := m.cfg.FirstStage()
	var (
		placed []domain.Assignment
		cursor int
	)
	_, err := m.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		placed = nil
		if existing, ok := tx.FindCohort(cohort.ID); ok {
			for _, a := range tx.Snapshot().ListAssignments() {
				if a.CohortID == existing.ID {
					placed = append(placed, a)
				}
			}
			if len(placed) > 0 {
				cohort = existing
				cursor = m.cursors[first.Name]
				return nil
			}
		} else {
			cohort.RunID = m.runID
			cohort.Stage = first.Name
			cohort.StartDate = date
			cohort.StageStart = date
			cohort.StageDays = m.stageDays(cohort.ID, first, date)
			cohort.Status = domain.CohortActive
			created, err := tx.CreateCohort(cohort)
			if err != nil {
				return err
			}
			cohort = created
		}
		dests, next, err := m.selectDestinations(tx.Snapshot(), first, cohort.InitialCount, m.cfg.Cohort.Location)
		if err != nil {
			return err
		}
		cursor = next
		dests, shares := nonEmpty(dests, allot(dests, cohort.InitialCount))
		for i, n := range shares {
			a, err := m.open(tx, domain.Assignment{
				CohortID:    cohort.ID,
				ContainerID: dests[i].ID,
				Stage:       first.Name,
				Origin:      domain.AssignmentIntake,
				StartDate:   date,
				Population:  n,
				AvgWeightG:  cohort.InitialMassG,
			})
			if err != nil {
				return err
			}
			placed = append(placed, a)
		}
		return nil
	})
	if err != nil {
		return domain.Cohort{}, nil, fmt.Errorf("lifecycle: place %s: %w", cohort.ID, err)
	}
	m.cursors[first.Name] = cursor
	m.log.Info("cohort placed", "cohort", cohort.ID, "stage", first.Name, "containers", len(placed),
		"population", cohort.InitialCount, "date", date.Format(time.DateOnly))
	return cohort, placed, nil
}

// Transition closes the open from-stage assignments of a cohort and opens
// empty to-stage assignments fed by transfer records, in one transaction.
// When no destination capacity is available the cohort is marked stalled
// and the error wraps domain.ErrInsufficientCapacity.
func (m *Manager) Transition(ctx context.Context, cohortID string, from, to domain.Stage, date time.Time) ([]domain.Assignment, error) {
	date = domain.Day(date)
	stage, ok := m.stages[to]
	if !ok {
		return nil, fmt.Errorf("lifecycle: transition %s: unknown stage %q", cohortID, to)
	}
	var (
		dests  []domain.Assignment
		cursor int
	)
	_, err := m.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		dests = nil
		cohort, sources, err := m.sources(tx, cohortID, from)
		if err != nil {
			return err
		}
		var total int64
		for _, s := range sources {
			total += s.Population
		}
		if total == 0 {
			return errDepleted
		}
		containers, next, err := m.selectDestinations(tx.Snapshot(), stage, total, "")
		if err != nil {
			return err
		}
		cursor = next
		containers, shares := nonEmpty(containers, allot(containers, total))

		for _, c := range containers {
			a, err := m.open(tx, domain.Assignment{
				CohortID:    cohortID,
				ContainerID: c.ID,
				Stage:       to,
				Origin:      domain.AssignmentTransfer,
				StartDate:   date,
			})
			if err != nil {
				return err
			}
			dests = append(dests, a)
		}
		if err := m.pour(tx, cohortID, sources, dests, shares, date); err != nil {
			return err
		}
		for i, d := range dests {
			if dests[i], err = refill(tx, d.ID); err != nil {
				return err
			}
		}
		for _, s := range sources {
			if _, err := closeTx(tx, s.ID, date); err != nil {
				return err
			}
		}
		_, err = tx.UpdateCohort(cohort.ID, func(c *domain.Cohort) error {
			c.Stage = to
			c.StageStart = date
			c.StageDays = m.stageDays(c.ID, stage, date)
			c.Status = domain.CohortActive
			c.StalledSince = nil
			return nil
		})
		return err
	})
	switch {
	case errors.Is(err, errDepleted):
		if _, err := m.Harvest(ctx, cohortID, date); err != nil {
			return nil, err
		}
		m.log.Warn("cohort depleted before transition", "cohort", cohortID, "stage", from, "date", date.Format(time.DateOnly))
		return nil, nil
	case errors.Is(err, domain.ErrInsufficientCapacity):
		if stallErr := m.stall(ctx, cohortID, date); stallErr != nil {
			return nil, errors.Join(err, stallErr)
		}
		m.log.Warn("transition stalled", "cohort", cohortID, "from", from, "to", to, "date", date.Format(time.DateOnly), "err", err)
		return nil, fmt.Errorf("lifecycle: transition %s: %w", cohortID, err)
	case err != nil:
		return nil, fmt.Errorf("lifecycle: transition %s: %w", cohortID, err)
	}
	m.cursors[to] = cursor
	m.log.Info("cohort transitioned", "cohort", cohortID, "from", from, "to", to,
		"containers", len(dests), "date", date.Format(time.DateOnly))
	return dests, nil
}

var errDepleted = errors.New("cohort has no fish left")

func (m *Manager) sources(tx domain.Transaction, cohortID string, stage domain.Stage) (domain.Cohort, []domain.Assignment, error) {
	cohort, ok := tx.FindCohort(cohortID)
	if !ok {
		return domain.Cohort{}, nil, domain.NotFoundError{Entity: domain.EntityCohort, ID: cohortID}
	}
	if cohort.Stage != stage {
		return domain.Cohort{}, nil, fmt.Errorf("cohort %s is in stage %s, not %s", cohortID, cohort.Stage, stage)
	}
	var out []domain.Assignment
	for _, a := range tx.Snapshot().ListAssignments() {
		if a.CohortID == cohortID && a.Stage == stage && a.IsOpen() {
			out = append(out, a)
		}
	}
	return cohort, out, nil
}

// pour writes the transfer records moving every source into the destinations
// in order, each destination taking its share.
func (m *Manager) pour(tx domain.Transaction, cohortID string, sources, dests []domain.Assignment, shares []int64, date time.Time) error {
	si, di := 0, 0
	var srcLeft, dstLeft int64
	if len(sources) > 0 {
		srcLeft = sources[0].Population
	}
	if len(shares) > 0 {
		dstLeft = shares[0]
	}
	for si < len(sources) && di < len(dests) {
		if srcLeft == 0 {
			if si++; si < len(sources) {
				srcLeft = sources[si].Population
			}
			continue
		}
		if dstLeft == 0 {
			if di++; di < len(dests) {
				dstLeft = shares[di]
			}
			continue
		}
		n := min(srcLeft, dstLeft)
		src, dst := sources[si], dests[di]
		if _, err := tx.CreateTransfer(domain.Transfer{
			Base:                    domain.Base{ID: ids.New(src.ID, string(domain.EntityTransfer), dst.ID)},
			CohortID:                cohortID,
			Kind:                    domain.TransferStage,
			SourceAssignmentID:      src.ID,
			DestinationAssignmentID: dst.ID,
			Date:                    date,
			Count:                   n,
			AvgWeightG:              src.AvgWeightG,
			BiomassKg:               float64(n) * src.AvgWeightG / 1000,
		}); err != nil {
			return err
		}
		srcLeft -= n
		dstLeft -= n
	}
	return nil
}

// refill recomputes a destination from the transfers that reference it.
func refill(tx domain.Transaction, id string) (domain.Assignment, error) {
	var count int64
	var grams float64
	for _, t := range tx.Snapshot().ListTransfers() {
		if t.DestinationAssignmentID == id {
			count += t.Count
			grams += float64(t.Count) * t.AvgWeightG
		}
	}
	return tx.UpdateAssignment(id, func(a *domain.Assignment) error {
		a.Population = count
		a.AvgWeightG = 0
		if count > 0 {
			a.AvgWeightG = grams / float64(count)
		}
		a.BiomassKg = grams / 1000
		return nil
	})
}

// Harvest closes the open assignments of a cohort, records the fish leaving
// the cohort as harvest transfers and marks the cohort harvested. It returns
// the number of fish harvested. Withholding periods are the caller's check.
func (m *Manager) Harvest(ctx context.Context, cohortID string, date time.Time) (int64, error) {
	date = domain.Day(date)
	var total int64
	_, err := m.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		total = 0
		cohort, ok := tx.FindCohort(cohortID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityCohort, ID: cohortID}
		}
		_, sources, err := m.sources(tx, cohortID, cohort.Stage)
		if err != nil {
			return err
		}
		for _, s := range sources {
			if s.Population > 0 {
				if _, err := tx.CreateTransfer(domain.Transfer{
					Base:               domain.Base{ID: ids.New(s.ID, string(domain.EntityTransfer), string(domain.TransferHarvest))},
					CohortID:           cohortID,
					Kind:               domain.TransferHarvest,
					SourceAssignmentID: s.ID,
					Date:               date,
					Count:              s.Population,
					AvgWeightG:         s.AvgWeightG,
					BiomassKg:          s.BiomassKg,
				}); err != nil {
					return err
				}
				total += s.Population
			}
			if _, err := closeTx(tx, s.ID, date); err != nil {
				return err
			}
		}
		_, err = tx.UpdateCohort(cohortID, func(c *domain.Cohort) error {
			c.Stage = domain.StageHarvested
			c.Status = domain.CohortHarvested
			c.StageStart = date
			c.StalledSince = nil
			return nil
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("lifecycle: harvest %s: %w", cohortID, err)
	}
	m.log.Info("cohort harvested", "cohort", cohortID, "count", total, "date", date.Format(time.DateOnly))
	return total, nil
}

func (m *Manager) stall(ctx context.Context, cohortID string, date time.Time) error {
	_, err := m.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		c, ok := tx.FindCohort(cohortID)
		if !ok || c.Status == domain.CohortStalled {
			return nil
		}
		_, err := tx.UpdateCohort(cohortID, func(c *domain.Cohort) error {
			c.Status = domain.CohortStalled
			c.StalledSince = domain.DatePtr(date)
			return nil
		})
		return err
	})
	return err
}

// ActiveAssignments returns the assignments of the run's cohorts whose window
// contains date, ordered by id.
func (m *Manager) ActiveAssignments(ctx context.Context, date time.Time) ([]domain.Assignment, error) {
	var out []domain.Assignment
	err := m.store.View(ctx, func(v domain.TransactionView) error {
		run := m.runCohorts(v)
		for _, a := range v.ListAssignments() {
			if _, ok := run[a.CohortID]; ok && a.ActiveOn(date) {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

// Cohorts returns the run's cohorts ordered by id.
func (m *Manager) Cohorts(ctx context.Context) ([]domain.Cohort, error) {
	var out []domain.Cohort
	err := m.store.View(ctx, func(v domain.TransactionView) error {
		for _, c := range v.ListCohorts() {
			if c.RunID == m.runID {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}

// Reservations maps each container holding an open assignment of the run to
// those assignment ids.
func (m *Manager) Reservations(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	err := m.store.View(ctx, func(v domain.TransactionView) error {
		run := m.runCohorts(v)
		for _, a := range v.ListAssignments() {
			if _, ok := run[a.CohortID]; ok && a.IsOpen() {
				out[a.ContainerID] = append(out[a.ContainerID], a.ID)
			}
		}
		return nil
	})
	return out, err
}

func (m *Manager) runCohorts(v domain.RuleView) map[string]struct{} {
	run := make(map[string]struct{})
	for _, c := range v.ListCohorts() {
		if c.RunID == m.runID {
			run[c.ID] = struct{}{}
		}
	}
	return run
}

func (m *Manager) stageDays(cohortID string, stage config.Stage, date time.Time) int {
	days := stage.DurationDays.Min
	if span := stage.DurationDays.Max - stage.DurationDays.Min; span > 0 {
		rng := m.src.Stream(streams.PurposeLifecycle, date, cohortID, string(stage.Name))
		days += rng.IntN(span + 1)
	}
	return days
}

// State serialises the round-robin cursors.
func (m *Manager) State() (json.RawMessage, error) {
	raw, err := json.Marshal(m.cursors)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: encode state: %w", err)
	}
	return raw, nil
}

// Restore replaces the cursors with ones produced by State.
func (m *Manager) Restore(raw json.RawMessage) error {
	cursors := make(map[domain.Stage]int)
	if err := json.Unmarshal(raw, &cursors); err != nil {
		return fmt.Errorf("lifecycle: decode state: %w", err)
	}
	m.cursors = cursors
	return nil
}
