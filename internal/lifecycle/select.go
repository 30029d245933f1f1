package lifecycle

import (
	"aquasim/internal/config"
	"aquasim/pkg/domain"
	"fmt"
	"sort"
)

// selectDestinations picks free pool containers able to absorb population
// at stage. Locations are visited round-robin from the stage cursor and the
// first location that can take the whole population wins. Stages that allow
// it fall back to taking one container per location in turn. It returns the
// cursor to store once the caller commits.
func (m *Manager) selectDestinations(view domain.TransactionView, stage config.Stage, population int64, location string) ([]domain.Container, int, error) {
	var locations []string
	free := make(map[string][]domain.Container)
	for _, c := range m.pool {
		if !stage.Allows(c.Type) || (location != "" && c.Location != location) {
			continue
		}
		if _, seen := free[c.Location]; !seen {
			locations = append(locations, c.Location)
			free[c.Location] = nil
		}
		if len(view.OpenAssignments(c.ID)) == 0 {
			free[c.Location] = append(free[c.Location], c)
		}
	}
	sort.Strings(locations)
	n := len(locations)
	if n == 0 || population <= 0 {
		return nil, 0, fmt.Errorf("%w: no %s containers in pool", domain.ErrInsufficientCapacity, stage.Name)
	}
	start := m.cursors[stage.Name] % n

	for i := 0; i < n; i++ {
		loc := locations[(start+i)%n]
		if picked, ok := fill(free[loc], population); ok {
			return picked, (start + i + 1) % n, nil
		}
	}
	if stage.SingleLocation {
		return nil, 0, fmt.Errorf("%w: no single location can take %d fish at stage %s",
			domain.ErrInsufficientCapacity, population, stage.Name)
	}

	queues := make(map[string][]domain.Container, n)
	for loc, cs := range free {
		queues[loc] = cs
	}
	var (
		picked []domain.Container
		total  int64
		empty  int
	)
	i := start
	for total < population && empty < n {
		loc := locations[i%n]
		i++
		if len(queues[loc]) == 0 {
			empty++
			continue
		}
		empty = 0
		c := queues[loc][0]
		queues[loc] = queues[loc][1:]
		picked = append(picked, c)
		total += c.Capacity
	}
	if total < population {
		return nil, 0, fmt.Errorf("%w: %d free of %d needed at stage %s",
			domain.ErrInsufficientCapacity, total, population, stage.Name)
	}
	return picked, i % n, nil
}

// fill takes containers in order until their capacity covers population.
func fill(cs []domain.Container, population int64) ([]domain.Container, bool) {
	var total int64
	for i, c := range cs {
		total += c.Capacity
		if total >= population {
			return cs[:i+1:i+1], true
		}
	}
	return nil, false
}

// allot splits population over containers in proportion to capacity. No
// share exceeds its container's capacity as long as the total capacity
// covers the population.
func allot(cs []domain.Container, population int64) []int64 {
	shares := make([]int64, len(cs))
	var capacity int64
	for _, c := range cs {
		capacity += c.Capacity
	}
	if capacity == 0 {
		return shares
	}
	var given int64
	for i, c := range cs {
		shares[i] = population * c.Capacity / capacity
		given += shares[i]
	}
	for i := 0; given < population; i = (i + 1) % len(cs) {
		if shares[i] < cs[i].Capacity {
			shares[i]++
			given++
		}
	}
	return shares
}

func nonEmpty(cs []domain.Container, shares []int64) ([]domain.Container, []int64) {
	outC := cs[:0:0]
	outS := shares[:0:0]
	for i, n := range shares {
		if n > 0 {
			outC = append(outC, cs[i])
			outS = append(outS, n)
		}
	}
	return outC, outS
}
