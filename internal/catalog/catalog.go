// Package catalog supplies the read-only container catalog: either a YAML or
// JSON file listing containers, or containers expanded from the configured
// topology.
package catalog

import (
	"aquasim/internal/config"
	"aquasim/pkg/domain"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type entry struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Capacity int64  `yaml:"capacity" json:"capacity"`
	Location string `yaml:"location" json:"location"`
	Site     string `yaml:"site" json:"site"`
	Saline   bool   `yaml:"saline" json:"saline"`
}

type file struct {
	Containers []entry `yaml:"containers" json:"containers"`
}

func (e entry) toDomain() domain.Container {
	name := e.Name
	if name == "" {
		name = e.ID
	}
	return domain.Container{
		Base:     domain.Base{ID: e.ID},
		Name:     name,
		Type:     domain.ContainerType(e.Type),
		Capacity: e.Capacity,
		Location: e.Location,
		Site:     e.Site,
		Saline:   e.Saline,
	}
}

// Parse decodes a catalog document. JSON documents are accepted as YAML.
func Parse(data []byte) ([]domain.Container, error) {
	var doc file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	out := make([]domain.Container, 0, len(doc.Containers))
	seen := make(map[string]bool, len(doc.Containers))
	var errs []error
	for i, e := range doc.Containers {
		switch {
		case e.ID == "":
			errs = append(errs, fmt.Errorf("container %d: id required", i))
		case seen[e.ID]:
			errs = append(errs, fmt.Errorf("container %s: duplicate id", e.ID))
		case e.Capacity <= 0:
			errs = append(errs, fmt.Errorf("container %s: capacity must be positive", e.ID))
		case e.Type == "" || e.Location == "":
			errs = append(errs, fmt.Errorf("container %s: type and location required", e.ID))
		}
		seen[e.ID] = true
		out = append(out, e.toDomain())
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("catalog: %w", errors.Join(errs...))
	}
	sortByID(out)
	return out, nil
}

// LoadFile reads and parses the catalog at path.
func LoadFile(path string) ([]domain.Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// FromTopology expands the configured locations into containers with ids of
// the form <location>-<type>-NN.
func FromTopology(locations []config.Location) []domain.Container {
	var out []domain.Container
	for _, loc := range locations {
		for _, g := range loc.Containers {
			for i := 1; i <= g.Count; i++ {
				id := fmt.Sprintf("%s-%s-%02d", loc.Name, g.Type, i)
				out = append(out, domain.Container{
					Base:     domain.Base{ID: id},
					Name:     id,
					Type:     g.Type,
					Capacity: g.Capacity,
					Location: loc.Name,
					Site:     loc.Site,
					Saline:   loc.Saline,
				})
			}
		}
	}
	sortByID(out)
	return out
}

// Resolve returns the catalog configured by cfg: the catalog file when set,
// otherwise the topology.
func Resolve(cfg config.Config) ([]domain.Container, error) {
	if cfg.CatalogPath != "" {
		return LoadFile(cfg.CatalogPath)
	}
	return FromTopology(cfg.Topology), nil
}

// Seed registers containers missing from store and returns how many were added.
func Seed(ctx context.Context, store domain.PersistentStore, containers []domain.Container) (int, error) {
	added := 0
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, c := range containers {
			if _, ok := tx.FindContainer(c.ID); ok {
				continue
			}
			if _, err := tx.CreateContainer(c); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: seed: %w", err)
	}
	return added, nil
}

// Locations returns the distinct locations of containers in sorted order.
func Locations(containers []domain.Container) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range containers {
		if !seen[c.Location] {
			seen[c.Location] = true
			out = append(out, c.Location)
		}
	}
	sort.Strings(out)
	return out
}

func sortByID(cs []domain.Container) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}
