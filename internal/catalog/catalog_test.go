package catalog

import (
	"aquasim/internal/config"
	"aquasim/internal/infra/persistence/memory"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const yamlCatalog = `containers:
  - id: tank-b
    type: fry_tank
    capacity: 1000
    location: hatchery
  - id: tank-a
    name: Tank A
    type: fry_tank
    capacity: 500
    location: hatchery
    site: north
`

func TestParseYAML(t *testing.T) {
	cs, err := Parse([]byte(yamlCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cs) != 2 || cs[0].ID != "tank-a" || cs[1].ID != "tank-b" {
		t.Fatalf("expected sorted containers, got %+v", cs)
	}
	if cs[0].Name != "Tank A" || cs[1].Name != "tank-b" {
		t.Fatalf("name defaulting wrong: %+v", cs)
	}
	if cs[0].Site != "north" || cs[0].Capacity != 500 {
		t.Fatalf("fields not mapped: %+v", cs[0])
	}
}

func TestParseJSON(t *testing.T) {
	doc := `{"containers":[{"id":"cage-1","type":"sea_cage","capacity":200000,"location":"fjord","saline":true}]}`
	cs, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if len(cs) != 1 || !cs[0].Saline || cs[0].Type != "sea_cage" {
		t.Fatalf("unexpected %+v", cs)
	}
}

func TestParseRejectsInvalidEntries(t *testing.T) {
	doc := `containers:
  - id: a
    type: fry_tank
    capacity: 0
    location: x
  - id: a
    type: fry_tank
    capacity: 10
    location: x
  - type: fry_tank
    capacity: 10
    location: x
`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"capacity must be positive", "duplicate id", "id required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "containers.yaml")
	if err := os.WriteFile(path, []byte(yamlCatalog), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cs, err := LoadFile(path)
	if err != nil || len(cs) != 2 {
		t.Fatalf("load: %v %d", err, len(cs))
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestFromTopology(t *testing.T) {
	cs := FromTopology([]config.Location{
		{Name: "sea", Site: "n", Saline: true, Containers: []config.ContainerGroup{{Type: "sea_cage", Count: 2, Capacity: 10}}},
		{Name: "hatch", Containers: []config.ContainerGroup{{Type: "fry_tank", Count: 1, Capacity: 5}}},
	})
	if len(cs) != 3 {
		t.Fatalf("expected 3 containers, got %d", len(cs))
	}
	if cs[0].ID != "hatch-fry_tank-01" || cs[2].ID != "sea-sea_cage-02" || !cs[2].Saline {
		t.Fatalf("unexpected containers %+v", cs)
	}
	if got := Locations(cs); len(got) != 2 || got[0] != "hatch" {
		t.Fatalf("unexpected locations %v", got)
	}
}

func TestSeedSkipsExisting(t *testing.T) {
	store := memory.NewStore(nil)
	cs, err := Resolve(config.Default())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	n, err := Seed(context.Background(), store, cs)
	if err != nil || n != len(cs) {
		t.Fatalf("seed: %v added %d of %d", err, n, len(cs))
	}
	n, err = Seed(context.Background(), store, cs)
	if err != nil || n != 0 {
		t.Fatalf("reseed should add nothing: %v %d", err, n)
	}
	if len(store.ListContainers()) != len(cs) {
		t.Fatalf("store holds %d containers", len(store.ListContainers()))
	}
}
