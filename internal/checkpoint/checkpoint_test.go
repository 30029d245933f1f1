package checkpoint

import (
	"aquasim/internal/blob"
	"aquasim/internal/config"
	"aquasim/internal/infra/persistence/memory"
	"aquasim/pkg/domain"
	"context"
	"encoding/json"
	"testing"
	"time"
)

var day0 = time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC)

func checkpointAt(run string, seq int) domain.Checkpoint {
	cp := domain.Checkpoint{
		RunID:    run,
		Sequence: seq,
		Date:     day0.AddDate(0, 0, 30*seq),
		Cohorts:  []domain.Cohort{{Base: domain.Base{ID: "c1"}, RunID: run, Stage: domain.StageFry}},
		Assignments: []domain.Assignment{
			{Base: domain.Base{ID: "a1"}, CohortID: "c1", ContainerID: "t1", Stage: domain.StageFry, StartDate: day0, Population: 900},
		},
		Reservations: map[string][]string{"t1": {"a1"}},
		Generators:   map[string]json.RawMessage{"feed": json.RawMessage(`{"stock":{}}`)},
	}
	cp.Counters.AddFact(domain.FactReading)
	return cp
}

func memoryBlobs(t *testing.T) blob.Store {
	t.Helper()
	bs, err := blob.Open(context.Background(), config.Blob{Driver: "memory"})
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	return bs
}

func exercise(t *testing.T, c Checkpointer) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := c.Latest(ctx, "r1"); ok || err != nil {
		t.Fatalf("expected no checkpoint, got %v %v", ok, err)
	}
	for seq := 1; seq <= 3; seq++ {
		if err := c.Save(ctx, checkpointAt("r1", seq)); err != nil {
			t.Fatalf("save %d: %v", seq, err)
		}
	}
	again := checkpointAt("r1", 3)
	again.Counters.Mortality = 7
	if err := c.Save(ctx, again); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := c.Save(ctx, checkpointAt("r2", 1)); err != nil {
		t.Fatalf("save other run: %v", err)
	}

	latest, ok, err := c.Latest(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("latest: %v %v", ok, err)
	}
	if latest.Sequence != 3 || latest.Counters.Mortality != 7 || !latest.Date.Equal(day0.AddDate(0, 0, 90)) {
		t.Fatalf("unexpected latest %+v", latest)
	}
	if len(latest.Assignments) != 1 || latest.Assignments[0].Population != 900 || latest.Reservations["t1"][0] != "a1" {
		t.Fatalf("payload not preserved: %+v", latest)
	}
	if string(latest.Generators["feed"]) != `{"stock":{}}` || latest.Counters.Facts[domain.FactReading] != 1 {
		t.Fatalf("generators or counters lost: %+v", latest)
	}
	infos, err := c.List(ctx, "r1")
	if err != nil || len(infos) != 3 {
		t.Fatalf("list: %v %+v", err, infos)
	}
	if infos[0].Sequence != 1 || !infos[2].Date.Equal(day0.AddDate(0, 0, 90)) {
		t.Fatalf("unexpected infos %+v", infos)
	}
}

func TestStoreCheckpointer(t *testing.T) {
	exercise(t, NewStore(memory.NewStore(nil)))
}

func TestBlobCheckpointer(t *testing.T) {
	exercise(t, NewBlob(memoryBlobs(t), "", 0))
}

func TestBlobCheckpointerOnS3(t *testing.T) {
	exercise(t, NewBlob(blob.NewMockS3ForTests(), "archive/", 0))
}

func TestBlobKeysAndRetention(t *testing.T) {
	bs := memoryBlobs(t)
	c := NewBlob(bs, "/cps/", 2)
	if got := c.Key("run-1", 12); got != "cps/run-1/000012.json" {
		t.Fatalf("key %q", got)
	}
	ctx := context.Background()
	for seq := 1; seq <= 4; seq++ {
		if err := c.Save(ctx, checkpointAt("run-1", seq)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	infos, err := c.List(ctx, "run-1")
	if err != nil || len(infos) != 2 || infos[0].Sequence != 3 {
		t.Fatalf("retention kept %+v (%v)", infos, err)
	}
	if err := c.Save(ctx, domain.Checkpoint{}); err == nil {
		t.Fatalf("expected error for missing run id")
	}
}

func TestMirrorFallsBackToArchive(t *testing.T) {
	ctx := context.Background()
	bs := memoryBlobs(t)
	first := NewMirror(NewStore(memory.NewStore(nil)), NewBlob(bs, "", 0), nil)
	exercise(t, first)

	// A fresh store sees nothing locally but resumes from the archive.
	fresh := NewMirror(NewStore(memory.NewStore(nil)), NewBlob(bs, "", 0), nil)
	cp, ok, err := fresh.Latest(ctx, "r1")
	if err != nil || !ok || cp.Sequence != 3 {
		t.Fatalf("archive fallback: %v %v %+v", ok, err, cp)
	}
	infos, err := fresh.List(ctx, "r1")
	if err != nil || len(infos) != 3 {
		t.Fatalf("archive list: %v %d", err, len(infos))
	}
}

func TestNewSelectsDriver(t *testing.T) {
	store := memory.NewStore(nil)
	bs := memoryBlobs(t)
	cases := []struct {
		driver string
		blobs  blob.Store
		want   string
		err    bool
	}{
		{"", nil, "*checkpoint.Store", false},
		{config.CheckpointStore, nil, "*checkpoint.Store", false},
		{config.CheckpointBlob, bs, "*checkpoint.Blob", false},
		{config.CheckpointMirror, bs, "*checkpoint.Mirror", false},
		{config.CheckpointBlob, nil, "", true},
		{config.CheckpointMirror, nil, "", true},
		{"tape", bs, "", true},
	}
	for _, tc := range cases {
		c, err := New(config.Checkpoint{Driver: tc.driver}, store, tc.blobs, nil)
		if tc.err {
			if err == nil {
				t.Fatalf("%q: expected error", tc.driver)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.driver, err)
		}
		if got := typeName(c); got != tc.want {
			t.Fatalf("%q: got %s, want %s", tc.driver, got, tc.want)
		}
	}
}

func typeName(c Checkpointer) string {
	switch c.(type) {
	case *Store:
		return "*checkpoint.Store"
	case *Blob:
		return "*checkpoint.Blob"
	case *Mirror:
		return "*checkpoint.Mirror"
	}
	return "unknown"
}
