package blob

import (
	"aquasim/internal/config"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func exercise(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	payload := []byte(`{"run_id":"r1","sequence":1}`)
	info, err := store.Put(ctx, "checkpoints/r1/000001.json", bytes.NewReader(payload),
		PutOptions{ContentType: "application/json", Metadata: map[string]string{"run": "r1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("unexpected size %d", info.Size)
	}
	if _, err := store.Put(ctx, "checkpoints/r1/000001.json", bytes.NewReader(payload), PutOptions{}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Put(ctx, "checkpoints/r1/000002.json", bytes.NewReader([]byte("{}")), PutOptions{}); err != nil {
		t.Fatalf("put second: %v", err)
	}
	if _, err := store.Put(ctx, "other/x.json", bytes.NewReader([]byte("{}")), PutOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}

	head, err := store.Head(ctx, "checkpoints/r1/000001.json")
	if err != nil || head.ContentType != "application/json" || head.Metadata["run"] != "r1" {
		t.Fatalf("head: %v %+v", err, head)
	}
	_, rc, err := store.Get(ctx, "checkpoints/r1/000001.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %s", got)
	}

	list, err := store.List(ctx, "checkpoints/r1/")
	if err != nil || len(list) != 2 || list[0].Key != "checkpoints/r1/000001.json" || list[1].Key != "checkpoints/r1/000002.json" {
		t.Fatalf("list: %v %+v", err, list)
	}

	if ok, err := store.Delete(ctx, "checkpoints/r1/000001.json"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "checkpoints/r1/000001.json"); err != nil || ok {
		t.Fatalf("second delete should report missing: %v %v", ok, err)
	}
	if _, _, err := store.Get(ctx, "checkpoints/r1/000001.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
}

func TestDrivers(t *testing.T) {
	ctx := context.Background()
	fsStore, err := Open(ctx, config.Blob{Driver: "fs", FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	memStore, err := Open(ctx, config.Blob{Driver: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	cases := []struct {
		name   string
		store  Store
		driver Driver
	}{
		{"fs", fsStore, DriverFilesystem},
		{"memory", memStore, DriverMemory},
		{"s3", NewMockS3ForTests(), DriverS3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.store.Driver() != tc.driver {
				t.Fatalf("driver = %s", tc.store.Driver())
			}
			exercise(t, tc.store)
		})
	}
}

func TestOpenDefaultsAndErrors(t *testing.T) {
	ctx := context.Background()
	t.Chdir(t.TempDir())
	store, err := Open(ctx, config.Blob{})
	if err != nil || store.Driver() != DriverFilesystem {
		t.Fatalf("default driver: %v %v", err, store)
	}
	if _, err := Open(ctx, config.Blob{Driver: "s3"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := Open(ctx, config.Blob{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
