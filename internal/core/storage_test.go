package core

import (
	"aquasim/internal/config"
	"aquasim/internal/infra/persistence/memory"
	"aquasim/internal/infra/persistence/postgres"
	"aquasim/internal/infra/persistence/postgres/testutil"
	"aquasim/internal/infra/persistence/sqlite"
	"aquasim/pkg/domain"
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenPersistentStoreMemory(t *testing.T) {
	store, err := OpenPersistentStore(config.Store{Driver: config.StoreMemory}, NewDefaultRulesEngine(config.Default()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected *memory.Store, got %T", store)
	}
}

func TestOpenPersistentStoreDefaultsToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.db")
	store, err := OpenPersistentStore(config.Store{Path: path}, NewDefaultRulesEngine(config.Default()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = store.Close() }()
	s, ok := store.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected *sqlite.Store, got %T", store)
	}
	if s.Path() != path {
		t.Fatalf("path %q, want %q", s.Path(), path)
	}
	if _, err := s.RunInTransaction(context.Background(), func(domain.Transaction) error { return nil }); err != nil {
		t.Fatalf("empty transaction: %v", err)
	}
}

func TestOpenPersistentStorePostgres(t *testing.T) {
	db, _ := testutil.NewStubDB()
	restore := postgres.OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	store, err := OpenPersistentStore(config.Store{Driver: config.StorePostgres, DSN: "postgres://stub"}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*postgres.Store); !ok {
		t.Fatalf("expected *postgres.Store, got %T", store)
	}
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	_, err := OpenPersistentStore(config.Store{Driver: "bolt"}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown storage driver") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}
