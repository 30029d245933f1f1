package sqlstore

import (
	"aquasim/internal/infra/persistence/memory"
	"aquasim/pkg/domain"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store reuses the in-memory implementation for transactions and rules and
// writes every committed change through to SQL before it becomes visible.
type Store struct {
	*memory.Store
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
}

// Open applies the schema, hydrates the entity state from db and registers the
// write-through commit hook.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, engine *domain.RulesEngine) (*Store, error) {
	for _, stmt := range dialect.Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: apply schema: %w", dialect.Name, err)
		}
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dialect.Name, err)
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	s := &Store{Store: mem, db: db, dialect: dialect}
	mem.OnCommit(s.persistChanges)
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

type entityTable struct {
	name   string
	keyCol string
}

var entityTables = map[domain.EntityType]entityTable{
	domain.EntityCohort:     {name: "cohorts", keyCol: "run_id"},
	domain.EntityContainer:  {name: "containers"},
	domain.EntityAssignment: {name: "assignments", keyCol: "cohort_id"},
	domain.EntityTransfer:   {name: "transfers", keyCol: "cohort_id"},
	domain.EntityPurchase:   {name: "feed_purchases", keyCol: "run_id"},
}

// rowKey returns the id and secondary key column value of an entity record.
func rowKey(v any) (id string, key string, ok bool) {
	switch r := v.(type) {
	case domain.Cohort:
		return r.ID, r.RunID, true
	case domain.Container:
		return r.ID, "", true
	case domain.Assignment:
		return r.ID, r.CohortID, true
	case domain.Transfer:
		return r.ID, r.CohortID, true
	case domain.FeedPurchase:
		return r.ID, r.RunID, true
	}
	return "", "", false
}

// compress keeps the last change per entity row, in order of last occurrence.
func compress(changes []domain.Change) []domain.Change {
	type key struct {
		entity domain.EntityType
		id     string
	}
	last := make(map[key]int, len(changes))
	for i, ch := range changes {
		rec := ch.After
		if rec == nil {
			rec = ch.Before
		}
		id, _, ok := rowKey(rec)
		if !ok {
			continue
		}
		last[key{ch.Entity, id}] = i
	}
	out := make([]domain.Change, 0, len(last))
	for i, ch := range changes {
		rec := ch.After
		if rec == nil {
			rec = ch.Before
		}
		id, _, ok := rowKey(rec)
		if ok && last[key{ch.Entity, id}] == i {
			out = append(out, ch)
		}
	}
	return out
}

func (s *Store) persistChanges(ctx context.Context, changes []domain.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, ch := range compress(changes) {
		table, ok := entityTables[ch.Entity]
		if !ok {
			continue
		}
		if ch.After == nil {
			id, _, _ := rowKey(ch.Before)
			q := fmt.Sprintf("DELETE FROM %s WHERE id = %s", table.name, s.dialect.Placeholder(1))
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("delete %s %s: %w", ch.Entity, id, err)
			}
			continue
		}
		id, key, _ := rowKey(ch.After)
		payload, err := json.Marshal(ch.After)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", ch.Entity, id, err)
		}
		if _, err := tx.ExecContext(ctx, s.upsertSQL(table), upsertArgs(table, id, key, payload)...); err != nil {
			return fmt.Errorf("upsert %s %s: %w", ch.Entity, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) upsertSQL(t entityTable) string {
	if t.keyCol == "" {
		return fmt.Sprintf("INSERT INTO %s (id, payload) VALUES (%s) ON CONFLICT (id) DO UPDATE SET payload = excluded.payload",
			t.name, s.dialect.placeholders(1, 2))
	}
	return fmt.Sprintf("INSERT INTO %s (id, %s, payload) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s = excluded.%s, payload = excluded.payload",
		t.name, t.keyCol, s.dialect.placeholders(1, 3), t.keyCol, t.keyCol)
}

func upsertArgs(t entityTable, id, key string, payload []byte) []any {
	if t.keyCol == "" {
		return []any{id, payload}
	}
	return []any{id, key, payload}
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	snapshot := memory.Snapshot{
		Cohorts:     map[string]domain.Cohort{},
		Containers:  map[string]domain.Container{},
		Assignments: map[string]domain.Assignment{},
		Transfers:   map[string]domain.Transfer{},
		Purchases:   map[string]domain.FeedPurchase{},
	}
	if err := loadTable(ctx, db, "cohorts", snapshot.Cohorts); err != nil {
		return snapshot, err
	}
	if err := loadTable(ctx, db, "containers", snapshot.Containers); err != nil {
		return snapshot, err
	}
	if err := loadTable(ctx, db, "assignments", snapshot.Assignments); err != nil {
		return snapshot, err
	}
	if err := loadTable(ctx, db, "transfers", snapshot.Transfers); err != nil {
		return snapshot, err
	}
	if err := loadTable(ctx, db, "feed_purchases", snapshot.Purchases); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

func loadTable[T any](ctx context.Context, db *sql.DB, table string, into map[string]T) error {
	rows, err := db.QueryContext(ctx, "SELECT id, payload FROM "+table)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s %s: %w", table, id, err)
		}
		into[id] = v
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", table, err)
	}
	return nil
}
