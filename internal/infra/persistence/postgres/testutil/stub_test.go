package testutil

import (
	"context"
	"database/sql/driver"
	"io"
	"testing"
)

func named(vals ...any) []driver.NamedValue {
	out := make([]driver.NamedValue, len(vals))
	for i, v := range vals {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

func drain(t *testing.T, rows driver.Rows, width int) [][]driver.Value {
	t.Helper()
	var out [][]driver.Value
	for {
		dest := make([]driver.Value, width)
		err := rows.Next(dest)
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, dest)
	}
}

func TestStubDBStoresAndQueriesRows(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	_, err := conn.ExecContext(ctx, "INSERT INTO facts (id, kind, at_unix) VALUES ($1, $2, $3), ($4, $5, $6)",
		named("f1", "feeding", int64(10), "f2", "mortality", int64(20)))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(conn.Rows("facts")) != 2 {
		t.Fatalf("expected two rows, got %v", conn.Rows("facts"))
	}

	rows, err := conn.QueryContext(ctx, "SELECT id FROM facts WHERE kind IN ($1, $2) AND at_unix >= $3",
		named("feeding", "mortality", int64(15)))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	got := drain(t, rows, 1)
	if len(got) != 1 || got[0][0] != "f2" {
		t.Fatalf("unexpected rows %v", got)
	}

	res, err := conn.ExecContext(ctx, "DELETE FROM facts WHERE at_unix < $1", named(int64(15)))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("expected one deleted row, got %d", n)
	}
	if rows := conn.Rows("facts"); len(rows) != 1 || rows[0]["id"] != "f2" {
		t.Fatalf("unexpected remaining rows %v", rows)
	}
}

func TestStubDBConflicts(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	insert := func(q string, vals ...any) {
		t.Helper()
		if _, err := conn.ExecContext(ctx, q, named(vals...)); err != nil {
			t.Fatalf("exec: %v", err)
		}
	}
	insert("INSERT INTO cohorts (id, payload) VALUES ($1, $2)", "c1", "a")
	insert("INSERT INTO cohorts (id, payload) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING", "c1", "b")
	if rows := conn.Rows("cohorts"); len(rows) != 1 || rows[0]["payload"] != "a" {
		t.Fatalf("do nothing should keep the first row: %v", rows)
	}
	insert("INSERT INTO cohorts (id, payload) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET payload = excluded.payload", "c1", "c")
	if rows := conn.Rows("cohorts"); len(rows) != 1 || rows[0]["payload"] != "c" {
		t.Fatalf("do update should replace the row: %v", rows)
	}
}

func TestStubDBFailures(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	if _, err := conn.ExecContext(ctx, "INSERT INTO t (a, b) VALUES ($1, $2)", named("x")); err == nil {
		t.Fatalf("expected arg mismatch error")
	}
	if _, err := conn.QueryContext(ctx, "SELECT a FROM t WHERE a LIKE $1", named("x")); err == nil {
		t.Fatalf("expected unsupported clause error")
	}
	if _, err := conn.QueryContext(ctx, "SELECT a FROM t WHERE a = $2", named("x")); err != nil {
		t.Fatalf("parse should succeed: %v", err)
	}
	conn.FailTables = map[string]bool{"t": true}
	if _, err := conn.QueryContext(ctx, "SELECT a FROM t", nil); err == nil {
		t.Fatalf("expected table failure")
	}
	conn.FailBegin = true
	if _, err := conn.Begin(); err == nil {
		t.Fatalf("expected begin failure")
	}
}
