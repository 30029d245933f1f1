// Package sqlstore persists the memory store's committed changes as JSON rows
// in a database/sql database, and keeps facts and checkpoints in SQL tables so
// they never accumulate in process memory. The sqlite and postgres packages
// open a connection and hand it to Open with their dialect.
package sqlstore

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name        string
	PayloadType string
	BigIntType  string
	// Numbered placeholders ($1) instead of positional ones (?).
	Numbered bool
}

// Supported dialects.
var (
	SQLite   = Dialect{Name: "sqlite", PayloadType: "BLOB", BigIntType: "INTEGER"}
	Postgres = Dialect{Name: "postgres", PayloadType: "JSONB", BigIntType: "BIGINT", Numbered: true}
)

// Placeholder returns the n-th (1-based) bind placeholder.
func (d Dialect) Placeholder(n int) string {
	if d.Numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// placeholders renders count placeholders starting at from, comma separated.
func (d Dialect) placeholders(from, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = d.Placeholder(from + i)
	}
	return strings.Join(parts, ", ")
}

// Schema returns the DDL statements creating every table.
func (d Dialect) Schema() []string {
	p, b := d.PayloadType, d.BigIntType
	return []string{
		`CREATE TABLE IF NOT EXISTS cohorts (id TEXT PRIMARY KEY, run_id TEXT NOT NULL, payload ` + p + ` NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS containers (id TEXT PRIMARY KEY, payload ` + p + ` NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS assignments (id TEXT PRIMARY KEY, cohort_id TEXT NOT NULL, payload ` + p + ` NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS transfers (id TEXT PRIMARY KEY, cohort_id TEXT NOT NULL, payload ` + p + ` NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS feed_purchases (id TEXT PRIMARY KEY, run_id TEXT NOT NULL, payload ` + p + ` NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS facts (id TEXT PRIMARY KEY, assignment_id TEXT NOT NULL, kind TEXT NOT NULL, at_unix ` + b + ` NOT NULL, payload ` + p + ` NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS facts_assignment_at ON facts (assignment_id, at_unix)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (id TEXT PRIMARY KEY, run_id TEXT NOT NULL, seq ` + b + ` NOT NULL, date_unix ` + b + ` NOT NULL, payload ` + p + ` NOT NULL)`,
	}
}

// where accumulates AND-joined predicates with dialect placeholders.
type where struct {
	d       Dialect
	clauses []string
	args    []any
}

func (w *where) cmp(col, op string, v any) {
	w.args = append(w.args, v)
	w.clauses = append(w.clauses, fmt.Sprintf("%s %s %s", col, op, w.d.Placeholder(len(w.args))))
}

func (w *where) in(col string, values []string) {
	start := len(w.args) + 1
	for _, v := range values {
		w.args = append(w.args, v)
	}
	w.clauses = append(w.clauses, fmt.Sprintf("%s IN (%s)", col, w.d.placeholders(start, len(values))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}
