// Package testutil provides a normalized stub database for postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StubConn records normalized statements for the postgres store during tests.
// It understands the INSERT/SELECT/DELETE shapes the store issues, including
// AND-joined "col op $n" and "col IN ($n, ...)" predicates.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string][]map[string]any
	FailExec   bool
	FailBegin  bool
	RowsErr    error
	FailTables map[string]bool
	FailCommit bool
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]any)}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailExec {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

// Rows returns a copy of the rows stored in table.
func (c *StubConn) Rows(table string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.Tables[table]...)
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "TRUNCATE TABLE"):
		c.Tables = make(map[string][]map[string]any)
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(upper, "INSERT INTO"):
		return c.insert(query, args)
	case strings.HasPrefix(upper, "DELETE FROM"):
		table, preds, err := parseDelete(query)
		if err != nil {
			return nil, err
		}
		if c.FailTables != nil && c.FailTables[table] {
			return nil, fmt.Errorf("exec fail for %s", table)
		}
		var kept []map[string]any
		var removed int64
		for _, row := range c.Tables[table] {
			ok, err := matchAll(row, preds, args)
			if err != nil {
				return nil, err
			}
			if ok {
				removed++
				continue
			}
			kept = append(kept, row)
		}
		c.Tables[table] = kept
		return driver.RowsAffected(removed), nil
	}
	return driver.RowsAffected(1), nil
}

func (c *StubConn) insert(query string, args []driver.NamedValue) (driver.Result, error) {
	table, cols, err := parseInsert(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables != nil && c.FailTables[table] {
		return nil, fmt.Errorf("exec fail for %s", table)
	}
	if len(cols) == 0 || len(args) == 0 || len(args)%len(cols) != 0 {
		return nil, fmt.Errorf("column/arg mismatch for %s", table)
	}
	upper := strings.ToUpper(query)
	onConflict := strings.Contains(upper, "ON CONFLICT")
	doNothing := strings.Contains(upper, "DO NOTHING")
	var affected int64
	for off := 0; off < len(args); off += len(cols) {
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = args[off+i].Value
		}
		if onConflict {
			primary := cols[0]
			idx := -1
			for i, existing := range c.Tables[table] {
				if existing[primary] == row[primary] {
					idx = i
					break
				}
			}
			if idx >= 0 {
				if doNothing {
					continue
				}
				c.Tables[table][idx] = row
				affected++
				continue
			}
		}
		c.Tables[table] = append(c.Tables[table], row)
		affected++
	}
	return driver.RowsAffected(affected), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Tables == nil {
		c.Tables = make(map[string][]map[string]any)
	}
	table, cols, preds, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables != nil && c.FailTables[table] {
		return nil, fmt.Errorf("query fail for %s", table)
	}
	tableRows := c.Tables[table]
	values := make([][]driver.Value, 0, len(tableRows))
	for _, row := range tableRows {
		ok, err := matchAll(row, preds, args)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{
		cols: cols,
		rows: values,
		err:  c.RowsErr,
	}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	return nil
}
func (t *stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

// predicate is one "col op $n" or "col IN ($a, $b)" clause; args holds the
// zero-based argument indexes.
type predicate struct {
	col  string
	op   string
	args []int
}

func matchAll(row map[string]any, preds []predicate, args []driver.NamedValue) (bool, error) {
	for _, p := range preds {
		vals := make([]any, len(p.args))
		for i, idx := range p.args {
			if idx < 0 || idx >= len(args) {
				return false, fmt.Errorf("placeholder $%d out of range", idx+1)
			}
			vals[i] = args[idx].Value
		}
		if !match(row[p.col], p.op, vals) {
			return false, nil
		}
	}
	return true, nil
}

func match(v any, op string, vals []any) bool {
	if op == "in" {
		for _, want := range vals {
			if v == want {
				return true
			}
		}
		return false
	}
	cmp, ok := compare(v, vals[0])
	if !ok {
		return false
	}
	switch op {
	case "=":
		return cmp == 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case int64:
		y, ok := b.(int64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}

func parseInsert(query string) (string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:open]))
	cols := splitColumns(rest[open+1 : closeIdx])
	return table, cols, nil
}

func parseDelete(query string) (string, []predicate, error) {
	lower := strings.ToLower(strings.TrimSpace(query))
	prefix := "delete from "
	if !strings.HasPrefix(lower, prefix) {
		return "", nil, fmt.Errorf("cannot parse delete: %s", query)
	}
	rest := strings.TrimSpace(lower[len(prefix):])
	table, where, _ := strings.Cut(rest, " where ")
	preds, err := parseWhere(where)
	if err != nil {
		return "", nil, fmt.Errorf("cannot parse delete predicate: %s: %w", query, err)
	}
	return strings.TrimSpace(table), preds, nil
}

func parseSelect(query string) (string, []string, []predicate, error) {
	lower := strings.ToLower(strings.TrimSpace(query))
	selectPrefix := "select "
	fromToken := " from "
	if !strings.HasPrefix(lower, selectPrefix) {
		return "", nil, nil, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, fromToken)
	if fromIdx == -1 {
		return "", nil, nil, fmt.Errorf("cannot parse select: %s", query)
	}
	cols := lower[len(selectPrefix):fromIdx]
	rest := strings.TrimSpace(lower[fromIdx+len(fromToken):])
	if rest == "" {
		return "", nil, nil, fmt.Errorf("cannot parse select: %s", query)
	}
	table, where, _ := strings.Cut(rest, " where ")
	table = strings.Fields(table)[0]
	preds, err := parseWhere(where)
	if err != nil {
		return "", nil, nil, fmt.Errorf("cannot parse select predicate: %s: %w", query, err)
	}
	return table, splitColumns(cols), preds, nil
}

var supportedOps = map[string]bool{"=": true, "<": true, "<=": true, ">": true, ">=": true}

func parseWhere(where string) ([]predicate, error) {
	where = strings.TrimSpace(where)
	if where == "" {
		return nil, nil
	}
	var preds []predicate
	for _, clause := range strings.Split(where, " and ") {
		clause = strings.TrimSpace(clause)
		if col, list, ok := strings.Cut(clause, " in "); ok {
			list = strings.Trim(strings.TrimSpace(list), "()")
			p := predicate{col: strings.TrimSpace(col), op: "in"}
			for _, ph := range strings.Split(list, ",") {
				idx, err := placeholderIndex(ph)
				if err != nil {
					return nil, err
				}
				p.args = append(p.args, idx)
			}
			preds = append(preds, p)
			continue
		}
		fields := strings.Fields(clause)
		if len(fields) != 3 || !supportedOps[fields[1]] {
			return nil, fmt.Errorf("unsupported clause %q", clause)
		}
		idx, err := placeholderIndex(fields[2])
		if err != nil {
			return nil, err
		}
		preds = append(preds, predicate{col: fields[0], op: fields[1], args: []int{idx}})
	}
	return preds, nil
}

func placeholderIndex(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "$") {
		return 0, fmt.Errorf("unsupported placeholder %q", raw)
	}
	n, err := strconv.Atoi(raw[1:])
	if err != nil {
		return 0, fmt.Errorf("unsupported placeholder %q", raw)
	}
	return n - 1, nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}
