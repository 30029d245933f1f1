package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred func(string) bool
		in   string
		want bool
	}{
		{InternalImportForbidden, "aquasim/internal/cycle", true},
		{InternalImportForbidden, "aquasim/pkg/domain", false},
		{StoreDriverForbidden, "modernc.org/sqlite", true},
		{StoreDriverForbidden, "github.com/jackc/pgx/v5/stdlib", true},
		{StoreDriverForbidden, "aquasim/internal/infra/persistence/memory", true},
		{StoreDriverForbidden, "database/sql", true},
		{StoreDriverForbidden, "aquasim/internal/lifecycle", false},
		{AnyOf(InternalImportForbidden, StoreDriverForbidden), "database/sql", true},
		{AnyOf(), "database/sql", false},
	}
	for _, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Fatalf("predicate(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

type recorder struct{ msg string }

func (r *recorder) Fatalf(format string, args ...any) { r.msg = format }

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	src := "package x\n\nimport (\n\t\"fmt\"\n\t\"aquasim/internal/cycle\"\n)\n"
	if err := os.WriteFile(filepath.Join(dir, "x.go"), []byte(src), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "x_test.go"), []byte("package x\n\nimport \"aquasim/internal/session\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	viols, err := directImportViolations(dir, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || !strings.HasPrefix(viols[0], "aquasim/internal/cycle") {
		t.Fatalf("unexpected violations %v", viols)
	}
	r := &recorder{}
	failIfDirectViolations(r, "reason", viols)
	if r.msg == "" {
		t.Fatalf("expected failure to be reported")
	}
	if _, err := directImportViolations(filepath.Join(dir, "missing"), InternalImportForbidden); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
