package sqldb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"

	logx "taskrunner/pkg/logx"
)

func TestRebind(t *testing.T) {
	t.Parallel()
	q := "UPDATE t SET a = ? WHERE b = ? AND c = ?"
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite Rebind = %q", got)
	}
	if got := Postgres.Rebind(q); got != "UPDATE t SET a = $1 WHERE b = $2 AND c = $3" {
		t.Fatalf("pgx Rebind = %q", got)
	}
}

func TestParseDriver(t *testing.T) {
	t.Parallel()
	tests := map[string]Dialect{"sqlite": SQLite, "SQLite3": SQLite, "pgx": Postgres, "postgres": Postgres}
	for in, want := range tests {
		got, err := ParseDriver(in)
		if err != nil || got != want {
			t.Fatalf("ParseDriver(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDriver("mysql"); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, SQLite, filepath.Join(t.TempDir(), "nested", "test.db"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"00001_widgets.sql": {Data: []byte("-- +goose Up\nCREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL);\n\n-- +goose Down\nDROP TABLE widgets;\n")},
	}
	if err := Migrate(ctx, db, SQLite, fsys, "widgets_migrations", logx.Nop()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Re-running is a no-op.
	if err := Migrate(ctx, db, SQLite, fsys, "widgets_migrations", logx.Nop()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO widgets(name) VALUES (?)", "a"); err != nil {
		t.Fatalf("insert: %v", err)
	}
}
