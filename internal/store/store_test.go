package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "calstore.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := testDB(t)

	var version int
	if err := db.RawDB().QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to read user_version: %v", err)
	}
	if version != 3 {
		t.Errorf("user_version = %d, want 3", version)
	}

	for _, table := range []string{"events", "categories", "calendars", "preferences", "outbox", "query_cache", "backups", "metrics"} {
		var name string
		err := db.RawDB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calstore.db")
	db, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	db, err = Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	_ = db.Close()
}

func TestMigrationRewritesLegacyTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer conn.Close()

	if err := runMigrations(context.Background(), conn, zerolog.Nop(), migrations[:2]); err != nil {
		t.Fatalf("failed to build legacy schema: %v", err)
	}

	// Rows as earlier versions wrote them: variable-width RFC3339Nano,
	// where '.' sorting before 'Z' puts the fractional row first even
	// though it is chronologically later.
	insert := `INSERT INTO events (id, owner_id, title, start_time, created_at, updated_at, last_modified)
		VALUES (?, 'user-1', ?, ?, ?, ?, ?)`
	for _, r := range []struct{ id, start string }{
		{"ev-frac", "2026-05-01T10:00:00.5Z"},
		{"ev-whole", "2026-05-01T10:00:00Z"},
	} {
		if _, err := conn.Exec(insert, r.id, r.id, r.start, r.start, r.start, r.start); err != nil {
			t.Fatalf("failed to seed %s: %v", r.id, err)
		}
	}

	if err := runMigrations(context.Background(), conn, zerolog.Nop(), migrations); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	var start string
	if err := conn.QueryRow(`SELECT start_time FROM events WHERE id = 'ev-frac'`).Scan(&start); err != nil {
		t.Fatalf("failed to read rewritten row: %v", err)
	}
	if start != "2026-05-01T10:00:00.500000000Z" {
		t.Errorf("start_time = %q, want fixed-width form", start)
	}

	rows, err := conn.Query(`SELECT id FROM events ORDER BY start_time`)
	if err != nil {
		t.Fatalf("failed to query order: %v", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		ids = append(ids, id)
	}
	if len(ids) != 2 || ids[0] != "ev-whole" || ids[1] != "ev-frac" {
		t.Errorf("start_time order = %v, want [ev-whole ev-frac]", ids)
	}
}

func TestMigrationFailureIsFatal(t *testing.T) {
	db := testDB(t)

	broken := []migration{
		{4, "broken", func(ctx context.Context, tx *sql.Tx) error {
			return errors.New("boom")
		}},
	}
	err := runMigrations(context.Background(), db.RawDB(), zerolog.Nop(), broken)
	if err == nil {
		t.Fatalf("expected migration failure")
	}

	// Version must not advance past the failed migration.
	var version int
	if err := db.RawDB().QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to read user_version: %v", err)
	}
	if version != 3 {
		t.Errorf("user_version advanced to %d after failed migration", version)
	}
}

func TestMigrationRollsBackDDL(t *testing.T) {
	db := testDB(t)

	broken := []migration{
		{4, "partial", func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `CREATE TABLE half_done (id INTEGER)`); err != nil {
				return err
			}
			return errors.New("fail after create")
		}},
	}
	if err := runMigrations(context.Background(), db.RawDB(), zerolog.Nop(), broken); err == nil {
		t.Fatalf("expected migration failure")
	}

	var name string
	err := db.RawDB().QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='half_done'`).Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("partial migration left table behind (err=%v)", err)
	}
}
