package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"calstore/internal/schema"
)

// migration is one versioned, ordered schema change. Migrations run
// inside a transaction together with the user_version bump, so a failure
// leaves the database at the previous version.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

// migrations is the ordered list applied by Migrate. Append only; never
// edit a shipped entry.
var migrations = []migration{
	{1, "base tables", migrateBase},
	{2, "query cache, backups, metrics", migrateSupport},
	{3, "fixed-width timestamps", migrateTimeFormat},
}

// Migrate applies all pending migrations. Each runs in its own
// transaction; the first failure aborts and is reported to the caller,
// which treats it as fatal for Open.
func (db *DB) Migrate(ctx context.Context) error {
	return runMigrations(ctx, db.conn, db.log, migrations)
}

func runMigrations(ctx context.Context, conn *sql.DB, log zerolog.Logger, list []migration) error {
	var current int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range list {
		if m.version <= current {
			continue
		}
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if err := m.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		// PRAGMA does not accept placeholders.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
		log.Info().Int("version", m.version).Str("name", m.name).Msg("applied schema migration")
		current = m.version
	}
	return nil
}

func migrateBase(ctx context.Context, tx *sql.Tx) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		start_time TEXT NOT NULL,
		end_time TEXT,
		all_day INTEGER NOT NULL DEFAULT 0,
		category_id TEXT NOT NULL DEFAULT '',
		recurrence TEXT,
		reminders TEXT,
		attendees TEXT,
		metadata TEXT,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'local',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_modified TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		sync_status TEXT NOT NULL DEFAULT 'local',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_modified TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS calendars (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		is_default INTEGER NOT NULL DEFAULT 0,
		is_shared INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'local',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_modified TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS preferences (
		owner_id TEXT PRIMARY KEY,
		theme TEXT NOT NULL DEFAULT '',
		time_format TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		work_start_minute INTEGER NOT NULL DEFAULT 0,
		work_end_minute INTEGER NOT NULL DEFAULT 0,
		offline_mode INTEGER NOT NULL DEFAULT 0,
		auto_sync INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		op TEXT NOT NULL,
		kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		payload BLOB,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_owner_start ON events(owner_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_events_owner_category ON events(owner_id, category_id);
	CREATE INDEX IF NOT EXISTS idx_events_owner_status ON events(owner_id, sync_status);
	CREATE INDEX IF NOT EXISTS idx_categories_owner ON categories(owner_id);
	CREATE INDEX IF NOT EXISTS idx_calendars_owner ON calendars(owner_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_owner_created ON outbox(owner_id, created_at);
	`
	_, err := tx.ExecContext(ctx, ddl)
	return err
}

// migrateTimeFormat rewrites timestamp columns written by earlier
// versions in variable-width RFC3339Nano. That format strips trailing
// fractional zeros, so TEXT comparison disagreed with chronological
// order for sub-second values ('.' sorts before 'Z'). Every stored
// timestamp is reformatted into the fixed-width schema.TimeLayout.
func migrateTimeFormat(ctx context.Context, tx *sql.Tx) error {
	targets := []struct {
		table, key string
		cols       []string
	}{
		{"events", "id", []string{"start_time", "end_time", "created_at", "updated_at", "last_modified"}},
		{"categories", "id", []string{"created_at", "updated_at", "last_modified"}},
		{"calendars", "id", []string{"created_at", "updated_at", "last_modified"}},
		{"preferences", "owner_id", []string{"updated_at"}},
		{"outbox", "id", []string{"created_at", "last_attempt_at"}},
		{"query_cache", "cache_key", []string{"expires_at"}},
		{"backups", "id", []string{"created_at"}},
		{"metrics", "id", []string{"created_at"}},
	}
	for _, t := range targets {
		if err := rewriteTimeColumns(ctx, tx, t.table, t.key, t.cols); err != nil {
			return err
		}
	}
	return nil
}

func rewriteTimeColumns(ctx context.Context, tx *sql.Tx, table, key string, cols []string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s, %s FROM %s", key, strings.Join(cols, ", "), table))
	if err != nil {
		return fmt.Errorf("failed to read %s timestamps: %w", table, err)
	}

	type rewrite struct {
		key  string
		vals []any
	}
	var rewrites []rewrite
	for rows.Next() {
		var k string
		vals := make([]sql.NullString, len(cols))
		dest := make([]any, 0, len(cols)+1)
		dest = append(dest, &k)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		changed := false
		out := make([]any, len(cols))
		for i, v := range vals {
			if !v.Valid || v.String == "" {
				out[i] = nil
				continue
			}
			parsed, err := time.Parse(time.RFC3339Nano, v.String)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to parse %s.%s %q: %w", table, cols[i], v.String, err)
			}
			fixed := schema.FormatTime(parsed)
			out[i] = fixed
			if fixed != v.String {
				changed = true
			}
		}
		if changed {
			rewrites = append(rewrites, rewrite{key: k, vals: out})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to iterate %s rows: %w", table, err)
	}
	rows.Close()

	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = c + " = ?"
	}
	update := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(set, ", "), key)
	for _, r := range rewrites {
		args := append(append(make([]any, 0, len(r.vals)+1), r.vals...), r.key)
		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
			return fmt.Errorf("failed to rewrite %s timestamps: %w", table, err)
		}
	}
	return nil
}

func migrateSupport(ctx context.Context, tx *sql.Tx) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS query_cache (
		cache_key TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS backups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		tables TEXT NOT NULL,
		record_count INTEGER NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		encrypted INTEGER NOT NULL DEFAULT 0,
		filename TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		duration_us INTEGER NOT NULL,
		record_count INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_query_cache_owner ON query_cache(owner_id);
	CREATE INDEX IF NOT EXISTS idx_backups_owner_created ON backups(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_metrics_operation ON metrics(operation, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_owner_start_end ON events(owner_id, start_time, end_time);
	`
	_, err := tx.ExecContext(ctx, ddl)
	return err
}
