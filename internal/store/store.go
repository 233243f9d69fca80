// Package store provides the embedded SQLite persistence layer for the
// calendar data store.
//
// The database runs in embedded mode with WAL for concurrent reads during
// writes. Every table is partitioned by owner, every mutation stamps the
// timestamp triple, and every non-synced write enqueues an outbox entry
// in the same transaction so record and queue never diverge.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"calstore/internal/outbox"
	"calstore/internal/schema"
)

// ErrNotFound is returned by lookups for identifiers with no row.
var ErrNotFound = errors.New("record not found")

// WriteHook is notified after a committed mutation, with the owner and
// entity kind that changed. The cache layer registers one to invalidate
// tagged entries.
type WriteHook func(ownerID string, kind schema.Kind)

// DB wraps the embedded SQLite connection with calendar-specific
// functionality: schema migrations, record CRUD, the outbox queue, and
// post-commit write hooks.
type DB struct {
	conn *sql.DB
	path string
	log  zerolog.Logger

	queue *outbox.Queue

	mu    sync.Mutex
	hooks []WriteHook

	now func() time.Time
}

// Open creates a database connection at the given path, applying any
// pending schema migrations. A migration failure is fatal: the database
// is closed and Open returns the error rather than serving a store whose
// schema state is unknown.
//
// The caller must Close the returned DB.
func Open(path string, log zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
		log:  log.With().Str("component", "store").Logger(),
		now:  time.Now,
	}
	db.queue = outbox.New(conn, log)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection for collaborators that
// manage their own statements, such as the bulk engine and query cache.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Outbox returns the sync queue sharing this store's connection.
func (db *DB) Outbox() *outbox.Queue {
	return db.queue
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.log.Warn().Err(err).Msg("failed to checkpoint WAL")
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// OnWrite registers a hook invoked after every committed mutation.
func (db *DB) OnWrite(h WriteHook) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hooks = append(db.hooks, h)
}

// NotifyWrite fires the registered write hooks. Collaborators that
// manage their own transactions, such as the bulk engine, call this
// after commit.
func (db *DB) NotifyWrite(ownerID string, kind schema.Kind) {
	db.notifyWrite(ownerID, kind)
}

func (db *DB) notifyWrite(ownerID string, kind schema.Kind) {
	db.mu.Lock()
	hooks := make([]WriteHook, len(db.hooks))
	copy(hooks, db.hooks)
	db.mu.Unlock()
	for _, h := range hooks {
		h(ownerID, kind)
	}
}

// withTx runs fn inside a transaction, committing on nil error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// enqueueTx records a pending mutation for the sync collaborator inside
// the caller's transaction. The record is serialized into the entry
// payload so the queue carries the state captured at mutation time, not
// whatever the row looks like when drained. Synced writes (a restore
// replaying remote state, or the sync collaborator itself) skip the
// queue.
func (db *DB) enqueueTx(ctx context.Context, tx *sql.Tx, ownerID string, op schema.Op, kind schema.Kind, targetID string, status schema.SyncStatus, record any) error {
	if status == schema.SyncSynced {
		return nil
	}
	var payload []byte
	if record != nil {
		b, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode outbox payload: %w", err)
		}
		payload = b
	}
	return db.queue.EnqueueTx(ctx, tx, &schema.OutboxEntry{
		OwnerID:  ownerID,
		Op:       op,
		Kind:     kind,
		TargetID: targetID,
		Payload:  payload,
	})
}
