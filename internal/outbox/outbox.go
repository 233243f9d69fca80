// Package outbox implements the append-only queue of pending local
// mutations awaiting delivery to the remote sync collaborator.
//
// The queue records attempts and errors but drives no retries itself.
// Entries that both exceed the age ceiling and have exhausted their
// attempt budget are reaped, each discard logged so no mutation is
// silently dropped.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"calstore/internal/schema"
)

// Queue provides access to the outbox table. It shares the store's
// connection pool and participates in store transactions via EnqueueTx.
type Queue struct {
	db  *sql.DB
	log zerolog.Logger
}

// New returns a queue over an already-opened database.
func New(db *sql.DB, log zerolog.Logger) *Queue {
	return &Queue{db: db, log: log.With().Str("component", "outbox").Logger()}
}

// Enqueue appends an entry in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, entry *schema.OutboxEntry) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := q.EnqueueTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// EnqueueTx appends an entry inside the caller's transaction. The store
// uses this so a record write and its outbox entry commit atomically.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, entry *schema.OutboxEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (owner_id, op, kind, target_id, payload, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		entry.OwnerID, string(entry.Op), string(entry.Kind), entry.TargetID,
		nullBytes(entry.Payload), schema.FormatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// List returns an owner's pending entries in enqueue order.
func (q *Queue) List(ctx context.Context, ownerID string) ([]*schema.OutboxEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, owner_id, op, kind, target_id, payload,
		       attempts, last_attempt_at, last_error, created_at
		FROM outbox WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkAttempt records one failed delivery attempt against an entry.
func (q *Queue) MarkAttempt(ctx context.Context, id int64, attemptErr error) error {
	msg := ""
	if attemptErr != nil {
		msg = attemptErr.Error()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		schema.FormatTime(time.Now()), msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %d not found", id)
	}
	return nil
}

// Ack removes an entry after the sync collaborator confirms delivery.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to ack outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %d not found", id)
	}
	return nil
}

// Reap discards entries older than maxAge that have made at least
// maxAttempts delivery attempts. Both conditions must hold. Every
// discarded entry is logged at warn level with its identity so the
// dropped mutation stays observable.
func (q *Queue) Reap(ctx context.Context, maxAge time.Duration, maxAttempts int) (int, error) {
	cutoff := schema.FormatTime(time.Now().Add(-maxAge))

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, owner_id, op, kind, target_id, payload,
		       attempts, last_attempt_at, last_error, created_at
		FROM outbox WHERE created_at < ? AND attempts >= ?`, cutoff, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to query reapable entries: %w", err)
	}
	stale, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, e.ID); err != nil {
			return 0, fmt.Errorf("failed to reap outbox entry %d: %w", e.ID, err)
		}
		q.log.Warn().
			Int64("id", e.ID).
			Str("owner", e.OwnerID).
			Str("op", string(e.Op)).
			Str("kind", string(e.Kind)).
			Str("target", e.TargetID).
			Int("attempts", e.Attempts).
			Str("last_error", e.LastError).
			Time("created_at", e.CreatedAt).
			Msg("discarding undeliverable outbox entry")
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reap: %w", err)
	}
	return len(stale), nil
}

func scanEntries(rows *sql.Rows) ([]*schema.OutboxEntry, error) {
	var entries []*schema.OutboxEntry
	for rows.Next() {
		var (
			e           schema.OutboxEntry
			op, kind    string
			payload     []byte
			lastAttempt sql.NullString
			lastError   sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &op, &kind, &e.TargetID, &payload,
			&e.Attempts, &lastAttempt, &lastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Op = schema.Op(op)
		e.Kind = schema.Kind(kind)
		e.Payload = payload
		e.LastError = lastError.String
		if lastAttempt.Valid && lastAttempt.String != "" {
			if t, err := time.Parse(time.RFC3339Nano, lastAttempt.String); err == nil {
				e.LastAttemptAt = &t
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
