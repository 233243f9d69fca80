package store

import (
	"context"
	"fmt"
	"time"
)

// SweepOptions configures the retention sweep. Zero values take the
// defaults below.
type SweepOptions struct {
	// DeletedMaxAge is how long soft-deleted events are retained before
	// purging. Defaults to 30 days.
	DeletedMaxAge time.Duration
	// OutboxMaxAge and OutboxMaxAttempts bound the outbox reap: entries
	// older than the age that have also made at least this many attempts
	// are discarded. Defaults: 7 days, 3 attempts.
	OutboxMaxAge      time.Duration
	OutboxMaxAttempts int
}

// SweepResult reports what a Compact pass removed.
type SweepResult struct {
	EventsPurged int
	OutboxReaped int
}

// Compact purges soft-deleted events past their retention window and
// reaps undeliverable outbox entries. Safe to run on any schedule;
// passes over an already-clean store are no-ops.
func (db *DB) Compact(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	if opts.DeletedMaxAge <= 0 {
		opts.DeletedMaxAge = 30 * 24 * time.Hour
	}
	if opts.OutboxMaxAge <= 0 {
		opts.OutboxMaxAge = 7 * 24 * time.Hour
	}
	if opts.OutboxMaxAttempts <= 0 {
		opts.OutboxMaxAttempts = 3
	}

	var result SweepResult

	cutoff := db.now().UTC().Add(-opts.DeletedMaxAge)
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM events WHERE is_deleted = 1 AND updated_at < ?`,
		timeString(cutoff))
	if err != nil {
		return result, fmt.Errorf("failed to purge deleted events: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.EventsPurged = int(n)
	}

	reaped, err := db.queue.Reap(ctx, opts.OutboxMaxAge, opts.OutboxMaxAttempts)
	if err != nil {
		return result, err
	}
	result.OutboxReaped = reaped

	if result.EventsPurged > 0 || result.OutboxReaped > 0 {
		db.log.Info().
			Int("events_purged", result.EventsPurged).
			Int("outbox_reaped", result.OutboxReaped).
			Msg("retention sweep complete")
	}
	return result, nil
}
