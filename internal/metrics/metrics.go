// Package metrics persists per-operation telemetry samples. The index
// advisor reads these back to spot slow, frequent query shapes.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"calstore/internal/schema"
)

// Recorder writes and aggregates operation samples in the metrics table.
type Recorder struct {
	db *sql.DB
}

// New returns a recorder over an already-opened database.
func New(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Record stores one sample. Failures to record telemetry are returned
// but callers typically log and move on; metrics never block the
// operation they measure.
func (r *Recorder) Record(ctx context.Context, operation string, duration time.Duration, recordCount int, success bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metrics (operation, duration_us, record_count, success, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		operation, duration.Microseconds(), recordCount, boolInt(success),
		schema.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record metric: %w", err)
	}
	return nil
}

// List returns the most recent samples for an operation, newest first.
// A zero limit returns up to 100.
func (r *Recorder) List(ctx context.Context, operation string, limit int) ([]*schema.Metric, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, operation, duration_us, record_count, success, created_at
		FROM metrics WHERE operation = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, operation, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var samples []*schema.Metric
	for rows.Next() {
		var (
			m          schema.Metric
			durationUs int64
			success    int
			createdAt  string
		)
		if err := rows.Scan(&m.ID, &m.Operation, &durationUs, &m.RecordCount, &success, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		m.Duration = time.Duration(durationUs) * time.Microsecond
		m.Success = success != 0
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		samples = append(samples, &m)
	}
	return samples, rows.Err()
}

// OpStats aggregates the samples recorded for one operation.
type OpStats struct {
	Operation   string
	Count       int
	Failures    int
	AvgDuration time.Duration
	MaxDuration time.Duration
}

// Stats returns per-operation aggregates across all recorded samples.
func (r *Recorder) Stats(ctx context.Context) ([]OpStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT operation, COUNT(*), SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
		       AVG(duration_us), MAX(duration_us)
		FROM metrics GROUP BY operation ORDER BY operation`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate metrics: %w", err)
	}
	defer rows.Close()

	var stats []OpStats
	for rows.Next() {
		var (
			s     OpStats
			avgUs float64
			maxUs int64
		)
		if err := rows.Scan(&s.Operation, &s.Count, &s.Failures, &avgUs, &maxUs); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		s.AvgDuration = time.Duration(avgUs) * time.Microsecond
		s.MaxDuration = time.Duration(maxUs) * time.Microsecond
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
