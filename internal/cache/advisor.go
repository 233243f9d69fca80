package cache

import (
	"context"
	"fmt"
	"time"

	"calstore/internal/metrics"
)

// Suggestion names an index the advisor believes would help, with the
// evidence that triggered it.
type Suggestion struct {
	Operation   string
	Count       int
	AvgDuration time.Duration
	Index       string
	DDL         string
}

// Report is the outcome of one advisor pass.
type Report struct {
	Analyzed    int
	Suggestions []Suggestion
}

// Advisor inspects recorded operation metrics and proposes indexes for
// query shapes that are both frequent and slow. It only suggests;
// applying DDL is left to the operator.
type Advisor struct {
	rec *metrics.Recorder

	// SlowThreshold and FreqThreshold gate suggestions: an operation
	// must average above the one and occur at least the other.
	SlowThreshold time.Duration
	FreqThreshold int
}

// NewAdvisor returns an advisor with default thresholds of 50ms average
// latency over at least 20 samples.
func NewAdvisor(rec *metrics.Recorder) *Advisor {
	return &Advisor{
		rec:           rec,
		SlowThreshold: 50 * time.Millisecond,
		FreqThreshold: 20,
	}
}

// knownIndexes maps operation names to the covering index that serves
// them. Operations not listed here never produce a suggestion.
var knownIndexes = map[string]struct {
	name string
	ddl  string
}{
	"query_events_range": {
		"idx_events_owner_start_end",
		"CREATE INDEX IF NOT EXISTS idx_events_owner_start_end ON events(owner_id, start_time, end_time)",
	},
	"query_events_category": {
		"idx_events_owner_category",
		"CREATE INDEX IF NOT EXISTS idx_events_owner_category ON events(owner_id, category_id)",
	},
	"query_events_status": {
		"idx_events_owner_status",
		"CREATE INDEX IF NOT EXISTS idx_events_owner_status ON events(owner_id, sync_status)",
	},
	"outbox_list": {
		"idx_outbox_owner_created",
		"CREATE INDEX IF NOT EXISTS idx_outbox_owner_created ON outbox(owner_id, created_at)",
	},
}

// Analyze aggregates recorded metrics and returns suggestions for every
// known operation that crosses both thresholds.
func (a *Advisor) Analyze(ctx context.Context) (*Report, error) {
	stats, err := a.rec.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics: %w", err)
	}

	report := &Report{Analyzed: len(stats)}
	for _, s := range stats {
		idx, ok := knownIndexes[s.Operation]
		if !ok {
			continue
		}
		if s.Count < a.FreqThreshold || s.AvgDuration < a.SlowThreshold {
			continue
		}
		report.Suggestions = append(report.Suggestions, Suggestion{
			Operation:   s.Operation,
			Count:       s.Count,
			AvgDuration: s.AvgDuration,
			Index:       idx.name,
			DDL:         idx.ddl,
		})
	}
	return report, nil
}
