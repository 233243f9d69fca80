package metrics_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"calstore/internal/metrics"
	"calstore/internal/store"
)

func testRecorder(t *testing.T) *metrics.Recorder {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "calstore.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return metrics.New(db.RawDB())
}

func TestRecordAndList(t *testing.T) {
	r := testRecorder(t)
	ctx := context.Background()

	if err := r.Record(ctx, "bulk_create", 120*time.Millisecond, 100, true); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := r.Record(ctx, "bulk_create", 80*time.Millisecond, 100, false); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	samples, err := r.List(ctx, "bulk_create", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(samples))
	}
	if samples[0].Duration != 80*time.Millisecond && samples[1].Duration != 80*time.Millisecond {
		t.Errorf("durations not preserved: %v, %v", samples[0].Duration, samples[1].Duration)
	}
}

func TestStats(t *testing.T) {
	r := testRecorder(t)
	ctx := context.Background()

	for _, d := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond} {
		if err := r.Record(ctx, "query_events", d, 5, true); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if err := r.Record(ctx, "query_events", 40*time.Millisecond, 0, false); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	stats, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats rows = %d, want 1", len(stats))
	}
	s := stats[0]
	if s.Operation != "query_events" || s.Count != 4 || s.Failures != 1 {
		t.Errorf("unexpected aggregate: %+v", s)
	}
	if s.MaxDuration != 40*time.Millisecond {
		t.Errorf("max duration = %v", s.MaxDuration)
	}
	if s.AvgDuration != 25*time.Millisecond {
		t.Errorf("avg duration = %v", s.AvgDuration)
	}
}
