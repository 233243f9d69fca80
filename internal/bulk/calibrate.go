package bulk

import (
	"context"
	"fmt"
	"time"

	"calstore/internal/schema"
)

// CalibrationResult reports the timing of one candidate batch size.
type CalibrationResult struct {
	BatchSize int
	Total     time.Duration
	PerItem   time.Duration
}

// Calibrate times a synthetic bulk create at each candidate batch size
// and returns the size with the lowest per-item latency, along with the
// full measurements. The synthetic events are written under a throwaway
// owner and hard-deleted between rounds so calibration leaves no trace.
//
// candidates defaults to 25, 50, 100, 250, 500; sampleSize to 500.
func (e *Engine) Calibrate(ctx context.Context, candidates []int, sampleSize int) (int, []CalibrationResult, error) {
	if len(candidates) == 0 {
		candidates = []int{25, 50, 100, 250, 500}
	}
	if sampleSize <= 0 {
		sampleSize = 500
	}

	owner := schema.NewID("calib")
	base := time.Now().UTC()

	results := make([]CalibrationResult, 0, len(candidates))
	best := candidates[0]
	var bestPerItem time.Duration

	for _, size := range candidates {
		events := make([]*schema.Event, sampleSize)
		for i := range events {
			events[i] = &schema.Event{
				OwnerID:   owner,
				Title:     fmt.Sprintf("calibration sample %d", i),
				StartTime: base.Add(time.Duration(i) * time.Minute),
			}
			// Synthetic rows are stamped synced so neither the create
			// nor the cleanup delete enqueues an outbox entry.
			events[i].SyncStatus = schema.SyncSynced
		}

		started := time.Now()
		res, err := e.BulkCreate(ctx, events, Options{BatchSize: size})
		if err != nil {
			return 0, results, fmt.Errorf("calibration run failed at size %d: %w", size, err)
		}
		if res.Failed > 0 {
			return 0, results, fmt.Errorf("calibration run failed %d items at size %d", res.Failed, size)
		}
		total := time.Since(started)
		perItem := total / time.Duration(sampleSize)
		results = append(results, CalibrationResult{BatchSize: size, Total: total, PerItem: perItem})

		if bestPerItem == 0 || perItem < bestPerItem {
			bestPerItem = perItem
			best = size
		}

		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.ID
		}
		if _, err := e.BulkDelete(ctx, ids, true, Options{BatchSize: size}); err != nil {
			return 0, results, fmt.Errorf("calibration cleanup failed: %w", err)
		}
	}

	e.log.Info().Int("batch_size", best).Dur("per_item", bestPerItem).Msg("batch size calibrated")
	return best, results, nil
}
