// Package bulk implements batched mutations over the calendar store:
// create, update, delete, and external import.
//
// Work is split into batches, each committed in its own transaction.
// A malformed item is skipped and reported without poisoning its batch;
// a failed commit fails every item in that batch. Batches may run in
// parallel; results are merged and reported once at the end.
package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"calstore/internal/metrics"
	"calstore/internal/schema"
	"calstore/internal/store"
)

// DefaultBatchSize is used when Options.BatchSize is zero.
const DefaultBatchSize = 100

// Options tunes a bulk run.
type Options struct {
	// BatchSize is the number of items per transaction.
	BatchSize int
	// Parallelism caps concurrent batch transactions. Zero or one runs
	// batches sequentially.
	Parallelism int
	// OnBatch, when set, is called inside each batch transaction before
	// commit with the batch ordinal (1-based) and total batch count.
	// Returning an error rolls the batch back, failing all its items.
	OnBatch func(n, total int) error
}

func (o Options) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

func (o Options) parallelism() int {
	if o.Parallelism <= 0 {
		return 1
	}
	return o.Parallelism
}

// ItemError ties a failure to the input index that caused it.
type ItemError struct {
	Index int
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

// Result reports the outcome of a bulk run. Success plus Failed plus
// Skipped always equals the input length.
type Result struct {
	Success  int
	Failed   int
	Skipped  int
	Errors   []ItemError
	Duration time.Duration
}

func (r *Result) merge(other Result) {
	r.Success += other.Success
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

// Engine runs bulk operations against a store.
type Engine struct {
	db  *store.DB
	rec *metrics.Recorder
	log zerolog.Logger
}

// New returns an engine. The recorder may be nil to skip telemetry.
func New(db *store.DB, rec *metrics.Recorder, log zerolog.Logger) *Engine {
	return &Engine{db: db, rec: rec, log: log.With().Str("component", "bulk").Logger()}
}

// BulkCreate persists events in batches. Each event is validated and
// stamped individually; invalid ones are reported and skipped while the
// rest of their batch commits.
func (e *Engine) BulkCreate(ctx context.Context, events []*schema.Event, opts Options) (Result, error) {
	result, err := e.run(ctx, "bulk_create", len(events), opts, func(ctx context.Context, tx *sql.Tx, start, end int) []ItemError {
		var errs []ItemError
		for i := start; i < end; i++ {
			if err := e.db.PutEventTx(ctx, tx, events[i]); err != nil {
				errs = append(errs, ItemError{Index: i, Err: err})
			}
		}
		return errs
	})
	if err != nil {
		return result, err
	}
	e.notifyOwners(events)
	return result, nil
}

// Update pairs an event ID with the patch to apply.
type Update struct {
	ID    string
	Patch store.EventPatch
}

// BulkUpdate applies patches in batches. Unknown IDs and validation
// failures are reported per item.
func (e *Engine) BulkUpdate(ctx context.Context, updates []Update, opts Options) (Result, error) {
	owners := make(map[string]bool)
	var ownerMu sync.Mutex

	result, err := e.run(ctx, "bulk_update", len(updates), opts, func(ctx context.Context, tx *sql.Tx, start, end int) []ItemError {
		var errs []ItemError
		for i := start; i < end; i++ {
			ev, err := e.db.UpdateEventTx(ctx, tx, updates[i].ID, updates[i].Patch)
			if err != nil {
				errs = append(errs, ItemError{Index: i, Err: err})
				continue
			}
			ownerMu.Lock()
			owners[ev.OwnerID] = true
			ownerMu.Unlock()
		}
		return errs
	})
	if err != nil {
		return result, err
	}
	for owner := range owners {
		e.db.NotifyWrite(owner, schema.KindEvent)
	}
	return result, nil
}

// BulkDelete removes events in batches, soft by default.
func (e *Engine) BulkDelete(ctx context.Context, ids []string, hard bool, opts Options) (Result, error) {
	owners := make(map[string]bool)
	var ownerMu sync.Mutex

	result, err := e.run(ctx, "bulk_delete", len(ids), opts, func(ctx context.Context, tx *sql.Tx, start, end int) []ItemError {
		var errs []ItemError
		for i := start; i < end; i++ {
			ev, err := e.db.GetEventTx(ctx, tx, ids[i])
			if err != nil {
				errs = append(errs, ItemError{Index: i, Err: err})
				continue
			}
			if err := e.db.DeleteEventTx(ctx, tx, ids[i], hard); err != nil {
				errs = append(errs, ItemError{Index: i, Err: err})
				continue
			}
			ownerMu.Lock()
			owners[ev.OwnerID] = true
			ownerMu.Unlock()
		}
		return errs
	})
	if err != nil {
		return result, err
	}
	for owner := range owners {
		e.db.NotifyWrite(owner, schema.KindEvent)
	}
	return result, nil
}

// run drives the batch loop shared by every bulk operation. fn processes
// input[start:end] inside the batch transaction and returns per-item
// failures; a failed item must leave no writes behind in the
// transaction.
func (e *Engine) run(ctx context.Context, operation string, total int, opts Options,
	fn func(ctx context.Context, tx *sql.Tx, start, end int) []ItemError) (Result, error) {

	started := time.Now()
	var result Result
	if total == 0 {
		result.Duration = time.Since(started)
		return result, nil
	}

	size := opts.batchSize()
	batches := (total + size - 1) / size

	// A failed batch transaction aborts the rest of the run: its own
	// items and every batch not yet started are marked failed. Batches
	// already in flight when the failure lands still complete.
	var (
		mu       sync.Mutex
		abortErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.parallelism())

	for b := 0; b < batches; b++ {
		b := b
		g.Go(func() error {
			start := b * size
			end := start + size
			if end > total {
				end = total
			}

			mu.Lock()
			cause := abortErr
			mu.Unlock()
			if cause != nil {
				mu.Lock()
				result.merge(batchFailure(start, end, fmt.Errorf("batch %d not attempted: %w", b+1, cause)))
				mu.Unlock()
				return nil
			}

			batchResult, batchErr, err := e.runBatch(gctx, opts, fn, b+1, batches, start, end)
			if err != nil {
				return err
			}
			mu.Lock()
			result.merge(batchResult)
			if batchErr != nil && abortErr == nil {
				abortErr = batchErr
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	sort.Slice(result.Errors, func(i, j int) bool {
		return result.Errors[i].Index < result.Errors[j].Index
	})
	result.Duration = time.Since(started)

	e.log.Info().
		Str("operation", operation).
		Int("success", result.Success).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Dur("duration", result.Duration).
		Msg("bulk operation complete")

	if e.rec != nil {
		if err := e.rec.Record(ctx, operation, result.Duration, result.Success, result.Failed == 0); err != nil {
			e.log.Warn().Err(err).Msg("failed to record bulk metric")
		}
	}
	return result, nil
}

// runBatch applies one batch in its own transaction. The second return
// value is the batch-level failure, if any, which the caller uses to
// abort the remaining batches; the third is an infrastructure error
// that fails the whole call.
func (e *Engine) runBatch(ctx context.Context, opts Options,
	fn func(ctx context.Context, tx *sql.Tx, start, end int) []ItemError,
	n, total, start, end int) (Result, error, error) {

	count := end - start

	tx, err := e.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return Result{}, nil, fmt.Errorf("failed to begin batch %d: %w", n, err)
	}
	defer tx.Rollback()

	itemErrs := fn(ctx, tx, start, end)

	if opts.OnBatch != nil {
		if err := opts.OnBatch(n, total); err != nil {
			cause := fmt.Errorf("batch %d aborted: %w", n, err)
			return batchFailure(start, end, cause), cause, nil
		}
	}
	if err := tx.Commit(); err != nil {
		cause := fmt.Errorf("batch %d commit failed: %w", n, err)
		return batchFailure(start, end, cause), cause, nil
	}

	return Result{
		Success: count - len(itemErrs),
		Failed:  len(itemErrs),
		Errors:  itemErrs,
	}, nil, nil
}

// batchFailure marks every item in [start, end) failed with the same
// cause. An aborted transaction takes its whole batch down, including
// items that had individually succeeded.
func batchFailure(start, end int, cause error) Result {
	r := Result{Failed: end - start}
	for i := start; i < end; i++ {
		r.Errors = append(r.Errors, ItemError{Index: i, Err: cause})
	}
	return r
}

func (e *Engine) notifyOwners(events []*schema.Event) {
	owners := make(map[string]bool)
	for _, ev := range events {
		owners[ev.OwnerID] = true
	}
	for owner := range owners {
		e.db.NotifyWrite(owner, schema.KindEvent)
	}
}
