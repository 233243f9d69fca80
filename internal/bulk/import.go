package bulk

import (
	"context"
	"fmt"
	"time"

	"calstore/internal/schema"
)

// FieldMapper converts one external row into an event. Implementations
// own the naming and type conventions of their source format; the
// importer only validates and persists what comes back.
type FieldMapper interface {
	Map(row map[string]any) (*schema.Event, error)
}

// ImportOptions tunes a bulk import run.
type ImportOptions struct {
	Options

	// OwnerID is stamped on every imported event, overriding whatever
	// the mapper produced.
	OwnerID string
	// SkipDuplicates drops rows whose owner, title, and start time match
	// an existing non-deleted event or an earlier row in the same run.
	// Skipped rows count as Skipped, not Failed.
	SkipDuplicates bool
}

// BulkImport maps external rows to events and persists them in batches.
// Mapping failures are reported per row; when SkipDuplicates is set the
// existing dedup keys are loaded once up front.
func (e *Engine) BulkImport(ctx context.Context, rows []map[string]any, mapper FieldMapper, opts ImportOptions) (Result, error) {
	started := time.Now()

	if mapper == nil {
		mapper = DefaultFieldMapper{}
	}

	var seen map[string]bool
	if opts.SkipDuplicates {
		var err error
		seen, err = e.db.EventDedupKeys(ctx, opts.OwnerID)
		if err != nil {
			return Result{}, err
		}
	}

	var (
		events  []*schema.Event
		indexes []int
		prelude Result
	)
	for i, row := range rows {
		ev, err := mapper.Map(row)
		if err != nil {
			prelude.Failed++
			prelude.Errors = append(prelude.Errors, ItemError{Index: i, Err: err})
			continue
		}
		ev.OwnerID = opts.OwnerID
		if opts.SkipDuplicates {
			key := ev.DedupKey()
			if seen[key] {
				prelude.Skipped++
				continue
			}
			seen[key] = true
		}
		events = append(events, ev)
		indexes = append(indexes, i)
	}

	result, err := e.BulkCreate(ctx, events, opts.Options)
	if err != nil {
		return result, err
	}

	// Rebase batch-level error indexes onto the original row positions.
	for j := range result.Errors {
		result.Errors[j].Index = indexes[result.Errors[j].Index]
	}
	result.merge(prelude)
	result.Duration = time.Since(started)
	return result, nil
}

// DefaultFieldMapper understands the flat key naming used by the export
// surfaces: title, description, location, start_time, end_time, all_day,
// category_id. Times are RFC 3339 strings or time.Time values.
type DefaultFieldMapper struct{}

// Map implements FieldMapper.
func (DefaultFieldMapper) Map(row map[string]any) (*schema.Event, error) {
	ev := &schema.Event{}

	var err error
	if ev.Title, err = stringField(row, "title"); err != nil {
		return nil, err
	}
	if ev.Description, err = stringField(row, "description"); err != nil {
		return nil, err
	}
	if ev.Location, err = stringField(row, "location"); err != nil {
		return nil, err
	}
	if ev.CategoryID, err = stringField(row, "category_id"); err != nil {
		return nil, err
	}

	start, err := timeField(row, "start_time")
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, fmt.Errorf("row missing start_time")
	}
	ev.StartTime = *start

	if ev.EndTime, err = timeField(row, "end_time"); err != nil {
		return nil, err
	}

	if v, ok := row["all_day"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("all_day: expected bool, got %T", v)
		}
		ev.AllDay = b
	}
	return ev, nil
}

func stringField(row map[string]any, key string) (string, error) {
	v, ok := row[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected string, got %T", key, v)
	}
	return s, nil
}

func timeField(row map[string]any, key string) (*time.Time, error) {
	v, ok := row[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case time.Time:
		return &x, nil
	case string:
		t, err := time.Parse(time.RFC3339, x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("%s: expected time, got %T", key, v)
	}
}
