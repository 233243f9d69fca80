package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"calstore/internal/schema"
)

// TimeRange bounds a query. A zero From or To leaves that side open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// EventPatch describes a partial event update. Nil fields are left
// untouched. SyncStatus, when set, wins over the default pending
// transition; PreserveSync keeps the current status without naming one.
type EventPatch struct {
	Title       *string
	Description *string
	Location    *string
	StartTime   *time.Time
	EndTime     *time.Time
	ClearEnd    bool
	AllDay      *bool
	CategoryID  *string
	Recurrence  *schema.RecurrenceRule
	Reminders   []schema.Reminder
	Attendees   []schema.Attendee
	Metadata    map[string]any

	SyncStatus   *schema.SyncStatus
	PreserveSync bool
}

// PutEvent validates, stamps, and persists an event, enqueuing an outbox
// entry in the same transaction unless the record is already synced. A
// missing ID is assigned.
func (db *DB) PutEvent(ctx context.Context, ev *schema.Event) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		return db.PutEventTx(ctx, tx, ev)
	})
	if err != nil {
		return err
	}
	db.notifyWrite(ev.OwnerID, schema.KindEvent)
	return nil
}

// PutEventTx is PutEvent inside the caller's transaction. The caller is
// responsible for notifying write hooks after commit.
func (db *DB) PutEventTx(ctx context.Context, tx *sql.Tx, ev *schema.Event) error {
	if ev.ID == "" {
		ev.ID = schema.NewID("ev")
	}
	ev.StampCreate(db.now().UTC())
	if err := ev.Validate(); err != nil {
		return err
	}

	recurrence, err := jsonColumn(ev.Recurrence)
	if err != nil {
		return fmt.Errorf("failed to encode recurrence: %w", err)
	}
	reminders, err := jsonColumn(ev.Reminders)
	if err != nil {
		return fmt.Errorf("failed to encode reminders: %w", err)
	}
	attendees, err := jsonColumn(ev.Attendees)
	if err != nil {
		return fmt.Errorf("failed to encode attendees: %w", err)
	}
	metadata, err := jsonColumn(ev.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, owner_id, title, description, location,
			start_time, end_time, all_day, category_id,
			recurrence, reminders, attendees, metadata,
			is_deleted, sync_status, created_at, updated_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			all_day = excluded.all_day,
			category_id = excluded.category_id,
			recurrence = excluded.recurrence,
			reminders = excluded.reminders,
			attendees = excluded.attendees,
			metadata = excluded.metadata,
			is_deleted = excluded.is_deleted,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			last_modified = excluded.last_modified`,
		ev.ID, ev.OwnerID, ev.Title, ev.Description, ev.Location,
		timeString(ev.StartTime), nullTimeString(ev.EndTime), boolInt(ev.AllDay), ev.CategoryID,
		recurrence, reminders, attendees, metadata,
		boolInt(ev.IsDeleted), string(ev.SyncStatus),
		timeString(ev.CreatedAt), timeString(ev.UpdatedAt), timeString(ev.LastModified))
	if err != nil {
		return fmt.Errorf("failed to upsert event: %w", err)
	}

	return db.enqueueTx(ctx, tx, ev.OwnerID, schema.OpCreate, schema.KindEvent, ev.ID, ev.SyncStatus, ev)
}

// GetEvent returns a single event by ID, including soft-deleted ones.
func (db *DB) GetEvent(ctx context.Context, id string) (*schema.Event, error) {
	row := db.conn.QueryRowContext(ctx, eventSelect+` WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return ev, err
}

// QueryEvents returns an owner's non-deleted events overlapping the
// range, ordered by start time. An event overlaps when it starts before
// the range ends and ends (or starts, when open-ended) at or after the
// range begins.
func (db *DB) QueryEvents(ctx context.Context, ownerID string, r TimeRange) ([]*schema.Event, error) {
	q := eventSelect + ` WHERE owner_id = ? AND is_deleted = 0`
	args := []any{ownerID}
	if !r.To.IsZero() {
		q += ` AND start_time < ?`
		args = append(args, timeString(r.To))
	}
	if !r.From.IsZero() {
		q += ` AND (COALESCE(end_time, start_time) >= ?)`
		args = append(args, timeString(r.From))
	}
	q += ` ORDER BY start_time, id`

	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents returns all of an owner's events, optionally including
// soft-deleted ones, ordered by start time.
func (db *DB) ListEvents(ctx context.Context, ownerID string, includeDeleted bool) ([]*schema.Event, error) {
	q := eventSelect + ` WHERE owner_id = ?`
	if !includeDeleted {
		q += ` AND is_deleted = 0`
	}
	q += ` ORDER BY start_time, id`

	rows, err := db.conn.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// UpdateEvent applies a patch to an existing event, restamping the
// timestamp triple and transitioning the sync status to pending unless
// the patch says otherwise.
func (db *DB) UpdateEvent(ctx context.Context, id string, patch EventPatch) (*schema.Event, error) {
	var updated *schema.Event
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := db.UpdateEventTx(ctx, tx, id, patch)
		if err != nil {
			return err
		}
		updated = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	db.notifyWrite(updated.OwnerID, schema.KindEvent)
	return updated, nil
}

// UpdateEventTx is UpdateEvent inside the caller's transaction.
func (db *DB) UpdateEventTx(ctx context.Context, tx *sql.Tx, id string, patch EventPatch) (*schema.Event, error) {
	ev, err := db.getEventTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	applyEventPatch(ev, patch)
	ev.StampUpdate(db.now().UTC(), patch.PreserveSync || patch.SyncStatus != nil)
	if patch.SyncStatus != nil {
		ev.SyncStatus = *patch.SyncStatus
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if err := db.writeEventTx(ctx, tx, ev); err != nil {
		return nil, err
	}
	if err := db.enqueueTx(ctx, tx, ev.OwnerID, schema.OpUpdate, schema.KindEvent, ev.ID, ev.SyncStatus, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// DeleteEvent removes an event. The default is a soft delete: the row
// stays with is_deleted set and sync status pending so the deletion can
// propagate. hard removes the row outright.
func (db *DB) DeleteEvent(ctx context.Context, id string, hard bool) error {
	var ownerID string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := db.getEventTx(ctx, tx, id)
		if err != nil {
			return err
		}
		ownerID = ev.OwnerID
		return db.deleteEventTx(ctx, tx, ev, hard)
	})
	if err != nil {
		return err
	}
	db.notifyWrite(ownerID, schema.KindEvent)
	return nil
}

// DeleteEventTx is DeleteEvent inside the caller's transaction.
func (db *DB) DeleteEventTx(ctx context.Context, tx *sql.Tx, id string, hard bool) error {
	ev, err := db.getEventTx(ctx, tx, id)
	if err != nil {
		return err
	}
	return db.deleteEventTx(ctx, tx, ev, hard)
}

func (db *DB) deleteEventTx(ctx context.Context, tx *sql.Tx, ev *schema.Event, hard bool) error {
	if hard {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, ev.ID); err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	} else {
		ev.IsDeleted = true
		ev.StampUpdate(db.now().UTC(), false)
		if err := db.writeEventTx(ctx, tx, ev); err != nil {
			return err
		}
	}
	return db.enqueueTx(ctx, tx, ev.OwnerID, schema.OpDelete, schema.KindEvent, ev.ID, ev.SyncStatus, ev)
}

// EventDedupKeys returns the duplicate-detection keys of an owner's
// non-deleted events. The bulk importer and merge restore preload this
// set before writing.
func (db *DB) EventDedupKeys(ctx context.Context, ownerID string) (map[string]bool, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT owner_id, title, start_time FROM events
		WHERE owner_id = ? AND is_deleted = 0`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dedup keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var owner, title, start string
		if err := rows.Scan(&owner, &title, &start); err != nil {
			return nil, fmt.Errorf("failed to scan dedup key: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, start)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start_time %q: %w", start, err)
		}
		ev := schema.Event{OwnerID: owner, Title: title, StartTime: t}
		keys[ev.DedupKey()] = true
	}
	return keys, rows.Err()
}

// PurgeOwnerTx removes all of an owner's records from every data table.
// The overwrite restore policy runs this before replaying the dataset.
func (db *DB) PurgeOwnerTx(ctx context.Context, tx *sql.Tx, ownerID string) error {
	for _, table := range []string{"events", "categories", "calendars", "preferences", "outbox"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE owner_id = ?`, table), ownerID); err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	return nil
}

// GetEventTx reads an event inside the caller's transaction.
func (db *DB) GetEventTx(ctx context.Context, tx *sql.Tx, id string) (*schema.Event, error) {
	return db.getEventTx(ctx, tx, id)
}

// getEventTx reads an event inside a transaction for read-modify-write.
func (db *DB) getEventTx(ctx context.Context, tx *sql.Tx, id string) (*schema.Event, error) {
	row := tx.QueryRowContext(ctx, eventSelect+` WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return ev, err
}

// writeEventTx persists an already-stamped event without restamping.
func (db *DB) writeEventTx(ctx context.Context, tx *sql.Tx, ev *schema.Event) error {
	recurrence, err := jsonColumn(ev.Recurrence)
	if err != nil {
		return fmt.Errorf("failed to encode recurrence: %w", err)
	}
	reminders, err := jsonColumn(ev.Reminders)
	if err != nil {
		return fmt.Errorf("failed to encode reminders: %w", err)
	}
	attendees, err := jsonColumn(ev.Attendees)
	if err != nil {
		return fmt.Errorf("failed to encode attendees: %w", err)
	}
	metadata, err := jsonColumn(ev.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE events SET
			title = ?, description = ?, location = ?,
			start_time = ?, end_time = ?, all_day = ?, category_id = ?,
			recurrence = ?, reminders = ?, attendees = ?, metadata = ?,
			is_deleted = ?, sync_status = ?, updated_at = ?, last_modified = ?
		WHERE id = ?`,
		ev.Title, ev.Description, ev.Location,
		timeString(ev.StartTime), nullTimeString(ev.EndTime), boolInt(ev.AllDay), ev.CategoryID,
		recurrence, reminders, attendees, metadata,
		boolInt(ev.IsDeleted), string(ev.SyncStatus),
		timeString(ev.UpdatedAt), timeString(ev.LastModified), ev.ID)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %s: %w", ev.ID, ErrNotFound)
	}
	return nil
}

const eventSelect = `
	SELECT id, owner_id, title, description, location,
	       start_time, end_time, all_day, category_id,
	       recurrence, reminders, attendees, metadata,
	       is_deleted, sync_status, created_at, updated_at, last_modified
	FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*schema.Event, error) {
	var (
		ev                                   schema.Event
		startTime                            string
		endTime                              sql.NullString
		allDay, isDeleted                    int
		recurrence, reminders, attendees, md sql.NullString
		syncStatus                           string
		createdAt, updatedAt, lastModified   string
	)
	err := row.Scan(&ev.ID, &ev.OwnerID, &ev.Title, &ev.Description, &ev.Location,
		&startTime, &endTime, &allDay, &ev.CategoryID,
		&recurrence, &reminders, &attendees, &md,
		&isDeleted, &syncStatus, &createdAt, &updatedAt, &lastModified)
	if err != nil {
		return nil, err
	}

	ev.StartTime, err = time.Parse(time.RFC3339Nano, startTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}
	if endTime.Valid && endTime.String != "" {
		t, err := time.Parse(time.RFC3339Nano, endTime.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end_time: %w", err)
		}
		ev.EndTime = &t
	}
	ev.AllDay = allDay != 0
	ev.IsDeleted = isDeleted != 0
	ev.SyncStatus = schema.SyncStatus(syncStatus)

	if err := jsonField(recurrence, &ev.Recurrence); err != nil {
		return nil, fmt.Errorf("failed to decode recurrence: %w", err)
	}
	if err := jsonField(reminders, &ev.Reminders); err != nil {
		return nil, fmt.Errorf("failed to decode reminders: %w", err)
	}
	if err := jsonField(attendees, &ev.Attendees); err != nil {
		return nil, fmt.Errorf("failed to decode attendees: %w", err)
	}
	if err := jsonField(md, &ev.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if ev.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if ev.LastModified, err = time.Parse(time.RFC3339Nano, lastModified); err != nil {
		return nil, fmt.Errorf("failed to parse last_modified: %w", err)
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func applyEventPatch(ev *schema.Event, p EventPatch) {
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.Description != nil {
		ev.Description = *p.Description
	}
	if p.Location != nil {
		ev.Location = *p.Location
	}
	if p.StartTime != nil {
		ev.StartTime = *p.StartTime
	}
	if p.ClearEnd {
		ev.EndTime = nil
	} else if p.EndTime != nil {
		ev.EndTime = p.EndTime
	}
	if p.AllDay != nil {
		ev.AllDay = *p.AllDay
	}
	if p.CategoryID != nil {
		ev.CategoryID = *p.CategoryID
	}
	if p.Recurrence != nil {
		ev.Recurrence = p.Recurrence
	}
	if p.Reminders != nil {
		ev.Reminders = p.Reminders
	}
	if p.Attendees != nil {
		ev.Attendees = p.Attendees
	}
	if p.Metadata != nil {
		ev.Metadata = p.Metadata
	}
}

func jsonColumn(v any) (any, error) {
	switch x := v.(type) {
	case *schema.RecurrenceRule:
		if x == nil {
			return nil, nil
		}
	case []schema.Reminder:
		if len(x) == 0 {
			return nil, nil
		}
	case []schema.Attendee:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonField(col sql.NullString, dest any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dest)
}

// timeString renders a timestamp for a TEXT column. The fixed-width
// layout keeps SQL string comparison consistent with chronological
// order at sub-second precision.
func timeString(t time.Time) string {
	return schema.FormatTime(t)
}

func nullTimeString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeString(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
