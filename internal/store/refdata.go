package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"calstore/internal/schema"
)

// PutCategory validates, stamps, and upserts a category.
func (db *DB) PutCategory(ctx context.Context, c *schema.Category) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		return db.PutCategoryTx(ctx, tx, c)
	})
	if err != nil {
		return err
	}
	db.notifyWrite(c.OwnerID, schema.KindCategory)
	return nil
}

// PutCategoryTx is PutCategory inside the caller's transaction.
func (db *DB) PutCategoryTx(ctx context.Context, tx *sql.Tx, c *schema.Category) error {
	if c.ID == "" {
		c.ID = schema.NewID("cat")
	}
	c.StampCreate(db.now().UTC())
	if err := c.Validate(); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO categories (id, owner_id, name, color, icon,
			sync_status, created_at, updated_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			color = excluded.color,
			icon = excluded.icon,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			last_modified = excluded.last_modified`,
		c.ID, c.OwnerID, c.Name, c.Color, c.Icon,
		string(c.SyncStatus), timeString(c.CreatedAt), timeString(c.UpdatedAt), timeString(c.LastModified))
	if err != nil {
		return fmt.Errorf("failed to upsert category: %w", err)
	}
	return db.enqueueTx(ctx, tx, c.OwnerID, schema.OpCreate, schema.KindCategory, c.ID, c.SyncStatus, c)
}

// GetCategory returns a category by ID.
func (db *DB) GetCategory(ctx context.Context, id string) (*schema.Category, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, name, color, icon,
		       sync_status, created_at, updated_at, last_modified
		FROM categories WHERE id = ?`, id)

	var (
		c                                  schema.Category
		status                             string
		createdAt, updatedAt, lastModified string
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Color, &c.Icon,
		&status, &createdAt, &updatedAt, &lastModified)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("category %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan category: %w", err)
	}
	c.SyncStatus = schema.SyncStatus(status)
	if err := parseStamps(&c.CreatedAt, &c.UpdatedAt, &c.LastModified, createdAt, updatedAt, lastModified); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCategories returns an owner's categories ordered by name.
func (db *DB) ListCategories(ctx context.Context, ownerID string) ([]*schema.Category, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, owner_id, name, color, icon,
		       sync_status, created_at, updated_at, last_modified
		FROM categories WHERE owner_id = ? ORDER BY name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var cats []*schema.Category
	for rows.Next() {
		var (
			c                                  schema.Category
			status                             string
			createdAt, updatedAt, lastModified string
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Color, &c.Icon,
			&status, &createdAt, &updatedAt, &lastModified); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		c.SyncStatus = schema.SyncStatus(status)
		if err := parseStamps(&c.CreatedAt, &c.UpdatedAt, &c.LastModified, createdAt, updatedAt, lastModified); err != nil {
			return nil, err
		}
		cats = append(cats, &c)
	}
	return cats, rows.Err()
}

// DeleteCategory removes a category row and queues the deletion.
func (db *DB) DeleteCategory(ctx context.Context, id string) error {
	var ownerID string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT owner_id, name, sync_status FROM categories WHERE id = ?`, id)
		var name, status string
		if err := row.Scan(&ownerID, &name, &status); err == sql.ErrNoRows {
			return fmt.Errorf("category %s: %w", id, ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("failed to load category: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete category: %w", err)
		}
		snapshot := &schema.Category{ID: id, OwnerID: ownerID, Name: name}
		snapshot.SyncStatus = schema.SyncStatus(status)
		return db.enqueueTx(ctx, tx, ownerID, schema.OpDelete, schema.KindCategory, id, snapshot.SyncStatus, snapshot)
	})
	if err != nil {
		return err
	}
	db.notifyWrite(ownerID, schema.KindCategory)
	return nil
}

// PutCalendar validates, stamps, and upserts a calendar. Marking one
// default clears the flag on the owner's other calendars.
func (db *DB) PutCalendar(ctx context.Context, c *schema.Calendar) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		return db.PutCalendarTx(ctx, tx, c)
	})
	if err != nil {
		return err
	}
	db.notifyWrite(c.OwnerID, schema.KindCalendar)
	return nil
}

// PutCalendarTx is PutCalendar inside the caller's transaction.
func (db *DB) PutCalendarTx(ctx context.Context, tx *sql.Tx, c *schema.Calendar) error {
	if c.ID == "" {
		c.ID = schema.NewID("cal")
	}
	c.StampCreate(db.now().UTC())
	if err := c.Validate(); err != nil {
		return err
	}

	if c.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE calendars SET is_default = 0 WHERE owner_id = ? AND id != ?`,
			c.OwnerID, c.ID); err != nil {
			return fmt.Errorf("failed to clear default calendar: %w", err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO calendars (id, owner_id, name, description, color,
			is_default, is_shared, sync_status, created_at, updated_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			color = excluded.color,
			is_default = excluded.is_default,
			is_shared = excluded.is_shared,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			last_modified = excluded.last_modified`,
		c.ID, c.OwnerID, c.Name, c.Description, c.Color,
		boolInt(c.IsDefault), boolInt(c.IsShared),
		string(c.SyncStatus), timeString(c.CreatedAt), timeString(c.UpdatedAt), timeString(c.LastModified))
	if err != nil {
		return fmt.Errorf("failed to upsert calendar: %w", err)
	}
	return db.enqueueTx(ctx, tx, c.OwnerID, schema.OpCreate, schema.KindCalendar, c.ID, c.SyncStatus, c)
}

// ListCalendars returns an owner's calendars, default first.
func (db *DB) ListCalendars(ctx context.Context, ownerID string) ([]*schema.Calendar, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, owner_id, name, description, color,
		       is_default, is_shared, sync_status, created_at, updated_at, last_modified
		FROM calendars WHERE owner_id = ? ORDER BY is_default DESC, name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer rows.Close()

	var cals []*schema.Calendar
	for rows.Next() {
		var (
			c                                  schema.Calendar
			isDefault, isShared                int
			status                             string
			createdAt, updatedAt, lastModified string
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Description, &c.Color,
			&isDefault, &isShared, &status, &createdAt, &updatedAt, &lastModified); err != nil {
			return nil, fmt.Errorf("failed to scan calendar: %w", err)
		}
		c.IsDefault = isDefault != 0
		c.IsShared = isShared != 0
		c.SyncStatus = schema.SyncStatus(status)
		if err := parseStamps(&c.CreatedAt, &c.UpdatedAt, &c.LastModified, createdAt, updatedAt, lastModified); err != nil {
			return nil, err
		}
		cals = append(cals, &c)
	}
	return cals, rows.Err()
}

// DeleteCalendar removes a calendar row and queues the deletion.
func (db *DB) DeleteCalendar(ctx context.Context, id string) error {
	var ownerID string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT owner_id, name, sync_status FROM calendars WHERE id = ?`, id)
		var name, status string
		if err := row.Scan(&ownerID, &name, &status); err == sql.ErrNoRows {
			return fmt.Errorf("calendar %s: %w", id, ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("failed to load calendar: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete calendar: %w", err)
		}
		snapshot := &schema.Calendar{ID: id, OwnerID: ownerID, Name: name}
		snapshot.SyncStatus = schema.SyncStatus(status)
		return db.enqueueTx(ctx, tx, ownerID, schema.OpDelete, schema.KindCalendar, id, snapshot.SyncStatus, snapshot)
	})
	if err != nil {
		return err
	}
	db.notifyWrite(ownerID, schema.KindCalendar)
	return nil
}

// PutPreferences upserts the owner's single settings record. Preferences
// are device-local and never enter the outbox.
func (db *DB) PutPreferences(ctx context.Context, p *schema.Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = db.now().UTC()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		return db.PutPreferencesTx(ctx, tx, p)
	})
	if err != nil {
		return err
	}
	db.notifyWrite(p.OwnerID, schema.KindPreferences)
	return nil
}

// PutPreferencesTx is PutPreferences inside the caller's transaction.
func (db *DB) PutPreferencesTx(ctx context.Context, tx *sql.Tx, p *schema.Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = db.now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO preferences (owner_id, theme, time_format, timezone,
			work_start_minute, work_end_minute, offline_mode, auto_sync, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			theme = excluded.theme,
			time_format = excluded.time_format,
			timezone = excluded.timezone,
			work_start_minute = excluded.work_start_minute,
			work_end_minute = excluded.work_end_minute,
			offline_mode = excluded.offline_mode,
			auto_sync = excluded.auto_sync,
			updated_at = excluded.updated_at`,
		p.OwnerID, p.Theme, p.TimeFormat, p.Timezone,
		p.WorkStartMinute, p.WorkEndMinute, boolInt(p.OfflineMode), boolInt(p.AutoSync),
		timeString(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

// GetPreferences returns the owner's settings record.
func (db *DB) GetPreferences(ctx context.Context, ownerID string) (*schema.Preferences, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT owner_id, theme, time_format, timezone,
		       work_start_minute, work_end_minute, offline_mode, auto_sync, updated_at
		FROM preferences WHERE owner_id = ?`, ownerID)

	var (
		p                 schema.Preferences
		offline, autoSync int
		updatedAt         string
	)
	err := row.Scan(&p.OwnerID, &p.Theme, &p.TimeFormat, &p.Timezone,
		&p.WorkStartMinute, &p.WorkEndMinute, &offline, &autoSync, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("preferences for %s: %w", ownerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan preferences: %w", err)
	}
	p.OfflineMode = offline != 0
	p.AutoSync = autoSync != 0
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &p, nil
}

func parseStamps(created, updated, modified *time.Time, c, u, m string) error {
	var err error
	if *created, err = time.Parse(time.RFC3339Nano, c); err != nil {
		return fmt.Errorf("failed to parse created_at: %w", err)
	}
	if *updated, err = time.Parse(time.RFC3339Nano, u); err != nil {
		return fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if *modified, err = time.Parse(time.RFC3339Nano, m); err != nil {
		return fmt.Errorf("failed to parse last_modified: %w", err)
	}
	return nil
}
