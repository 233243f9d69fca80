// Package backup implements owner-scoped snapshots of the calendar
// store: creation with optional compression and encryption, checksum
// verification, restore under three merge policies, and a retention
// policy over the backup directory.
//
// A backup file is a JSON envelope around an opaque payload. The
// payload pipeline is dataset JSON, then gzip when worthwhile, then
// AES-256-GCM when a password is given. The checksum always covers the
// post-compression, pre-encryption bytes, so integrity can be verified
// exactly once the payload is decrypted, before any table is touched.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"calstore/internal/metrics"
	"calstore/internal/schema"
	"calstore/internal/store"
)

const (
	// EnvelopeVersion is bumped when the envelope layout changes.
	EnvelopeVersion = 1

	// compressThreshold is the dataset size above which gzip is applied.
	// Small payloads are stored raw; the gzip header would cost more
	// than it saves.
	compressThreshold = 100 * 1024

	// DefaultKeep is the retention count when Manager.keep is unset.
	DefaultKeep = 10
)

// Dataset is everything captured for one owner.
type Dataset struct {
	Events      []*schema.Event     `json:"events"`
	Categories  []*schema.Category  `json:"categories"`
	Calendars   []*schema.Calendar  `json:"calendars"`
	Preferences *schema.Preferences `json:"preferences,omitempty"`
}

func (d *Dataset) recordCount() int {
	n := len(d.Events) + len(d.Categories) + len(d.Calendars)
	if d.Preferences != nil {
		n++
	}
	return n
}

// Stats is the per-table record count section of the envelope.
type Stats struct {
	Events      int `json:"events"`
	Categories  int `json:"categories"`
	Calendars   int `json:"calendars"`
	Preferences int `json:"preferences"`
}

func (d *Dataset) stats() Stats {
	s := Stats{
		Events:     len(d.Events),
		Categories: len(d.Categories),
		Calendars:  len(d.Calendars),
	}
	if d.Preferences != nil {
		s.Preferences = 1
	}
	return s
}

// Envelope is the on-disk backup format.
type Envelope struct {
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	OwnerID       string    `json:"owner_id"`
	SchemaVersion int       `json:"schema_version"`
	Compressed    bool      `json:"compressed"`
	Encrypted     bool      `json:"encrypted"`
	Checksum      string    `json:"checksum"`
	RecordCount   int       `json:"record_count"`
	Stats         Stats     `json:"stats"`
	Payload       []byte    `json:"payload"`
}

// CreateOptions tunes backup creation.
type CreateOptions struct {
	// Compress enables gzip for payloads above the size threshold.
	Compress bool
	// IncludeDeleted keeps soft-deleted events in the snapshot.
	IncludeDeleted bool
	// Password, when non-empty, encrypts the payload.
	Password string
}

// Manager creates, restores, lists, and prunes backups for a store.
type Manager struct {
	db   *store.DB
	rec  *metrics.Recorder
	log  zerolog.Logger
	dir  string
	keep int
	now  func() time.Time
}

// NewManager returns a manager writing backup files under dir. keep
// bounds retention per owner; zero means DefaultKeep.
func NewManager(db *store.DB, rec *metrics.Recorder, log zerolog.Logger, dir string, keep int) *Manager {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Manager{
		db:   db,
		rec:  rec,
		log:  log.With().Str("component", "backup").Logger(),
		dir:  dir,
		keep: keep,
		now:  time.Now,
	}
}

// Create snapshots the owner's dataset to a new backup file and records
// it in the catalog, then prunes backups beyond the retention count.
func (m *Manager) Create(ctx context.Context, ownerID string, opts CreateOptions) (*schema.BackupRecord, error) {
	started := time.Now()

	dataset, err := m.collect(ctx, ownerID, opts.IncludeDeleted)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dataset: %w", err)
	}

	payload := raw
	compressed := false
	if opts.Compress && len(raw) > compressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("failed to compress dataset: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress dataset: %w", err)
		}
		payload = buf.Bytes()
		compressed = true
	}

	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])

	encrypted := false
	if opts.Password != "" {
		payload, err = seal(payload, opts.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt backup: %w", err)
		}
		encrypted = true
	}

	now := m.now().UTC()
	env := Envelope{
		Version:       EnvelopeVersion,
		CreatedAt:     now,
		OwnerID:       ownerID,
		SchemaVersion: m.schemaVersion(ctx),
		Compressed:    compressed,
		Encrypted:     encrypted,
		Checksum:      checksum,
		RecordCount:   dataset.recordCount(),
		Stats:         dataset.stats(),
		Payload:       payload,
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	filename := fmt.Sprintf("calstore-%s-%s.backup.json", ownerID, now.Format("20060102T150405Z"))
	if err := writeFileAtomic(filepath.Join(m.dir, filename), data); err != nil {
		return nil, err
	}

	record := &schema.BackupRecord{
		OwnerID:       ownerID,
		CreatedAt:     now,
		SchemaVersion: env.SchemaVersion,
		SizeBytes:     int64(len(data)),
		Tables:        []string{"events", "categories", "calendars", "preferences"},
		RecordCount:   env.RecordCount,
		Compressed:    compressed,
		Encrypted:     encrypted,
		Filename:      filename,
	}
	if err := m.catalog(ctx, record); err != nil {
		return nil, err
	}
	if err := m.prune(ctx, ownerID); err != nil {
		m.log.Warn().Err(err).Msg("failed to prune old backups")
	}

	m.log.Info().
		Str("owner", ownerID).
		Str("file", filename).
		Int("records", record.RecordCount).
		Int64("bytes", record.SizeBytes).
		Bool("compressed", compressed).
		Bool("encrypted", encrypted).
		Msg("backup created")

	if m.rec != nil {
		if err := m.rec.Record(ctx, "backup_create", time.Since(started), record.RecordCount, true); err != nil {
			m.log.Warn().Err(err).Msg("failed to record backup metric")
		}
	}
	return record, nil
}

// List returns the catalog rows for an owner, newest first.
func (m *Manager) List(ctx context.Context, ownerID string) ([]*schema.BackupRecord, error) {
	rows, err := m.db.RawDB().QueryContext(ctx, `
		SELECT id, owner_id, created_at, schema_version, size_bytes,
		       tables, record_count, compressed, encrypted, filename
		FROM backups WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var records []*schema.BackupRecord
	for rows.Next() {
		r, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Load reads a backup file from the managed directory by filename.
func (m *Manager) Load(filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, filepath.Base(filename)))
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}
	return data, nil
}

func (m *Manager) collect(ctx context.Context, ownerID string, includeDeleted bool) (*Dataset, error) {
	events, err := m.db.ListEvents(ctx, ownerID, includeDeleted)
	if err != nil {
		return nil, err
	}
	categories, err := m.db.ListCategories(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	calendars, err := m.db.ListCalendars(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	dataset := &Dataset{Events: events, Categories: categories, Calendars: calendars}

	prefs, err := m.db.GetPreferences(ctx, ownerID)
	if err == nil {
		dataset.Preferences = prefs
	} else if !isNotFound(err) {
		return nil, err
	}
	return dataset, nil
}

func (m *Manager) catalog(ctx context.Context, r *schema.BackupRecord) error {
	tables, err := json.Marshal(r.Tables)
	if err != nil {
		return fmt.Errorf("failed to encode table list: %w", err)
	}
	res, err := m.db.RawDB().ExecContext(ctx, `
		INSERT INTO backups (owner_id, created_at, schema_version, size_bytes,
			tables, record_count, compressed, encrypted, filename)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.OwnerID, schema.FormatTime(r.CreatedAt), r.SchemaVersion, r.SizeBytes,
		string(tables), r.RecordCount, boolInt(r.Compressed), boolInt(r.Encrypted), r.Filename)
	if err != nil {
		return fmt.Errorf("failed to catalog backup: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// prune deletes catalog rows and files beyond the newest keep backups.
func (m *Manager) prune(ctx context.Context, ownerID string) error {
	records, err := m.List(ctx, ownerID)
	if err != nil {
		return err
	}
	if len(records) <= m.keep {
		return nil
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	for _, r := range records[m.keep:] {
		if _, err := m.db.RawDB().ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, r.ID); err != nil {
			return fmt.Errorf("failed to drop catalog row %d: %w", r.ID, err)
		}
		if err := os.Remove(filepath.Join(m.dir, r.Filename)); err != nil && !os.IsNotExist(err) {
			m.log.Warn().Err(err).Str("file", r.Filename).Msg("failed to remove pruned backup file")
		}
		m.log.Info().Str("owner", ownerID).Str("file", r.Filename).Msg("pruned old backup")
	}
	return nil
}

func (m *Manager) schemaVersion(ctx context.Context) int {
	var v int
	if err := m.db.RawDB().QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0
	}
	return v
}

func scanBackup(rows *sql.Rows) (*schema.BackupRecord, error) {
	var (
		r                     schema.BackupRecord
		createdAt, tables     string
		compressed, encrypted int
	)
	if err := rows.Scan(&r.ID, &r.OwnerID, &createdAt, &r.SchemaVersion, &r.SizeBytes,
		&tables, &r.RecordCount, &compressed, &encrypted, &r.Filename); err != nil {
		return nil, fmt.Errorf("failed to scan backup record: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	if err := json.Unmarshal([]byte(tables), &r.Tables); err != nil {
		return nil, fmt.Errorf("failed to decode table list: %w", err)
	}
	r.Compressed = compressed != 0
	r.Encrypted = encrypted != 0
	return &r, nil
}

// writeFileAtomic writes via a temp file and rename so a crash never
// leaves a truncated backup behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".backup-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close backup: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move backup into place: %w", err)
	}
	return nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
