package backup

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"calstore/internal/schema"
)

// Mode selects how restored records meet existing ones.
type Mode string

const (
	// ModeMerge inserts records whose identity (owner, title, start
	// time) is not already present and leaves the rest alone.
	ModeMerge Mode = "merge"
	// ModeOverwrite purges the owner's records first, then replays the
	// dataset.
	ModeOverwrite Mode = "overwrite"
	// ModeAppend inserts everything, duplicates included.
	ModeAppend Mode = "append"
)

// ErrChecksumMismatch is returned in Strict mode when the payload does
// not hash to the recorded checksum.
var ErrChecksumMismatch = errors.New("backup checksum mismatch")

// RestoreOptions tunes a restore.
type RestoreOptions struct {
	// Mode defaults to ModeAppend.
	Mode Mode
	// Password decrypts an encrypted backup.
	Password string
	// Strict refuses to restore when the checksum does not match. The
	// default is to log a warning and proceed, favoring data recovery
	// over integrity guarantees.
	Strict bool
}

// RestoreResult reports what a restore wrote.
type RestoreResult struct {
	Events      int
	Categories  int
	Calendars   int
	Preferences bool
	SkippedDups int
	ChecksumOK  bool
}

// Restore replays a backup file's dataset into the store. The payload
// checksum is verified before any table is touched; restored records
// receive fresh local identifiers and keep their original timestamps
// and sync status.
func (m *Manager) Restore(ctx context.Context, data []byte, opts RestoreOptions) (*RestoreResult, error) {
	started := time.Now()
	switch opts.Mode {
	case "":
		opts.Mode = ModeAppend
	case ModeAppend, ModeMerge, ModeOverwrite:
	default:
		return nil, fmt.Errorf("unknown restore mode %q", opts.Mode)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode backup envelope: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("unsupported backup version %d", env.Version)
	}

	payload := env.Payload
	if env.Encrypted {
		if opts.Password == "" {
			return nil, errors.New("backup is encrypted and no password was given")
		}
		var err error
		payload, err = open(payload, opts.Password)
		if err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(payload)
	checksumOK := hex.EncodeToString(sum[:]) == env.Checksum
	if !checksumOK {
		if opts.Strict {
			return nil, fmt.Errorf("%w: refusing restore in strict mode", ErrChecksumMismatch)
		}
		m.log.Warn().
			Str("owner", env.OwnerID).
			Str("expected", env.Checksum).
			Msg("backup checksum mismatch, proceeding anyway")
	}

	if env.Compressed {
		var err error
		payload, err = gunzip(payload)
		if err != nil {
			return nil, err
		}
	}

	var dataset Dataset
	if err := json.Unmarshal(payload, &dataset); err != nil {
		return nil, fmt.Errorf("failed to decode backup dataset: %w", err)
	}

	result := &RestoreResult{ChecksumOK: checksumOK}

	var existing map[string]bool
	if opts.Mode == ModeMerge {
		var err error
		existing, err = m.db.EventDedupKeys(ctx, env.OwnerID)
		if err != nil {
			return nil, err
		}
	}

	err := m.withTx(ctx, func(tx *sql.Tx) error {
		if opts.Mode == ModeOverwrite {
			if err := m.db.PurgeOwnerTx(ctx, tx, env.OwnerID); err != nil {
				return err
			}
		}

		for _, ev := range dataset.Events {
			ev.OwnerID = env.OwnerID
			if opts.Mode == ModeMerge {
				key := ev.DedupKey()
				if existing[key] {
					result.SkippedDups++
					continue
				}
				existing[key] = true
			}
			// The local store is the identifier authority; restored
			// records never reuse the IDs captured in the backup.
			ev.ID = schema.NewID("ev")
			if err := m.db.PutEventTx(ctx, tx, ev); err != nil {
				return fmt.Errorf("failed to restore event: %w", err)
			}
			result.Events++
		}
		for _, c := range dataset.Categories {
			c.OwnerID = env.OwnerID
			c.ID = schema.NewID("cat")
			if err := m.db.PutCategoryTx(ctx, tx, c); err != nil {
				return fmt.Errorf("failed to restore category: %w", err)
			}
			result.Categories++
		}
		for _, c := range dataset.Calendars {
			c.OwnerID = env.OwnerID
			c.ID = schema.NewID("cal")
			if err := m.db.PutCalendarTx(ctx, tx, c); err != nil {
				return fmt.Errorf("failed to restore calendar: %w", err)
			}
			result.Calendars++
		}
		if dataset.Preferences != nil {
			dataset.Preferences.OwnerID = env.OwnerID
			if err := m.db.PutPreferencesTx(ctx, tx, dataset.Preferences); err != nil {
				return fmt.Errorf("failed to restore preferences: %w", err)
			}
			result.Preferences = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, kind := range []schema.Kind{schema.KindEvent, schema.KindCategory, schema.KindCalendar, schema.KindPreferences} {
		m.db.NotifyWrite(env.OwnerID, kind)
	}

	m.log.Info().
		Str("owner", env.OwnerID).
		Str("mode", string(opts.Mode)).
		Int("events", result.Events).
		Int("skipped_dups", result.SkippedDups).
		Bool("checksum_ok", checksumOK).
		Msg("backup restored")

	if m.rec != nil {
		total := result.Events + result.Categories + result.Calendars
		if err := m.rec.Record(ctx, "backup_restore", time.Since(started), total, true); err != nil {
			m.log.Warn().Err(err).Msg("failed to record restore metric")
		}
	}
	return result, nil
}

// RestoreFile is Restore over a filename in the managed directory.
func (m *Manager) RestoreFile(ctx context.Context, filename string, opts RestoreOptions) (*RestoreResult, error) {
	data, err := m.Load(filename)
	if err != nil {
		return nil, err
	}
	return m.Restore(ctx, data, opts)
}

func (m *Manager) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit restore: %w", err)
	}
	return nil
}
