package schema

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// TimeLayout is the storage format for timestamp TEXT columns. The
// fractional second is fixed width, unlike RFC3339Nano which strips
// trailing zeros, so lexicographic comparison in SQL matches
// chronological order. Always format in UTC.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in TimeLayout for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// SyncStatus tracks a record's relationship to the remote authority.
//
// The local store is authoritative for "local" and "pending" records.
// Only the external sync collaborator, after a confirmed round-trip, may
// set "synced"; the store itself never does.
type SyncStatus string

const (
	// SyncLocal marks a record created locally and never acknowledged remotely.
	SyncLocal SyncStatus = "local"
	// SyncPending marks a record mutated after remote acknowledgment.
	SyncPending SyncStatus = "pending"
	// SyncSynced marks a record whose last mutation was acknowledged remotely.
	SyncSynced SyncStatus = "synced"
	// SyncConflict marks a record the sync collaborator flagged as conflicting.
	SyncConflict SyncStatus = "conflict"
)

// Valid reports whether s is one of the four known sync states.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncLocal, SyncPending, SyncSynced, SyncConflict:
		return true
	}
	return false
}

// Op identifies the kind of mutation recorded in an outbox entry.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Kind identifies the entity type a record or outbox entry targets.
type Kind string

const (
	KindEvent       Kind = "event"
	KindCategory    Kind = "category"
	KindCalendar    Kind = "calendar"
	KindPreferences Kind = "preferences"
)

// ValidationError reports a malformed record rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NewID returns a fresh record identifier with the given kind prefix,
// e.g. "ev-4f9a1c2b8d3e". The local store is the identifier authority;
// identifiers are never reused across restores.
func NewID(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is broken.
		panic(fmt.Sprintf("schema: entropy source unavailable: %v", err))
	}
	return prefix + "-" + hex.EncodeToString(buf)
}

// stamps is embedded by every syncable record and carries the timestamp
// triple plus the sync status.
type stamps struct {
	SyncStatus   SyncStatus `json:"sync_status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastModified time.Time  `json:"last_modified"`
}

// StampCreate fills the timestamp triple for a first write. Pre-set
// timestamps (a restore replaying an old dataset) are preserved; fresh
// records get created_at == updated_at == last_modified == now. The sync
// status defaults to local when unset.
func (s *stamps) StampCreate(now time.Time) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.LastModified.IsZero() {
		s.LastModified = s.UpdatedAt
	}
	if s.SyncStatus == "" {
		s.SyncStatus = SyncLocal
	}
}

// StampUpdate advances updated_at and last_modified, keeping updated_at
// strictly increasing even under a coarse clock. Unless preserveSync is
// set the status is forced to pending; the store never flips a record to
// synced on its own.
func (s *stamps) StampUpdate(now time.Time, preserveSync bool) {
	if !now.After(s.UpdatedAt) {
		now = s.UpdatedAt.Add(time.Nanosecond)
	}
	s.UpdatedAt = now
	s.LastModified = now
	if !preserveSync {
		s.SyncStatus = SyncPending
	}
}

func (s *stamps) validateStamps() error {
	if s.SyncStatus != "" && !s.SyncStatus.Valid() {
		return invalid("sync_status", fmt.Sprintf("unknown value %q", s.SyncStatus))
	}
	if !s.CreatedAt.IsZero() && !s.UpdatedAt.IsZero() && s.UpdatedAt.Before(s.CreatedAt) {
		return invalid("updated_at", "must not precede created_at")
	}
	return nil
}
