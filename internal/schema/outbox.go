package schema

import (
	"encoding/json"
	"time"
)

// OutboxEntry is one pending mutation in the append-only sync queue.
//
// Entries are immutable once enqueued except for the attempt bookkeeping
// the sync collaborator writes back after a failed delivery. The queue
// enforces no retry policy itself; it only records attempts and reaps
// entries that have aged out with their retry budget exhausted.
type OutboxEntry struct {
	ID       int64           `json:"id"`
	OwnerID  string          `json:"owner_id"`
	Op       Op              `json:"op"`
	Kind     Kind            `json:"kind"`
	TargetID string          `json:"target_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks outbox entry required fields.
func (e *OutboxEntry) Validate() error {
	if e.OwnerID == "" {
		return invalid("owner_id", "is required")
	}
	switch e.Op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return invalid("op", "must be create, update or delete")
	}
	switch e.Kind {
	case KindEvent, KindCategory, KindCalendar, KindPreferences:
	default:
		return invalid("kind", "unknown entity kind")
	}
	if e.TargetID == "" {
		return invalid("target_id", "is required")
	}
	return nil
}

// BackupRecord is the catalog row written for every persisted backup.
type BackupRecord struct {
	ID            int64     `json:"id"`
	OwnerID       string    `json:"owner_id"`
	CreatedAt     time.Time `json:"created_at"`
	SchemaVersion int       `json:"schema_version"`
	SizeBytes     int64     `json:"size_bytes"`
	Tables        []string  `json:"tables"`
	RecordCount   int       `json:"record_count"`
	Compressed    bool      `json:"compressed"`
	Encrypted     bool      `json:"encrypted"`
	Filename      string    `json:"filename"`
}

// Metric is one telemetry sample; the metrics table is the only required
// telemetry surface.
type Metric struct {
	ID          int64         `json:"id"`
	Operation   string        `json:"operation"`
	Duration    time.Duration `json:"duration"`
	RecordCount int           `json:"record_count,omitempty"`
	Success     bool          `json:"success"`
	CreatedAt   time.Time     `json:"created_at"`
}
