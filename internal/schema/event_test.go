package schema

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validEvent() *Event {
	return &Event{
		ID:        NewID("ev"),
		OwnerID:   "user-1",
		Title:     "Team standup",
		StartTime: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestEventValidate(t *testing.T) {
	if err := validEvent().Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{"missing owner", func(e *Event) { e.OwnerID = "" }, "owner_id"},
		{"missing title", func(e *Event) { e.Title = "" }, "title"},
		{"title too long", func(e *Event) { e.Title = strings.Repeat("x", 501) }, "title"},
		{"missing start", func(e *Event) { e.StartTime = time.Time{} }, "start_time"},
		{"end before start", func(e *Event) {
			end := e.StartTime.Add(-time.Hour)
			e.EndTime = &end
		}, "end_time"},
		{"bad recurrence", func(e *Event) {
			e.Recurrence = &RecurrenceRule{Frequency: "fortnightly"}
		}, "recurrence.frequency"},
		{"bad sync status", func(e *Event) { e.SyncStatus = "uploaded" }, "sync_status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mutate(ev)
			err := ev.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}

func TestStampCreate(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	ev := validEvent()
	ev.StampCreate(now)
	if !ev.CreatedAt.Equal(now) || !ev.UpdatedAt.Equal(now) || !ev.LastModified.Equal(now) {
		t.Errorf("fresh record not stamped to now: created=%v updated=%v modified=%v",
			ev.CreatedAt, ev.UpdatedAt, ev.LastModified)
	}
	if ev.SyncStatus != SyncLocal {
		t.Errorf("sync status = %q, want %q", ev.SyncStatus, SyncLocal)
	}
}

func TestStampCreatePreservesRestoredTimestamps(t *testing.T) {
	created := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	updated := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	ev := validEvent()
	ev.CreatedAt = created
	ev.UpdatedAt = updated
	ev.SyncStatus = SyncSynced
	ev.StampCreate(time.Now())

	if !ev.CreatedAt.Equal(created) {
		t.Errorf("created_at overwritten: %v", ev.CreatedAt)
	}
	if !ev.UpdatedAt.Equal(updated) {
		t.Errorf("updated_at overwritten: %v", ev.UpdatedAt)
	}
	if !ev.LastModified.Equal(updated) {
		t.Errorf("last_modified = %v, want %v", ev.LastModified, updated)
	}
	if ev.SyncStatus != SyncSynced {
		t.Errorf("pre-set sync status overwritten: %q", ev.SyncStatus)
	}
}

func TestStampUpdate(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	ev := validEvent()
	ev.StampCreate(now)
	ev.SyncStatus = SyncSynced

	later := now.Add(time.Minute)
	ev.StampUpdate(later, false)
	if !ev.UpdatedAt.Equal(later) || !ev.LastModified.Equal(later) {
		t.Errorf("update not stamped: updated=%v modified=%v", ev.UpdatedAt, ev.LastModified)
	}
	if ev.SyncStatus != SyncPending {
		t.Errorf("sync status = %q, want %q", ev.SyncStatus, SyncPending)
	}
	if !ev.CreatedAt.Equal(now) {
		t.Errorf("created_at changed on update: %v", ev.CreatedAt)
	}
}

func TestStampUpdateStrictlyIncreasing(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	ev := validEvent()
	ev.StampCreate(now)

	// Same clock reading twice; updated_at must still advance.
	prev := ev.UpdatedAt
	ev.StampUpdate(now, false)
	if !ev.UpdatedAt.After(prev) {
		t.Errorf("updated_at did not advance: %v -> %v", prev, ev.UpdatedAt)
	}
}

func TestStampUpdatePreserveSync(t *testing.T) {
	ev := validEvent()
	ev.StampCreate(time.Now())
	ev.SyncStatus = SyncSynced

	ev.StampUpdate(time.Now(), true)
	if ev.SyncStatus != SyncSynced {
		t.Errorf("preserveSync did not hold status: %q", ev.SyncStatus)
	}
}

func TestDedupKey(t *testing.T) {
	a := validEvent()
	b := validEvent()
	b.ID = NewID("ev")
	b.Description = "different body, same identity"
	if a.DedupKey() != b.DedupKey() {
		t.Errorf("same owner/title/start produced different keys")
	}

	c := validEvent()
	c.StartTime = c.StartTime.Add(time.Hour)
	if a.DedupKey() == c.DedupKey() {
		t.Errorf("different start time produced same key")
	}
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID("ev")
		if !strings.HasPrefix(id, "ev-") {
			t.Fatalf("missing prefix: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id: %q", id)
		}
		seen[id] = true
	}
}

func TestOutboxEntryValidate(t *testing.T) {
	entry := &OutboxEntry{OwnerID: "user-1", Op: OpCreate, Kind: KindEvent, TargetID: "ev-1"}
	if err := entry.Validate(); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}
	entry.Op = "upsert"
	if err := entry.Validate(); err == nil {
		t.Errorf("unknown op accepted")
	}
}
