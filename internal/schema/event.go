package schema

import (
	"time"
)

// RecurrenceRule describes how an event repeats. Frequency is one of
// daily, weekly, monthly, yearly; the remaining fields narrow the series.
type RecurrenceRule struct {
	Frequency string     `json:"frequency"`
	Interval  int        `json:"interval,omitempty"`
	Count     int        `json:"count,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	ByDay     []string   `json:"by_day,omitempty"`
	ByMonth   []int      `json:"by_month,omitempty"`
}

// Reminder is a single notification lead time for an event.
type Reminder struct {
	MinutesBefore int    `json:"minutes_before"`
	Method        string `json:"method,omitempty"` // popup, email
}

// Attendee is a participant attached to an event.
type Attendee struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email"`
	Status string `json:"status,omitempty"` // accepted, declined, tentative
}

// Event is the primary calendar record.
//
// Deletion is soft by default: IsDeleted records stay in the store, with
// sync status pending, until the retention sweep purges them or a hard
// delete is requested explicitly.
type Event struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	AllDay    bool       `json:"all_day,omitempty"`

	// CategoryID and the calendar reference in Metadata are carried by
	// value; they are not foreign keys and may dangle after a restore,
	// since restored records receive new local identifiers.
	CategoryID string `json:"category_id,omitempty"`

	Recurrence *RecurrenceRule `json:"recurrence,omitempty"`
	Reminders  []Reminder      `json:"reminders,omitempty"`
	Attendees  []Attendee      `json:"attendees,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`

	IsDeleted bool `json:"is_deleted,omitempty"`

	stamps
}

// Validate checks the event for the fields the store refuses to persist
// without. Validation failures are rejected before any write.
func (e *Event) Validate() error {
	if e.OwnerID == "" {
		return invalid("owner_id", "is required")
	}
	if e.Title == "" {
		return invalid("title", "is required")
	}
	if len(e.Title) > 500 {
		return invalid("title", "must be 500 characters or less")
	}
	if e.StartTime.IsZero() {
		return invalid("start_time", "is required")
	}
	if e.EndTime != nil && e.EndTime.Before(e.StartTime) {
		return invalid("end_time", "must not precede start_time")
	}
	if e.Recurrence != nil {
		switch e.Recurrence.Frequency {
		case "daily", "weekly", "monthly", "yearly":
		default:
			return invalid("recurrence.frequency", "must be daily, weekly, monthly or yearly")
		}
	}
	return e.validateStamps()
}

// DedupKey is the duplicate-detection key used by bulk import and the
// merge restore policy: owner plus title plus start time.
func (e *Event) DedupKey() string {
	return e.OwnerID + "\x00" + e.Title + "\x00" + e.StartTime.UTC().Format(time.RFC3339Nano)
}
