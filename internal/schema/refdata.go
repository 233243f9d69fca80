package schema

import "time"

// Category is a user-defined event grouping.
type Category struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
	Color   string `json:"color,omitempty"`
	Icon    string `json:"icon,omitempty"`

	stamps
}

// Validate checks category required fields.
func (c *Category) Validate() error {
	if c.OwnerID == "" {
		return invalid("owner_id", "is required")
	}
	if c.Name == "" {
		return invalid("name", "is required")
	}
	return c.validateStamps()
}

// Calendar is a named collection events can be filed under via metadata.
type Calendar struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	IsDefault   bool   `json:"is_default,omitempty"`
	IsShared    bool   `json:"is_shared,omitempty"`

	stamps
}

// Validate checks calendar required fields.
func (c *Calendar) Validate() error {
	if c.OwnerID == "" {
		return invalid("owner_id", "is required")
	}
	if c.Name == "" {
		return invalid("name", "is required")
	}
	return c.validateStamps()
}

// Preferences holds the single per-owner settings record.
type Preferences struct {
	OwnerID    string `json:"owner_id"`
	Theme      string `json:"theme,omitempty"`
	TimeFormat string `json:"time_format,omitempty"` // 12h or 24h
	Timezone   string `json:"timezone,omitempty"`

	// Working hours as minutes from midnight, local to Timezone.
	WorkStartMinute int `json:"work_start_minute,omitempty"`
	WorkEndMinute   int `json:"work_end_minute,omitempty"`

	OfflineMode bool `json:"offline_mode,omitempty"`
	AutoSync    bool `json:"auto_sync,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks preferences required fields.
func (p *Preferences) Validate() error {
	if p.OwnerID == "" {
		return invalid("owner_id", "is required")
	}
	switch p.TimeFormat {
	case "", "12h", "24h":
	default:
		return invalid("time_format", "must be 12h or 24h")
	}
	if p.WorkEndMinute != 0 && p.WorkEndMinute <= p.WorkStartMinute {
		return invalid("work_end_minute", "must be after work_start_minute")
	}
	return nil
}
