package report

import (
	"time"
)

// Well-known field names of a weekly report. The store and the conflict
// resolver treat fields as opaque; these constants exist so the HTTP layer
// and tests agree on spelling.
const (
	FieldTitle        = "title"
	FieldWeekOf       = "week_of"
	FieldWeeklyTasks  = "weekly_tasks"
	FieldProgressRate = "progress_rate"
	FieldIssues       = "issues"
	FieldNextWeekPlan = "next_week_plan"
)

// Fields maps a field name to its value. Enum-like and integer fields are
// carried in canonical string form so that field equality is byte equality,
// which is what conflict detection compares.
type Fields map[string]string

// Clone returns a deep copy of the field map. A nil map clones to an empty
// map so callers can mutate the result safely.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Equal reports whether two field maps hold exactly the same entries.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for k, v := range f {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Report is one weekly report document.
type Report struct {
	// ID is the stable document identifier. Empty for a document that has
	// never been saved.
	ID string `json:"id"`

	// Version is the optimistic lock token. Starts at 1 on first save and
	// increases by exactly 1 on every accepted write.
	Version int64 `json:"version"`

	// Fields holds the named field values of the report.
	Fields Fields `json:"fields"`

	// UpdatedBy is the display name of the user whose write produced this
	// version.
	UpdatedBy string `json:"updated_by"`

	// UpdatedAt is when this version was written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the report.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = r.Fields.Clone()
	return &out
}

// Actor identifies the acting user on a save or presence operation. It is
// supplied by the authentication layer, which is outside this subsystem.
type Actor struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}
