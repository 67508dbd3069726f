package models

import "time"

// PromptLogEntry records one sent prompt or a reply to it. Rows are appended,
// never updated; the latest row per (user, day, prompt type) is current.
type PromptLogEntry struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Day          string     `json:"day"`
	PromptType   PromptType `json:"prompt_type"`
	SentAt       time.Time  `json:"sent_at"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
	ResponseText string     `json:"response_text,omitempty"`
	Late         bool       `json:"late,omitempty"`
	Escalated    bool       `json:"escalated,omitempty"`
}

// Responded reports whether the prompt has been answered.
func (e PromptLogEntry) Responded() bool {
	return e.RespondedAt != nil
}

// ReportSource identifies how a report row was produced.
type ReportSource string

const (
	ReportSourceStructured  ReportSource = "structured"
	ReportSourceFreeText    ReportSource = "free_text"
	ReportSourceHoursUpdate ReportSource = "hours_update"
)

// IsReport reports whether rows of this source are an actual EOD report
// rather than an hours correction.
func (s ReportSource) IsReport() bool {
	return s == ReportSourceStructured || s == ReportSourceFreeText
}

// ReportLogEntry is one appended EOD report row. Aggregate draft fields are
// flattened so readers that only know the free-text shape still work.
type ReportLogEntry struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	Day            string       `json:"day"`
	Source         ReportSource `json:"source"`
	SubmittedAt    time.Time    `json:"submitted_at"`
	ReportText     string       `json:"report_text"`
	Hours          *float64     `json:"hours,omitempty"`
	TaskHours      float64      `json:"task_hours,omitempty"`
	MeetingMinutes int          `json:"meeting_minutes,omitempty"`
	UnplannedHours float64      `json:"unplanned_hours,omitempty"`
	TaskCount      int          `json:"task_count,omitempty"`
	Tomorrow       []string     `json:"tomorrow,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
	LeadReview     bool         `json:"lead_review,omitempty"`
	Draft          *EodDraft    `json:"draft,omitempty"`
}
