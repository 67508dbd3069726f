package models

import "time"

// EODStep is a position in the structured end-of-day form.
type EODStep string

const (
	StepHeader    EODStep = "header"
	StepTask      EODStep = "task"
	StepMeetings  EODStep = "meetings"
	StepUnplanned EODStep = "unplanned"
	StepTomorrow  EODStep = "tomorrow"
)

// TaskStatus is the state a worker reports for a task entry.
type TaskStatus string

const (
	TaskCompleted  TaskStatus = "completed"
	TaskInReview   TaskStatus = "in_review"
	TaskInProgress TaskStatus = "in_progress"
)

// IsValid reports whether s is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskCompleted, TaskInReview, TaskInProgress:
		return true
	}
	return false
}

// Blocker describes what is blocking a task. All fields are set or none are.
type Blocker struct {
	What     string `json:"what,omitempty"`
	Owner    string `json:"owner,omitempty"`
	Deadline string `json:"deadline,omitempty"`
}

// TaskEntry is one task card of the EOD form.
type TaskEntry struct {
	Name            string     `json:"name"`
	Hours           float64    `json:"hours"`
	CarryOverDays   int        `json:"carry_over_days"`
	Link            string     `json:"link,omitempty"`
	NeedsCreation   bool       `json:"needs_creation,omitempty"`
	Status          TaskStatus `json:"status"`
	Outcome         string     `json:"outcome"`
	DeliverableLink string     `json:"deliverable_link,omitempty"`
	ProgressPct     *int       `json:"progress_pct,omitempty"`
	Blocker         *Blocker   `json:"blocker,omitempty"`
	Issue           string     `json:"issue,omitempty"`
	SourceTaskID    string     `json:"source_task_id,omitempty"`
}

// Meeting is a single named meeting and its duration.
type Meeting struct {
	Name    string `json:"name"`
	Minutes int    `json:"minutes"`
}

// MeetingInfo is the meetings step of the EOD form.
type MeetingInfo struct {
	Count         int       `json:"count"`
	TotalMinutes  int       `json:"total_minutes"`
	Items         []Meeting `json:"items,omitempty"`
	Justification string    `json:"justification,omitempty"`
}

// UnplannedInfo is the optional unplanned-work step of the EOD form.
type UnplannedInfo struct {
	Description string  `json:"description"`
	Hours       float64 `json:"hours"`
	PulledFrom  string  `json:"pulled_from"`
}

// Priority is one of tomorrow's planned items.
type Priority struct {
	Name string `json:"name"`
	Link string `json:"link,omitempty"`
}

// PriorityList is the tomorrow step of the EOD form.
type PriorityList struct {
	Items []Priority `json:"items"`
}

// TrackerTask is a normalized task record from the task tracker.
type TrackerTask struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DueDate     string `json:"due_date,omitempty"`
	IsOverdue   bool   `json:"is_overdue"`
	DaysOverdue int    `json:"days_overdue"`
	Status      string `json:"status"`
	URL         string `json:"url,omitempty"`
}

// EodDraft is the in-progress structured report held in the volatile cache.
type EodDraft struct {
	UserID      string         `json:"user_id"`
	Day         string         `json:"day"`
	Step        EODStep        `json:"step"`
	TaskIndex   int            `json:"task_index"`
	TotalHours  float64        `json:"total_hours"`
	Tasks       []TaskEntry    `json:"tasks"`
	Meetings    *MeetingInfo   `json:"meetings,omitempty"`
	Unplanned   *UnplannedInfo `json:"unplanned,omitempty"`
	Tomorrow    *PriorityList  `json:"tomorrow,omitempty"`
	SourceTasks []TrackerTask  `json:"source_tasks,omitempty"`
	// PendingWarnings holds submit-time warnings awaiting confirmation.
	PendingWarnings []string  `json:"pending_warnings,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Clone returns a deep copy so a rejected step never mutates the stored draft.
func (d EodDraft) Clone() EodDraft {
	out := d
	out.Tasks = append([]TaskEntry(nil), d.Tasks...)
	for i := range out.Tasks {
		if p := out.Tasks[i].ProgressPct; p != nil {
			v := *p
			out.Tasks[i].ProgressPct = &v
		}
		if b := out.Tasks[i].Blocker; b != nil {
			v := *b
			out.Tasks[i].Blocker = &v
		}
	}
	if d.Meetings != nil {
		m := *d.Meetings
		m.Items = append([]Meeting(nil), d.Meetings.Items...)
		out.Meetings = &m
	}
	if d.Unplanned != nil {
		u := *d.Unplanned
		out.Unplanned = &u
	}
	if d.Tomorrow != nil {
		t := PriorityList{Items: append([]Priority(nil), d.Tomorrow.Items...)}
		out.Tomorrow = &t
	}
	out.SourceTasks = append([]TrackerTask(nil), d.SourceTasks...)
	out.PendingWarnings = append([]string(nil), d.PendingWarnings...)
	return out
}

// TrackerStatus is a task status written back to the task tracker.
type TrackerStatus string

const (
	TrackerComplete   TrackerStatus = "complete"
	TrackerInProgress TrackerStatus = "in_progress"
	TrackerDelayed    TrackerStatus = "delayed"
)
