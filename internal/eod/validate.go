package eod

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Validation thresholds.
const (
	MaxHours              = 24.0
	MinTaskHours          = 6.0
	MismatchToleranceMins = 5.0
	LeadReviewCarryOver   = 4
	MeetingJustifyMinutes = 120
	MaxPriorities         = 3
	MaxSourceTasks        = 10
	minDescriptiveWords   = 10
)

// FieldError is one blocking problem with a submitted field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult carries blocking errors and non-blocking warnings. Step is
// where the user must go to fix the errors.
type ValidationResult struct {
	Step     models.EODStep `json:"step,omitempty"`
	Errors   []FieldError   `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// OK reports whether there are no blocking errors.
func (v ValidationResult) OK() bool { return len(v.Errors) == 0 }

func (v *ValidationResult) fail(field, format string, args ...any) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Low-information outcome templates: a filler lead-in followed by a short object.
var vagueTemplates = regexp.MustCompile(`(?i)^(worked on|working on|work on|continued( working on| with| on)?|continuing( with| on)?|progress on|made progress on|looked into|looking into|helped with|focused on|busy with|did|doing)\s+\S+(\s+\S+){0,3}[.!]?$`)

// actionVerbs mark an outcome as concrete even when it is short.
var actionVerbs = map[string]bool{
	"added": true, "analyzed": true, "automated": true, "built": true, "closed": true,
	"completed": true, "configured": true, "created": true, "debugged": true, "delivered": true,
	"deployed": true, "designed": true, "documented": true, "drafted": true, "finished": true,
	"fixed": true, "implemented": true, "integrated": true, "launched": true, "merged": true,
	"migrated": true, "optimized": true, "prepared": true, "presented": true, "published": true,
	"refactored": true, "released": true, "removed": true, "resolved": true, "reviewed": true,
	"shipped": true, "submitted": true, "tested": true, "updated": true, "wrote": true,
}

// IsVague reports whether an outcome description carries too little
// information: it matches a filler template, or it is under ten words with
// neither a digit nor a recognised action verb.
func IsVague(outcome string) bool {
	text := strings.TrimSpace(outcome)
	if text == "" {
		return true
	}
	if vagueTemplates.MatchString(text) {
		return true
	}
	words := strings.Fields(text)
	if len(words) >= minDescriptiveWords {
		return false
	}
	if strings.IndexFunc(text, unicode.IsDigit) >= 0 {
		return false
	}
	for _, w := range words {
		if actionVerbs[strings.ToLower(strings.Trim(w, ".,;:!?()\"'"))] {
			return false
		}
	}
	return true
}

// validLink accepts absolute http(s) URLs.
func validLink(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func hoursInRange(h float64) bool {
	return h > 0 && h <= MaxHours && !math.IsNaN(h)
}

func validateTask(t models.TaskEntry, sources []models.TrackerTask) ValidationResult {
	var v ValidationResult
	if strings.TrimSpace(t.Name) == "" {
		v.fail("name", "task name is required")
	}
	if !hoursInRange(t.Hours) {
		v.fail("hours", "hours must be greater than 0 and at most 24")
	}
	if t.CarryOverDays < 0 {
		v.fail("carry_over_days", "carry-over days cannot be negative")
	}
	if !t.Status.IsValid() {
		v.fail("status", "status must be one of completed, in_review, in_progress")
	}
	if strings.TrimSpace(t.Outcome) == "" {
		v.fail("outcome", "outcome is required")
	} else if IsVague(t.Outcome) {
		v.fail("outcome", "outcome is too vague; say what was produced or changed")
	}

	switch {
	case t.Link != "" && !validLink(t.Link):
		v.fail("link", "link is not a valid http(s) URL")
	case t.Link == "" && !t.NeedsCreation:
		v.fail("link", "add a tracker link or mark the task as needing creation")
	}

	switch t.Status {
	case models.TaskCompleted, models.TaskInReview:
		if t.DeliverableLink == "" {
			v.fail("deliverable_link", "a deliverable link is required for %s tasks", t.Status)
		} else if !validLink(t.DeliverableLink) {
			v.fail("deliverable_link", "deliverable link is not a valid http(s) URL")
		}
	case models.TaskInProgress:
		if t.ProgressPct == nil || *t.ProgressPct < 1 || *t.ProgressPct > 99 {
			v.fail("progress_pct", "progress must be between 1 and 99 for in-progress tasks")
		}
	}

	if b := t.Blocker; b != nil {
		filled := 0
		for _, f := range []string{b.What, b.Owner, b.Deadline} {
			if strings.TrimSpace(f) != "" {
				filled++
			}
		}
		if filled > 0 && filled < 3 {
			v.fail("blocker", "a blocker needs what, owner and deadline")
		}
	}

	if t.SourceTaskID != "" && findSource(sources, t.SourceTaskID) == nil {
		v.fail("source_task_id", "unknown tracker task %q", t.SourceTaskID)
	}
	return v
}

func validateMeetings(m models.MeetingInfo) ValidationResult {
	var v ValidationResult
	if m.Count < 0 {
		v.fail("count", "meeting count cannot be negative")
	}
	if m.TotalMinutes < 0 {
		v.fail("total_minutes", "meeting time cannot be negative")
	}
	if m.TotalMinutes > 0 && m.Count == 0 {
		v.fail("count", "meeting time was given but the count is zero")
	}
	if m.Count > 0 && m.TotalMinutes == 0 {
		v.fail("total_minutes", "meetings were counted but no time was given")
	}
	if m.Count > 0 {
		if len(m.Items) != m.Count {
			v.fail("items", "list %d meetings to match the count, got %d", m.Count, len(m.Items))
		}
		for i, it := range m.Items {
			if strings.TrimSpace(it.Name) == "" || it.Minutes <= 0 {
				v.fail(fmt.Sprintf("items[%d]", i), "each meeting needs a name and a duration")
			}
		}
	}
	if m.TotalMinutes > MeetingJustifyMinutes && strings.TrimSpace(m.Justification) == "" {
		v.fail("justification", "more than 2h of meetings needs a justification")
	}
	return v
}

func unplannedEmpty(u models.UnplannedInfo) bool {
	return strings.TrimSpace(u.Description) == "" && u.Hours == 0 && strings.TrimSpace(u.PulledFrom) == ""
}

func validateUnplanned(u models.UnplannedInfo) ValidationResult {
	var v ValidationResult
	if strings.TrimSpace(u.Description) == "" {
		v.fail("description", "describe the unplanned work")
	}
	if !hoursInRange(u.Hours) {
		v.fail("hours", "unplanned hours must be greater than 0 and at most 24")
	}
	if strings.TrimSpace(u.PulledFrom) == "" {
		v.fail("pulled_from", "say who or what pulled you in")
	}
	return v
}

func validateTomorrow(p models.PriorityList) ValidationResult {
	var v ValidationResult
	if len(p.Items) == 0 {
		v.fail("items", "name at least one priority for tomorrow")
	}
	if len(p.Items) > MaxPriorities {
		v.fail("items", "list at most %d priorities", MaxPriorities)
	}
	for i, it := range p.Items {
		if strings.TrimSpace(it.Name) == "" {
			v.fail(fmt.Sprintf("items[%d].name", i), "priority name is required")
		}
		if it.Link != "" && !validLink(it.Link) {
			v.fail(fmt.Sprintf("items[%d].link", i), "link is not a valid http(s) URL")
		}
	}
	return v
}

// Totals are the aggregate figures of a draft.
type Totals struct {
	TaskHours      float64
	MeetingMinutes int
	UnplannedHours float64
}

// LoggedMinutes is all accounted time in minutes.
func (t Totals) LoggedMinutes() float64 {
	return t.TaskHours*60 + float64(t.MeetingMinutes) + t.UnplannedHours*60
}

// TotalsOf sums a draft's task, meeting and unplanned time.
func TotalsOf(d models.EodDraft) Totals {
	var t Totals
	for _, task := range d.Tasks {
		t.TaskHours += task.Hours
	}
	if d.Meetings != nil {
		t.MeetingMinutes = d.Meetings.TotalMinutes
	}
	if d.Unplanned != nil {
		t.UnplannedHours = d.Unplanned.Hours
	}
	return t
}

// ValidateSubmission runs the cross-step checks of a complete draft. Missing
// sections are errors that send the user back to that step; the rest are
// warnings.
func ValidateSubmission(d models.EodDraft) ValidationResult {
	var v ValidationResult
	switch {
	case !hoursInRange(d.TotalHours):
		v.Step = models.StepHeader
		v.fail("total_hours", "total hours are missing")
	case len(d.Tasks) == 0:
		v.Step = models.StepTask
		v.fail("tasks", "add at least one task")
	case d.Meetings == nil:
		v.Step = models.StepMeetings
		v.fail("meetings", "the meetings step was not completed")
	case d.Tomorrow == nil || len(d.Tomorrow.Items) == 0:
		v.Step = models.StepTomorrow
		v.fail("tomorrow", "name at least one priority for tomorrow")
	}
	if !v.OK() {
		return v
	}

	totals := TotalsOf(d)
	if diff := math.Abs(totals.LoggedMinutes() - d.TotalHours*60); diff > MismatchToleranceMins {
		v.Warnings = append(v.Warnings, fmt.Sprintf(
			"logged time %s does not match the %s total (off by %.0f min)",
			formatHours(totals.LoggedMinutes()/60), formatHours(d.TotalHours), diff))
	}
	if totals.TaskHours < MinTaskHours {
		v.Warnings = append(v.Warnings, fmt.Sprintf(
			"task hours total %s, below the %s minimum", formatHours(totals.TaskHours), formatHours(MinTaskHours)))
	}
	for _, t := range d.Tasks {
		if t.CarryOverDays >= LeadReviewCarryOver {
			v.Warnings = append(v.Warnings, fmt.Sprintf(
				"%q has carried over %d days and is flagged for lead review", t.Name, t.CarryOverDays))
		}
	}
	var missing []string
	for _, t := range d.Tasks {
		if t.NeedsCreation {
			missing = append(missing, t.Name)
		}
	}
	if len(missing) > 0 {
		v.Warnings = append(v.Warnings, "tasks still need a tracker entry: "+strings.Join(missing, ", "))
	}
	return v
}

// NeedsLeadReview reports whether any task has aged past the carry-over limit.
func NeedsLeadReview(d models.EodDraft) bool {
	for _, t := range d.Tasks {
		if t.CarryOverDays >= LeadReviewCarryOver {
			return true
		}
	}
	return false
}

func formatHours(h float64) string {
	return fmt.Sprintf("%gh", math.Round(h*100)/100)
}

func findSource(sources []models.TrackerTask, id string) *models.TrackerTask {
	for i := range sources {
		if sources[i].ID == id {
			return &sources[i]
		}
	}
	return nil
}
