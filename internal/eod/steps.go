package eod

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// ErrWrongStep is returned when a step is submitted out of order.
var ErrWrongStep = errors.New("step not available at this point of the form")

// HeaderInput is the header step payload.
type HeaderInput struct {
	TotalHours float64 `json:"total_hours"`
}

// TaskInput saves the task card at Index and, with Done, closes the task
// step. Index equal to the number of saved tasks appends; a lower index
// replaces that card. Task may be nil when only Done is sent.
type TaskInput struct {
	Index int               `json:"index"`
	Task  *models.TaskEntry `json:"task,omitempty"`
	Done  bool              `json:"done"`
}

// MeetingsInput is the meetings step payload. AddUnplanned detours through
// the unplanned-work step before tomorrow's priorities.
type MeetingsInput struct {
	Meetings     models.MeetingInfo `json:"meetings"`
	AddUnplanned bool               `json:"add_unplanned"`
}

var stepOrder = map[models.EODStep]int{
	models.StepHeader:    0,
	models.StepTask:      1,
	models.StepMeetings:  2,
	models.StepUnplanned: 3,
	models.StepTomorrow:  4,
}

// reached reports whether the draft has progressed to step s.
func reached(d models.EodDraft, s models.EODStep) bool {
	return stepOrder[d.Step] >= stepOrder[s]
}

func wrongStep(d models.EodDraft, s models.EODStep) error {
	return fmt.Errorf("%w: %s submitted while on %s", ErrWrongStep, s, d.Step)
}

// ApplyHeader records total hours. On the first submission the tracker
// snapshot is attached and the form advances to the first task card.
func ApplyHeader(d models.EodDraft, in HeaderInput, snapshot []models.TrackerTask) (models.EodDraft, ValidationResult) {
	var v ValidationResult
	if !hoursInRange(in.TotalHours) {
		v.fail("total_hours", "total hours must be greater than 0 and at most 24")
	}
	if !v.OK() {
		v.Step = models.StepHeader
		return d, v
	}
	out := d.Clone()
	out.TotalHours = in.TotalHours
	if d.Step == models.StepHeader {
		if len(snapshot) > MaxSourceTasks {
			snapshot = snapshot[:MaxSourceTasks]
		}
		out.SourceTasks = append([]models.TrackerTask(nil), snapshot...)
		out.Step = models.StepTask
		out.TaskIndex = 0
	}
	return out, v
}

// ApplyTask saves or replaces one task card and optionally closes the task step.
func ApplyTask(d models.EodDraft, in TaskInput) (models.EodDraft, ValidationResult, error) {
	if !reached(d, models.StepTask) {
		return d, ValidationResult{}, wrongStep(d, models.StepTask)
	}
	var v ValidationResult
	out := d.Clone()
	if in.Task != nil {
		if in.Index < 0 || in.Index > len(d.Tasks) {
			v.fail("index", "task index %d is out of range; %d tasks saved", in.Index, len(d.Tasks))
		} else {
			task := prefill(*in.Task, d.SourceTasks)
			if b := task.Blocker; b != nil && b.What == "" && b.Owner == "" && b.Deadline == "" {
				task.Blocker = nil
			}
			v = validateTask(task, d.SourceTasks)
			if v.OK() {
				if in.Index == len(out.Tasks) {
					out.Tasks = append(out.Tasks, task)
				} else {
					out.Tasks[in.Index] = task
				}
			}
		}
	}
	if v.OK() && in.Done && len(out.Tasks) == 0 {
		v.fail("tasks", "save at least one task before moving on")
	}
	if !v.OK() {
		v.Step = models.StepTask
		return d, v, nil
	}
	if d.Step == models.StepTask {
		if in.Done {
			out.Step = models.StepMeetings
		} else if in.Task != nil {
			out.TaskIndex = len(out.Tasks)
		}
	}
	return out, v, nil
}

// prefill copies tracker details into a card that references a tracker task.
func prefill(t models.TaskEntry, sources []models.TrackerTask) models.TaskEntry {
	src := findSource(sources, t.SourceTaskID)
	if src == nil {
		return t
	}
	if t.Name == "" {
		t.Name = src.Name
	}
	if t.Link == "" && !t.NeedsCreation {
		t.Link = src.URL
	}
	if t.CarryOverDays == 0 && src.IsOverdue {
		t.CarryOverDays = src.DaysOverdue
	}
	return t
}

// ApplyMeetings records the meetings step.
func ApplyMeetings(d models.EodDraft, in MeetingsInput) (models.EodDraft, ValidationResult, error) {
	if !reached(d, models.StepMeetings) {
		return d, ValidationResult{}, wrongStep(d, models.StepMeetings)
	}
	v := validateMeetings(in.Meetings)
	if !v.OK() {
		v.Step = models.StepMeetings
		return d, v, nil
	}
	out := d.Clone()
	m := in.Meetings
	m.Items = append([]models.Meeting(nil), in.Meetings.Items...)
	out.Meetings = &m
	if in.AddUnplanned {
		out.Step = models.StepUnplanned
	} else {
		out.Step = models.StepTomorrow
	}
	return out, v, nil
}

// ApplyUnplanned records unplanned work. An all-empty payload skips the step.
func ApplyUnplanned(d models.EodDraft, in models.UnplannedInfo) (models.EodDraft, ValidationResult, error) {
	if d.Meetings == nil {
		return d, ValidationResult{}, wrongStep(d, models.StepUnplanned)
	}
	out := d.Clone()
	if unplannedEmpty(in) {
		out.Unplanned = nil
		out.Step = models.StepTomorrow
		return out, ValidationResult{}, nil
	}
	v := validateUnplanned(in)
	if !v.OK() {
		v.Step = models.StepUnplanned
		return d, v, nil
	}
	u := in
	out.Unplanned = &u
	out.Step = models.StepTomorrow
	return out, v, nil
}

// ApplyTomorrow records tomorrow's priorities. Submission checks run after.
func ApplyTomorrow(d models.EodDraft, in models.PriorityList) (models.EodDraft, ValidationResult, error) {
	if d.Meetings == nil || !reached(d, models.StepUnplanned) {
		return d, ValidationResult{}, wrongStep(d, models.StepTomorrow)
	}
	v := validateTomorrow(in)
	if !v.OK() {
		v.Step = models.StepTomorrow
		return d, v, nil
	}
	out := d.Clone()
	out.Tomorrow = &models.PriorityList{Items: append([]models.Priority(nil), in.Items...)}
	out.Step = models.StepTomorrow
	return out, v, nil
}
