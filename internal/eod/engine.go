// Package eod runs the structured end-of-day form: a multi-step wizard whose
// draft lives in the volatile cache and whose final report is appended to
// the report log.
package eod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// DefaultDraftTTL is how long an untouched draft survives.
const DefaultDraftTTL = 6 * time.Hour

// DueWindow is how far ahead tracker tasks are pulled into the snapshot.
const DueWindow = 7 * 24 * time.Hour

// ErrSessionExpired is returned when no usable draft exists for the user.
var ErrSessionExpired = errors.New("eod session expired or not started")

// TaskSource lists the tracker tasks due for a user.
type TaskSource interface {
	DueTasks(ctx context.Context, userID string, from, to time.Time) ([]models.TrackerTask, error)
}

// TaskWriter writes task status back to the tracker.
type TaskWriter interface {
	UpdateTask(ctx context.Context, taskID string, status models.TrackerStatus, reason string) error
}

// ModeClearer resets a user's conversation mode.
type ModeClearer interface {
	Clear(ctx context.Context, userID string) error
}

// Status summarises the outcome of a step submission.
type Status string

const (
	StatusSaved             Status = "saved"
	StatusInvalid           Status = "invalid"
	StatusNeedsConfirmation Status = "needs_confirmation"
	StatusSubmitted         Status = "submitted"
)

// StepResult is returned by every step submission.
type StepResult struct {
	Status     Status                 `json:"status"`
	Draft      models.EodDraft        `json:"draft"`
	Validation ValidationResult       `json:"validation"`
	Report     *models.ReportLogEntry `json:"report,omitempty"`
}

// Engine drives the EOD wizard for all users.
type Engine struct {
	cache   store.Cache
	reports *store.ReportLog
	tasks   TaskSource
	writer  TaskWriter
	modes   ModeClearer
	ttl     time.Duration
	loc     *time.Location
	now     func() time.Time
}

// Config wires an Engine. Tasks, Writer and Modes are optional.
type Config struct {
	Cache    store.Cache
	Reports  *store.ReportLog
	Tasks    TaskSource
	Writer   TaskWriter
	Modes    ModeClearer
	DraftTTL time.Duration
	Location *time.Location
	Now      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cache:   cfg.Cache,
		reports: cfg.Reports,
		tasks:   cfg.Tasks,
		writer:  cfg.Writer,
		modes:   cfg.Modes,
		ttl:     cfg.DraftTTL,
		loc:     cfg.Location,
		now:     cfg.Now,
	}
	if e.ttl <= 0 {
		e.ttl = DefaultDraftTTL
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// DraftKey is the cache key of a user's draft.
func DraftKey(userID string) string {
	return "eod:draft:" + userID
}

// Start returns the user's live draft, or opens a new one at the header step.
// With restart any existing draft is discarded.
func (e *Engine) Start(ctx context.Context, userID string, restart bool) (models.EodDraft, error) {
	if !restart {
		d, err := e.load(ctx, userID)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrSessionExpired) {
			return models.EodDraft{}, err
		}
	}
	now := e.now().In(e.loc)
	d := models.EodDraft{
		UserID:    userID,
		Day:       models.DayKey(now),
		Step:      models.StepHeader,
		StartedAt: now,
	}
	if err := e.save(ctx, d); err != nil {
		return models.EodDraft{}, err
	}
	slog.Info("Engine.Start: draft opened", "userID", userID, "day", d.Day)
	return d, nil
}

// Get returns the user's current draft.
func (e *Engine) Get(ctx context.Context, userID string) (models.EodDraft, error) {
	return e.load(ctx, userID)
}

// SubmitHeader records total hours and snapshots the user's due tracker tasks.
func (e *Engine) SubmitHeader(ctx context.Context, userID string, in HeaderInput) (StepResult, error) {
	d, err := e.load(ctx, userID)
	if err != nil {
		return StepResult{}, err
	}
	var snapshot []models.TrackerTask
	if d.Step == models.StepHeader {
		snapshot = e.snapshot(ctx, userID)
	}
	next, v := ApplyHeader(d, in, snapshot)
	return e.commit(ctx, d, next, v)
}

// SubmitTask saves one task card.
func (e *Engine) SubmitTask(ctx context.Context, userID string, in TaskInput) (StepResult, error) {
	d, err := e.load(ctx, userID)
	if err != nil {
		return StepResult{}, err
	}
	next, v, err := ApplyTask(d, in)
	if err != nil {
		return StepResult{}, err
	}
	return e.commit(ctx, d, next, v)
}

// SubmitMeetings records the meetings step.
func (e *Engine) SubmitMeetings(ctx context.Context, userID string, in MeetingsInput) (StepResult, error) {
	d, err := e.load(ctx, userID)
	if err != nil {
		return StepResult{}, err
	}
	next, v, err := ApplyMeetings(d, in)
	if err != nil {
		return StepResult{}, err
	}
	return e.commit(ctx, d, next, v)
}

// SubmitUnplanned records unplanned work.
func (e *Engine) SubmitUnplanned(ctx context.Context, userID string, in models.UnplannedInfo) (StepResult, error) {
	d, err := e.load(ctx, userID)
	if err != nil {
		return StepResult{}, err
	}
	next, v, err := ApplyUnplanned(d, in)
	if err != nil {
		return StepResult{}, err
	}
	return e.commit(ctx, d, next, v)
}

// SubmitTomorrow records tomorrow's priorities and submits the report. Errors
// send the user back to the offending step; warnings wait for Confirm.
func (e *Engine) SubmitTomorrow(ctx context.Context, userID string, in models.PriorityList) (StepResult, error) {
	d, err := e.load(ctx, userID)
	if err != nil {
		return StepResult{}, err
	}
	next, v, err := ApplyTomorrow(d, in)
	if err != nil {
		return StepResult{}, err
	}
	if !v.OK() {
		return StepResult{Status: StatusInvalid, Draft: d, Validation: v}, nil
	}

	final := ValidateSubmission(next)
	next.PendingWarnings = nil
	switch {
	case !final.OK():
		next.Step = final.Step
		if err := e.save(ctx, next); err != nil {
			return StepResult{}, err
		}
		return StepResult{Status: StatusInvalid, Draft: next, Validation: final}, nil
	case len(final.Warnings) > 0:
		next.PendingWarnings = final.Warnings
		if err := e.save(ctx, next); err != nil {
			return StepResult{}, err
		}
		slog.Info("Engine.SubmitTomorrow: awaiting confirmation", "userID", userID, "warnings", len(final.Warnings))
		return StepResult{Status: StatusNeedsConfirmation, Draft: next, Validation: final}, nil
	}
	return e.finalize(ctx, next, nil)
}

// Confirm accepts the pending warnings and submits without revalidating.
func (e *Engine) Confirm(ctx context.Context, userID string) (StepResult, error) {
	d, err := e.load(ctx, userID)
	if err != nil {
		return StepResult{}, err
	}
	if len(d.PendingWarnings) == 0 {
		return StepResult{}, fmt.Errorf("%w: nothing awaiting confirmation", ErrWrongStep)
	}
	return e.finalize(ctx, d, d.PendingWarnings)
}

// finalize appends the report, drops the draft and clears the user's mode.
// Tracker write-back runs last and never fails the submission.
func (e *Engine) finalize(ctx context.Context, d models.EodDraft, warnings []string) (StepResult, error) {
	totals := TotalsOf(d)
	hours := d.TotalHours
	entry := models.ReportLogEntry{
		UserID:         d.UserID,
		Day:            d.Day,
		Source:         models.ReportSourceStructured,
		SubmittedAt:    e.now(),
		ReportText:     RenderSummary(d),
		Hours:          &hours,
		TaskHours:      totals.TaskHours,
		MeetingMinutes: totals.MeetingMinutes,
		UnplannedHours: totals.UnplannedHours,
		TaskCount:      len(d.Tasks),
		Warnings:       warnings,
		LeadReview:     NeedsLeadReview(d),
	}
	if d.Tomorrow != nil {
		for _, p := range d.Tomorrow.Items {
			entry.Tomorrow = append(entry.Tomorrow, p.Name)
		}
	}
	d.PendingWarnings = nil
	snapshot := d.Clone()
	entry.Draft = &snapshot

	saved, err := e.reports.Append(ctx, entry)
	if err != nil {
		return StepResult{}, fmt.Errorf("append structured report: %w", err)
	}
	if err := e.cache.Delete(ctx, DraftKey(d.UserID)); err != nil {
		slog.Error("Engine.finalize: failed to drop draft", "userID", d.UserID, "error", err)
	}
	if e.modes != nil {
		if err := e.modes.Clear(ctx, d.UserID); err != nil {
			slog.Error("Engine.finalize: failed to clear mode", "userID", d.UserID, "error", err)
		}
	}
	slog.Info("Engine.finalize: report submitted", "userID", d.UserID, "day", d.Day, "tasks", len(d.Tasks), "warnings", len(warnings))
	e.writeBack(ctx, d)
	return StepResult{Status: StatusSubmitted, Draft: d, Validation: ValidationResult{Warnings: warnings}, Report: &saved}, nil
}

// writeBack mirrors task statuses into the tracker.
func (e *Engine) writeBack(ctx context.Context, d models.EodDraft) {
	if e.writer == nil {
		return
	}
	for _, t := range d.Tasks {
		if t.SourceTaskID == "" {
			continue
		}
		status, reason := trackerStatus(t)
		if status == "" {
			continue
		}
		if err := e.writer.UpdateTask(ctx, t.SourceTaskID, status, reason); err != nil {
			slog.Warn("Engine.writeBack: tracker update failed", "userID", d.UserID, "taskID", t.SourceTaskID, "error", err)
		}
	}
}

func trackerStatus(t models.TaskEntry) (models.TrackerStatus, string) {
	if t.Blocker != nil {
		return models.TrackerDelayed, t.Blocker.What
	}
	switch t.Status {
	case models.TaskCompleted:
		return models.TrackerComplete, ""
	case models.TaskInProgress:
		return models.TrackerInProgress, ""
	}
	return "", ""
}

func (e *Engine) snapshot(ctx context.Context, userID string) []models.TrackerTask {
	if e.tasks == nil {
		return nil
	}
	from := e.now().In(e.loc)
	tasks, err := e.tasks.DueTasks(ctx, userID, from, from.Add(DueWindow))
	if err != nil {
		slog.Warn("Engine.snapshot: tracker unavailable", "userID", userID, "error", err)
		return nil
	}
	return tasks
}

// commit saves next when the step passed validation.
func (e *Engine) commit(ctx context.Context, prev, next models.EodDraft, v ValidationResult) (StepResult, error) {
	if !v.OK() {
		return StepResult{Status: StatusInvalid, Draft: prev, Validation: v}, nil
	}
	next.PendingWarnings = nil
	if err := e.save(ctx, next); err != nil {
		return StepResult{}, err
	}
	return StepResult{Status: StatusSaved, Draft: next, Validation: v}, nil
}

func (e *Engine) load(ctx context.Context, userID string) (models.EodDraft, error) {
	raw, err := e.cache.Get(ctx, DraftKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return models.EodDraft{}, ErrSessionExpired
	}
	if err != nil {
		return models.EodDraft{}, fmt.Errorf("load draft: %w", err)
	}
	var d models.EodDraft
	if err := json.Unmarshal(raw, &d); err != nil || d.UserID != userID {
		slog.Warn("Engine.load: discarding unreadable draft", "userID", userID, "error", err)
		if err := e.cache.Delete(ctx, DraftKey(userID)); err != nil {
			slog.Error("Engine.load: failed to drop draft", "userID", userID, "error", err)
		}
		return models.EodDraft{}, ErrSessionExpired
	}
	return d, nil
}

func (e *Engine) save(ctx context.Context, d models.EodDraft) error {
	d.UpdatedAt = e.now()
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	if err := e.cache.Set(ctx, DraftKey(d.UserID), raw, e.ttl); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}
