package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/schedule"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// Outcome describes what the router did with an inbound message.
type Outcome string

const (
	OutcomeHoursUpdated     Outcome = "hours_updated"
	OutcomeHoursRejected    Outcome = "hours_rejected"
	OutcomeStatusReply      Outcome = "status_reply"
	OutcomeEODReport        Outcome = "eod_report"
	OutcomeImplicitCheckin  Outcome = "implicit_checkin"
	OutcomeAlreadyCheckedIn Outcome = "already_checked_in"
	OutcomeUnhandled        Outcome = "unhandled"
)

// Reply texts.
const (
	ReplyHoursUpdated    = "Updated today's hours to %s."
	ReplyHoursRejected   = "Hours must be a number greater than 0 and at most 24."
	ReplyCheckedIn       = "Thanks, you're checked in."
	ReplyCheckedInLate   = "Thanks, you're checked in (late)."
	ReplyAlreadyIn       = "You're already checked in for today."
	ReplyReportReceived  = "Thanks, your end-of-day report was received."
	ReplyNothingExpected = "Nothing is pending right now. Send your hours worked as a number to update today's report."
)

// MaxReportHours is the upper bound for a day's hours.
const MaxReportHours = 24

var numericOnly = regexp.MustCompile(`^\d+(\.\d+)?$`)

// greetings are accepted as a check-in even when no prompt is pending.
var greetings = map[string]bool{
	"here":         true,
	"present":      true,
	"online":       true,
	"available":    true,
	"im here":      true,
	"i'm here":     true,
	"good morning": true,
	"morning":      true,
	"hi":           true,
	"hello":        true,
}

// HoursExtractor pulls total hours out of a free-text report.
type HoursExtractor interface {
	ExtractHours(ctx context.Context, report string) (float64, error)
}

// ScheduleResolver resolves a user's work schedule for a day.
type ScheduleResolver interface {
	Resolve(userID string, date time.Time) models.WorkSchedule
}

// Router consumes inbound free text according to the sender's mode.
type Router struct {
	sm        *StateMachine
	prompts   *store.PromptLog
	reports   *store.ReportLog
	sender    Sender
	schedules ScheduleResolver
	extractor HoursExtractor
	grace     time.Duration
	loc       *time.Location
	now       func() time.Time
}

// RouterConfig wires a Router.
type RouterConfig struct {
	States    *StateMachine
	Prompts   *store.PromptLog
	Reports   *store.ReportLog
	Sender    Sender
	Schedules ScheduleResolver
	// Extractor is optional; without it free-text reports carry no hours.
	Extractor HoursExtractor
	Grace     time.Duration
	Location  *time.Location
	Now       func() time.Time
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) *Router {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Router{
		sm:        cfg.States,
		prompts:   cfg.Prompts,
		reports:   cfg.Reports,
		sender:    cfg.Sender,
		schedules: cfg.Schedules,
		extractor: cfg.Extractor,
		grace:     cfg.Grace,
		loc:       loc,
		now:       now,
	}
}

// Handle routes one inbound message from user. A numeric-only message
// updates today's hours in any mode; other text is consumed by the pending
// mode, or checked against the greeting list when idle.
func (r *Router) Handle(ctx context.Context, user models.User, in models.Inbound) (Outcome, error) {
	at := in.ReceivedAt
	if at.IsZero() {
		at = r.now()
	}
	at = at.In(r.loc)
	day := models.DayKey(at)
	text := strings.TrimSpace(in.Text)

	if numericOnly.MatchString(text) {
		return r.handleHours(ctx, user, in, day, at, text)
	}

	mode, err := r.sm.Mode(ctx, user.ID)
	if err != nil {
		return "", err
	}
	slog.Debug("Router.Handle: routing", "userID", user.ID, "mode", mode)

	switch mode {
	case models.ModeAwaitingStatus:
		return r.handleStatus(ctx, user, in, day, at, text)
	case models.ModeAwaitingEOD:
		return r.handleEOD(ctx, user, in, day, at, text)
	}

	if greetings[normalizeGreeting(text)] {
		return r.handleImplicitCheckin(ctx, user, in, day, at, text)
	}
	r.reply(ctx, in, ReplyNothingExpected)
	return OutcomeUnhandled, nil
}

func (r *Router) handleHours(ctx context.Context, user models.User, in models.Inbound, day string, at time.Time, text string) (Outcome, error) {
	hours, err := strconv.ParseFloat(text, 64)
	if err != nil || hours <= 0 || hours > MaxReportHours {
		r.reply(ctx, in, ReplyHoursRejected)
		return OutcomeHoursRejected, nil
	}

	entry := models.ReportLogEntry{UserID: user.ID, Day: day}
	prev, err := r.reports.Latest(ctx, user.ID, day)
	switch {
	case err == nil:
		entry = prev
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("read today's report: %w", err)
	}
	entry.Source = models.ReportSourceHoursUpdate
	entry.SubmittedAt = at
	entry.Hours = &hours

	if _, err := r.reports.Append(ctx, entry); err != nil {
		return "", fmt.Errorf("append hours update: %w", err)
	}
	slog.Info("Router.handleHours: hours updated", "userID", user.ID, "day", day, "hours", hours)
	r.reply(ctx, in, fmt.Sprintf(ReplyHoursUpdated, strconv.FormatFloat(hours, 'f', -1, 64)))
	return OutcomeHoursUpdated, nil
}

func (r *Router) handleStatus(ctx context.Context, user models.User, in models.Inbound, day string, at time.Time, text string) (Outcome, error) {
	late := r.isLate(user.ID, at)
	if err := r.markStatus(ctx, user.ID, day, text, at, late); err != nil {
		return "", err
	}
	if err := r.sm.Clear(ctx, user.ID); err != nil {
		return "", err
	}
	slog.Info("Router.handleStatus: checked in", "userID", user.ID, "day", day, "late", late)
	if late {
		r.reply(ctx, in, ReplyCheckedInLate)
	} else {
		r.reply(ctx, in, ReplyCheckedIn)
	}
	return OutcomeStatusReply, nil
}

func (r *Router) handleEOD(ctx context.Context, user models.User, in models.Inbound, day string, at time.Time, text string) (Outcome, error) {
	entry := models.ReportLogEntry{
		UserID:      user.ID,
		Day:         day,
		Source:      models.ReportSourceFreeText,
		SubmittedAt: at,
		ReportText:  text,
	}
	if r.extractor != nil {
		hours, err := r.extractor.ExtractHours(ctx, text)
		switch {
		case err != nil:
			slog.Warn("Router.handleEOD: hours extraction failed", "userID", user.ID, "error", err)
		case hours > 0 && hours <= MaxReportHours:
			entry.Hours = &hours
		}
	}

	if _, err := r.reports.Append(ctx, entry); err != nil {
		return "", fmt.Errorf("append free-text report: %w", err)
	}
	if _, err := r.prompts.MarkResponded(ctx, user.ID, day, models.PromptEOD, text, at, false); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Router.handleEOD: failed to mark prompt responded", "userID", user.ID, "error", err)
	}
	if err := r.sm.Clear(ctx, user.ID); err != nil {
		return "", err
	}
	slog.Info("Router.handleEOD: free-text report logged", "userID", user.ID, "day", day)
	r.reply(ctx, in, ReplyReportReceived)
	return OutcomeEODReport, nil
}

func (r *Router) handleImplicitCheckin(ctx context.Context, user models.User, in models.Inbound, day string, at time.Time, text string) (Outcome, error) {
	cur, err := r.prompts.Latest(ctx, user.ID, day, models.PromptStatus)
	if err == nil && cur.Responded() {
		r.reply(ctx, in, ReplyAlreadyIn)
		return OutcomeAlreadyCheckedIn, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("read status prompt log: %w", err)
	}

	late := r.isLate(user.ID, at)
	if err := r.markStatus(ctx, user.ID, day, text, at, late); err != nil {
		return "", err
	}
	slog.Info("Router.handleImplicitCheckin: greeting accepted as check-in", "userID", user.ID, "day", day, "late", late)
	if late {
		r.reply(ctx, in, ReplyCheckedInLate)
	} else {
		r.reply(ctx, in, ReplyCheckedIn)
	}
	return OutcomeImplicitCheckin, nil
}

// markStatus records the status response. Without a prompt row for the day
// (missed or out-of-band prompt) a responded row is written directly.
func (r *Router) markStatus(ctx context.Context, userID, day, text string, at time.Time, late bool) error {
	_, err := r.prompts.MarkResponded(ctx, userID, day, models.PromptStatus, text, at, late)
	if errors.Is(err, store.ErrNotFound) {
		_, err = r.prompts.Record(ctx, models.PromptLogEntry{
			UserID:       userID,
			Day:          day,
			PromptType:   models.PromptStatus,
			SentAt:       at,
			RespondedAt:  &at,
			ResponseText: text,
			Late:         late,
		})
	}
	if err != nil {
		return fmt.Errorf("log status response: %w", err)
	}
	return nil
}

// isLate reports whether at is past the first block's start plus grace.
// Times more than half a day after the start count as early, not late.
func (r *Router) isLate(userID string, at time.Time) bool {
	if r.schedules == nil {
		return false
	}
	ws := r.schedules.Resolve(userID, at)
	after := schedule.MinutesAfter(at, ws.First().Start)
	return after > int(r.grace/time.Minute) && after <= models.MinutesPerDay/2
}

func (r *Router) reply(ctx context.Context, in models.Inbound, text string) {
	if in.ConversationID == "" || r.sender == nil {
		return
	}
	if err := r.sender.Send(ctx, models.Outbound{ConversationID: in.ConversationID, Text: text}); err != nil {
		slog.Error("Router.reply: send failed", "conversationID", in.ConversationID, "error", err)
	}
}

func normalizeGreeting(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.Trim(text, "!.,?:) ")
	text = strings.ReplaceAll(text, "’", "'")
	return strings.Join(strings.Fields(text), " ")
}
