package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// Sender delivers outbound messages to a messaging platform.
type Sender interface {
	Send(ctx context.Context, msg models.Outbound) error
}

// Prompt texts.
const (
	StatusPromptText    = "Good morning %s! Are you online? Reply to check in."
	StatusFollowUpText  = "Reminder %s: we haven't heard from you yet today. Reply to check in."
	EODPromptText       = "Time to wrap up, %s. Please submit your end-of-day report."
	EODFollowUpText     = "Reminder %s: your end-of-day report for %s is still missing."
	EODEscalationText   = "%s has not submitted an end-of-day report for %s."
	eodFormCardTitle    = "End-of-day report"
	eodFormActionLabel  = "Open form"
	eodFreeTextFallback = " You can also reply here with a short summary."
)

// Prompter sends the four prompt types, moves the user into the matching
// waiting mode and records every send in the prompt log.
type Prompter struct {
	sender   Sender
	contacts *Contacts
	sm       *StateMachine
	prompts  *store.PromptLog
	reports  *store.ReportLog
	roster   Roster
	formLink func(userID string) string
	now      func() time.Time
}

// PrompterConfig wires a Prompter.
type PrompterConfig struct {
	Sender   Sender
	Contacts *Contacts
	States   *StateMachine
	Prompts  *store.PromptLog
	Reports  *store.ReportLog
	Roster   Roster
	// FormLink builds the structured form URL for a user. Nil disables the card.
	FormLink func(userID string) string
	Now      func() time.Time
}

// NewPrompter creates a Prompter.
func NewPrompter(cfg PrompterConfig) *Prompter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Prompter{
		sender:   cfg.Sender,
		contacts: cfg.Contacts,
		sm:       cfg.States,
		prompts:  cfg.Prompts,
		reports:  cfg.Reports,
		roster:   cfg.Roster,
		formLink: cfg.FormLink,
		now:      now,
	}
}

// Send dispatches the prompt of type pt. It reports false when the action
// was a no-op because the user already answered.
func (p *Prompter) Send(ctx context.Context, user models.User, day string, pt models.PromptType) (bool, error) {
	switch pt {
	case models.PromptStatus:
		return p.SendStatusPrompt(ctx, user, day)
	case models.PromptStatusFollowUp:
		return p.SendStatusFollowUp(ctx, user, day)
	case models.PromptEOD:
		return p.SendEODPrompt(ctx, user, day)
	case models.PromptEODFollowUp:
		return p.SendEODFollowUp(ctx, user, day)
	}
	return false, fmt.Errorf("unknown prompt type %q", pt)
}

// SendStatusPrompt asks the user to check in and waits for a status reply.
// A user who already checked in today is left alone.
func (p *Prompter) SendStatusPrompt(ctx context.Context, user models.User, day string) (bool, error) {
	responded, err := p.statusAnswered(ctx, user.ID, day)
	if err != nil {
		return false, err
	}
	if responded {
		slog.Debug("Prompter.SendStatusPrompt: already checked in", "userID", user.ID, "day", day)
		return false, nil
	}
	msg := models.Outbound{Text: fmt.Sprintf(StatusPromptText, displayName(user))}
	return true, p.deliver(ctx, user, day, models.PromptStatus, models.ModeAwaitingStatus, msg)
}

// SendStatusFollowUp reminds a user who has not answered today's status prompt.
func (p *Prompter) SendStatusFollowUp(ctx context.Context, user models.User, day string) (bool, error) {
	responded, err := p.statusAnswered(ctx, user.ID, day)
	if err != nil {
		return false, err
	}
	if responded {
		slog.Debug("Prompter.SendStatusFollowUp: already checked in", "userID", user.ID, "day", day)
		return false, nil
	}
	msg := models.Outbound{Text: fmt.Sprintf(StatusFollowUpText, displayName(user))}
	return true, p.deliver(ctx, user, day, models.PromptStatusFollowUp, models.ModeAwaitingStatus, msg)
}

// SendEODPrompt asks for the end-of-day report unless one is already in.
func (p *Prompter) SendEODPrompt(ctx context.Context, user models.User, day string) (bool, error) {
	submitted, err := p.reportSubmitted(ctx, user.ID, day)
	if err != nil {
		return false, err
	}
	if submitted {
		slog.Debug("Prompter.SendEODPrompt: report already submitted", "userID", user.ID, "day", day)
		return false, nil
	}
	msg := p.eodMessage(user, fmt.Sprintf(EODPromptText, displayName(user)))
	return true, p.deliver(ctx, user, day, models.PromptEOD, models.ModeAwaitingEOD, msg)
}

// SendEODFollowUp reminds a user without a report and, once the reminder is
// out, notifies their lead.
func (p *Prompter) SendEODFollowUp(ctx context.Context, user models.User, day string) (bool, error) {
	submitted, err := p.reportSubmitted(ctx, user.ID, day)
	if err != nil {
		return false, err
	}
	if submitted {
		return false, nil
	}
	msg := p.eodMessage(user, fmt.Sprintf(EODFollowUpText, displayName(user), day))
	if err := p.send(ctx, user, models.PromptEODFollowUp, msg); err != nil {
		return false, err
	}
	escalated := p.escalate(ctx, user, day)
	return true, p.record(ctx, user, day, models.PromptEODFollowUp, models.ModeAwaitingEOD, escalated)
}

func (p *Prompter) eodMessage(user models.User, text string) models.Outbound {
	msg := models.Outbound{Text: text + eodFreeTextFallback}
	if p.formLink != nil {
		msg.Card = &models.Card{
			Title:   eodFormCardTitle,
			Actions: []models.CardAction{{Label: eodFormActionLabel, URL: p.formLink(user.ID)}},
		}
	}
	return msg
}

// deliver sends msg, then sets the waiting mode and logs the prompt. A send
// failure leaves state and log untouched.
func (p *Prompter) deliver(ctx context.Context, user models.User, day string, pt models.PromptType, mode models.ConversationMode, msg models.Outbound) error {
	if err := p.send(ctx, user, pt, msg); err != nil {
		return err
	}
	return p.record(ctx, user, day, pt, mode, false)
}

func (p *Prompter) send(ctx context.Context, user models.User, pt models.PromptType, msg models.Outbound) error {
	to, err := p.contacts.Resolve(ctx, user.ID)
	if err != nil {
		return err
	}
	msg.ConversationID = to
	if err := p.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", pt, err)
	}
	return nil
}

// record sets the waiting mode and logs a delivered prompt.
func (p *Prompter) record(ctx context.Context, user models.User, day string, pt models.PromptType, mode models.ConversationMode, escalated bool) error {
	if err := p.sm.Set(ctx, user.ID, mode); err != nil {
		return err
	}
	if _, err := p.prompts.Record(ctx, models.PromptLogEntry{
		UserID:     user.ID,
		Day:        day,
		PromptType: pt,
		SentAt:     p.now(),
		Escalated:  escalated,
	}); err != nil {
		return fmt.Errorf("log %s: %w", pt, err)
	}
	slog.Info("Prompter.record: prompt sent", "userID", user.ID, "promptType", pt, "day", day)
	return nil
}

// escalate tells the user's lead that the report is missing. Failures are
// logged; the reminder to the user still goes out.
func (p *Prompter) escalate(ctx context.Context, user models.User, day string) bool {
	lead, ok := p.roster.Lead(user.ID)
	if !ok {
		return false
	}
	to, err := p.contacts.Resolve(ctx, lead.ID)
	if err != nil {
		slog.Warn("Prompter.escalate: lead unreachable", "userID", user.ID, "leadID", lead.ID, "error", err)
		return false
	}
	msg := models.Outbound{ConversationID: to, Text: fmt.Sprintf(EODEscalationText, displayName(user), day)}
	if err := p.sender.Send(ctx, msg); err != nil {
		slog.Error("Prompter.escalate: send failed", "userID", user.ID, "leadID", lead.ID, "error", err)
		return false
	}
	slog.Info("Prompter.escalate: lead notified", "userID", user.ID, "leadID", lead.ID, "day", day)
	return true
}

func (p *Prompter) statusAnswered(ctx context.Context, userID, day string) (bool, error) {
	e, err := p.prompts.Latest(ctx, userID, day, models.PromptStatus)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read status prompt log: %w", err)
	}
	return e.Responded(), nil
}

// reportSubmitted reports whether a structured or free-text report exists for
// the day. Hours-only rows do not count.
func (p *Prompter) reportSubmitted(ctx context.Context, userID, day string) (bool, error) {
	rows, err := p.reports.History(ctx, userID, day)
	if err != nil {
		return false, fmt.Errorf("read report log: %w", err)
	}
	for _, r := range rows {
		if r.Source.IsReport() {
			return true, nil
		}
	}
	return false, nil
}

func displayName(u models.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}
