// Package dispatch decides, on each scheduled tick, which prompts are due
// and sends each at most once per user, prompt type and day.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/schedule"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// MarkerTTL keeps a sent marker alive past the end of an overnight day.
const MarkerTTL = 36 * time.Hour

// Roster selects who the dispatcher and the fixed-time entry points serve.
type Roster interface {
	IsWorkday(at time.Time) bool
	DispatchedUsers(at time.Time) []models.User
	FixedTimeUsers(at time.Time) []models.User
}

// Resolver resolves a user's schedule for a day.
type Resolver interface {
	Resolve(userID string, date time.Time) models.WorkSchedule
}

// Prompter performs the prompt action. It reports false when the action was
// a no-op, such as a follow-up to a user who already answered.
type Prompter interface {
	Send(ctx context.Context, user models.User, day string, pt models.PromptType) (bool, error)
}

// Summary counts what one pass did.
type Summary struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Dispatcher runs the windowed pass and the fixed-time entry points.
type Dispatcher struct {
	mu       sync.Mutex
	roster   Roster
	resolver Resolver
	prompter Prompter
	markers  store.Cache
	loc      *time.Location
	now      func() time.Time
}

// Config wires a Dispatcher.
type Config struct {
	Roster   Roster
	Resolver Resolver
	Prompter Prompter
	Markers  store.Cache
	Location *time.Location
	Now      func() time.Time
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		roster:   cfg.Roster,
		resolver: cfg.Resolver,
		prompter: cfg.Prompter,
		markers:  cfg.Markers,
		loc:      cfg.Location,
		now:      cfg.Now,
	}
	if d.loc == nil {
		d.loc = time.UTC
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// MarkerKey is the cache key recording that pt was handled for user on day.
func MarkerKey(day, userID string, pt models.PromptType) string {
	return fmt.Sprintf("dispatch:%s:%s:%s", day, userID, pt)
}

// Run fires every prompt whose window contains the current minute for the
// users on the dispatcher track. Per-user failures are logged and counted.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	at := d.now().In(d.loc)
	var sum Summary
	if !d.roster.IsWorkday(at) {
		slog.Debug("Dispatcher.Run: not a workday", "day", models.DayKey(at))
		return sum, nil
	}
	day := models.DayKey(at)
	minute := schedule.MinuteOfDay(at)
	for _, user := range d.roster.DispatchedUsers(at) {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		ws := d.resolver.Resolve(user.ID, at)
		for _, pt := range models.AllPromptTypes {
			w := schedule.WindowFor(pt, ws)
			if !w.Contains(minute) {
				continue
			}
			slog.Debug("Dispatcher.Run: window open", "userID", user.ID, "promptType", pt, "window", w.String())
			d.fire(ctx, user, day, pt, &sum)
		}
	}
	slog.Info("Dispatcher.Run: pass complete", "day", day, "minute", models.Clock(minute).String(),
		"sent", sum.Sent, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

// StatusPrompts sends the status prompt to the fixed-time users.
func (d *Dispatcher) StatusPrompts(ctx context.Context) (Summary, error) {
	return d.runFixed(ctx, models.PromptStatus)
}

// StatusFollowUps sends the status follow-up to the fixed-time users.
func (d *Dispatcher) StatusFollowUps(ctx context.Context) (Summary, error) {
	return d.runFixed(ctx, models.PromptStatusFollowUp)
}

// EODPrompts sends the EOD prompt to the fixed-time users.
func (d *Dispatcher) EODPrompts(ctx context.Context) (Summary, error) {
	return d.runFixed(ctx, models.PromptEOD)
}

// EODFollowUps sends the EOD follow-up to the fixed-time users.
func (d *Dispatcher) EODFollowUps(ctx context.Context) (Summary, error) {
	return d.runFixed(ctx, models.PromptEODFollowUp)
}

func (d *Dispatcher) runFixed(ctx context.Context, pt models.PromptType) (Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	at := d.now().In(d.loc)
	var sum Summary
	if !d.roster.IsWorkday(at) {
		slog.Debug("Dispatcher.runFixed: not a workday", "promptType", pt, "day", models.DayKey(at))
		return sum, nil
	}
	day := models.DayKey(at)
	for _, user := range d.roster.FixedTimeUsers(at) {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		d.fire(ctx, user, day, pt, &sum)
	}
	slog.Info("Dispatcher.runFixed: pass complete", "promptType", pt, "day", day,
		"sent", sum.Sent, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

// fire performs one prompt action unless its marker exists. The marker is
// written only after the action succeeds, so a failure is retried by the
// next pass that still falls inside the window.
func (d *Dispatcher) fire(ctx context.Context, user models.User, day string, pt models.PromptType, sum *Summary) {
	key := MarkerKey(day, user.ID, pt)
	_, err := d.markers.Get(ctx, key)
	switch {
	case err == nil:
		sum.Skipped++
		return
	case !errors.Is(err, store.ErrNotFound):
		slog.Error("Dispatcher.fire: marker lookup failed", "userID", user.ID, "promptType", pt, "error", err)
		sum.Failed++
		return
	}

	sent, err := d.prompter.Send(ctx, user, day, pt)
	if err != nil {
		slog.Error("Dispatcher.fire: prompt failed", "userID", user.ID, "promptType", pt, "day", day, "error", err)
		sum.Failed++
		return
	}
	if sent {
		sum.Sent++
	} else {
		sum.Skipped++
	}

	stamp := []byte(d.now().UTC().Format(time.RFC3339))
	claimed, err := d.markers.SetIfAbsent(ctx, key, stamp, MarkerTTL)
	if err != nil {
		slog.Error("Dispatcher.fire: failed to record marker", "userID", user.ID, "promptType", pt, "error", err)
		return
	}
	if !claimed {
		slog.Warn("Dispatcher.fire: marker already present", "userID", user.ID, "promptType", pt, "day", day)
	}
}
