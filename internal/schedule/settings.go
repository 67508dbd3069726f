// Package schedule resolves a user's effective work blocks for a day and the
// trigger windows the dispatcher fires prompts in.
package schedule

import (
	"fmt"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Blocks is a configured pair of shifts. Start/End form the first block;
// Start2/End2 optionally add a split shift. Empty strings mean "not configured".
type Blocks struct {
	Start  string `yaml:"start" json:"start,omitempty"`
	End    string `yaml:"end" json:"end,omitempty"`
	Start2 string `yaml:"start2" json:"start2,omitempty"`
	End2   string `yaml:"end2" json:"end2,omitempty"`
}

// Complete reports whether the first block is fully configured.
func (b Blocks) Complete() bool {
	return b.Start != "" && b.End != ""
}

// Split reports whether a second block is fully configured.
func (b Blocks) Split() bool {
	return b.Start2 != "" && b.End2 != ""
}

// Override is a per-user schedule override.
type Override struct {
	Blocks     `yaml:",inline"`
	TotalHours *float64 `yaml:"total_hours" json:"total_hours,omitempty"`
}

// SpecialPeriod is an org-wide date range with its own daily blocks.
type SpecialPeriod struct {
	Name       string   `yaml:"name" json:"name"`
	From       string   `yaml:"from" json:"from"`
	To         string   `yaml:"to" json:"to"`
	MonThu     Blocks   `yaml:"mon_thu" json:"mon_thu"`
	Friday     Blocks   `yaml:"friday" json:"friday"`
	TotalHours *float64 `yaml:"total_hours" json:"total_hours,omitempty"`
}

// Covers reports whether the period includes the calendar day of t.
func (p SpecialPeriod) Covers(t time.Time) bool {
	day := models.DayKey(t)
	return p.From <= day && day <= p.To
}

// BlocksFor returns the period blocks for t's weekday class.
func (p SpecialPeriod) BlocksFor(t time.Time) Blocks {
	if t.Weekday() == time.Friday {
		return p.Friday
	}
	return p.MonThu
}

// Validate checks the period's date range.
func (p SpecialPeriod) Validate() error {
	from, err := time.Parse(models.DayLayout, p.From)
	if err != nil {
		return fmt.Errorf("special period %q: invalid from date: %w", p.Name, err)
	}
	to, err := time.Parse(models.DayLayout, p.To)
	if err != nil {
		return fmt.Errorf("special period %q: invalid to date: %w", p.Name, err)
	}
	if to.Before(from) {
		return fmt.Errorf("special period %q: to date before from date", p.Name)
	}
	return nil
}

// Defaults is the global schedule for users without overrides.
type Defaults struct {
	Start       string `yaml:"start" json:"start"`
	End         string `yaml:"end" json:"end"`
	FridayStart string `yaml:"friday_start" json:"friday_start"`
	FridayEnd   string `yaml:"friday_end" json:"friday_end"`
}

// Built-in defaults used when the team file leaves fields empty.
const (
	DefaultStart       = "09:00"
	DefaultEnd         = "17:00"
	DefaultFridayStart = "09:00"
	DefaultFridayEnd   = "13:00"
)

// For returns the default block for t's weekday class, filling gaps from the
// built-in defaults.
func (d Defaults) For(t time.Time) Blocks {
	if t.Weekday() == time.Friday {
		return Blocks{Start: firstNonEmpty(d.FridayStart, DefaultFridayStart), End: firstNonEmpty(d.FridayEnd, DefaultFridayEnd)}
	}
	return Blocks{Start: firstNonEmpty(d.Start, DefaultStart), End: firstNonEmpty(d.End, DefaultEnd)}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Settings supplies the three layered inputs of schedule resolution.
type Settings interface {
	UserOverride(userID string) *Override
	ActivePeriod(t time.Time) *SpecialPeriod
	ScheduleDefaults() Defaults
}
