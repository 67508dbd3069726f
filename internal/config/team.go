package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/schedule"
)

// DefaultGraceMinutes applies when the team file does not set grace_minutes.
const DefaultGraceMinutes = 15

var defaultWorkdays = []string{"mon", "tue", "wed", "thu", "fri"}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// Member is a roster entry with its optional schedule override.
type Member struct {
	models.User `yaml:",inline"`
	Override    *schedule.Override `yaml:"override,omitempty"`
}

// Team is the read-only roster and schedule configuration. It satisfies
// schedule.Settings.
type Team struct {
	GraceMinutes     *int                     `yaml:"grace_minutes"`
	Workdays         []string                 `yaml:"workdays"`
	LeadConversation string                   `yaml:"lead_conversation"`
	Defaults         schedule.Defaults        `yaml:"defaults"`
	SpecialPeriods   []schedule.SpecialPeriod `yaml:"special_periods"`
	Members          []Member                 `yaml:"users"`

	workdays map[time.Weekday]bool
	byID     map[string]int
	byPhone  map[string]int
}

// LoadTeam reads and validates the team file at path.
func LoadTeam(path string) (*Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("team: read %s: %w", path, err)
	}
	return ParseTeam(data)
}

// ParseTeam decodes and validates a team document.
func ParseTeam(data []byte) (*Team, error) {
	var t Team
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("team: decode: %w", err)
	}
	if err := t.init(); err != nil {
		return nil, fmt.Errorf("team: %w", err)
	}
	return &t, nil
}

func (t *Team) init() error {
	if len(t.Workdays) == 0 {
		t.Workdays = defaultWorkdays
	}
	t.workdays = make(map[time.Weekday]bool, len(t.Workdays))
	for _, name := range t.Workdays {
		wd, ok := parseWeekday(name)
		if !ok {
			return fmt.Errorf("unknown workday %q", name)
		}
		t.workdays[wd] = true
	}

	if t.GraceMinutes != nil && *t.GraceMinutes < 0 {
		return errors.New("grace_minutes must not be negative")
	}

	for _, p := range t.SpecialPeriods {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	t.byID = make(map[string]int, len(t.Members))
	t.byPhone = make(map[string]int, len(t.Members))
	for i, m := range t.Members {
		if m.ID == "" {
			return fmt.Errorf("user #%d has no id", i+1)
		}
		if _, dup := t.byID[m.ID]; dup {
			return fmt.Errorf("duplicate user id %q", m.ID)
		}
		t.byID[m.ID] = i
		if phone := models.CanonicalPhone(m.Phone); phone != "" {
			if _, dup := t.byPhone[phone]; dup {
				return fmt.Errorf("duplicate phone for user %q", m.ID)
			}
			t.byPhone[phone] = i
		}
	}
	for _, m := range t.Members {
		if m.LeadID != "" {
			if _, ok := t.byID[m.LeadID]; !ok {
				return fmt.Errorf("user %q references unknown lead %q", m.ID, m.LeadID)
			}
		}
	}
	return nil
}

// parseWeekday accepts "mon", "Monday", "MON" and the like.
func parseWeekday(name string) (time.Weekday, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) < 3 {
		return 0, false
	}
	wd, ok := weekdayNames[name[:3]]
	return wd, ok
}

// UserOverride implements schedule.Settings.
func (t *Team) UserOverride(userID string) *schedule.Override {
	i, ok := t.byID[userID]
	if !ok {
		return nil
	}
	return t.Members[i].Override
}

// ActivePeriod implements schedule.Settings. The first listed period covering
// the day wins.
func (t *Team) ActivePeriod(at time.Time) *schedule.SpecialPeriod {
	for i := range t.SpecialPeriods {
		if t.SpecialPeriods[i].Covers(at) {
			return &t.SpecialPeriods[i]
		}
	}
	return nil
}

// ScheduleDefaults implements schedule.Settings.
func (t *Team) ScheduleDefaults() schedule.Defaults {
	return t.Defaults
}

// Grace is the late-arrival grace period.
func (t *Team) Grace() time.Duration {
	if t.GraceMinutes == nil {
		return DefaultGraceMinutes * time.Minute
	}
	return time.Duration(*t.GraceMinutes) * time.Minute
}

// IsWorkday reports whether prompts go out on at's weekday.
func (t *Team) IsWorkday(at time.Time) bool {
	return t.workdays[at.Weekday()]
}

// WorkdayList returns the configured workdays, Sunday first.
func (t *Team) WorkdayList() []time.Weekday {
	var out []time.Weekday
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if t.workdays[wd] {
			out = append(out, wd)
		}
	}
	return out
}

// FixedCronSpecs returns the cron expressions that fire pt for the fixed-time
// track: the opening of its window on each workday's default schedule.
func (t *Team) FixedCronSpecs(pt models.PromptType) []string {
	return schedule.CronSpecs(pt, t.Defaults, t.WorkdayList())
}

// Users returns the roster in file order.
func (t *Team) Users() []models.User {
	out := make([]models.User, len(t.Members))
	for i, m := range t.Members {
		out[i] = m.User
	}
	return out
}

// User looks up a roster member by ID.
func (t *Team) User(id string) (models.User, bool) {
	i, ok := t.byID[id]
	if !ok {
		return models.User{}, false
	}
	return t.Members[i].User, true
}

// UserByPhone looks up a roster member by any formatting of their phone number.
func (t *Team) UserByPhone(phone string) (models.User, bool) {
	i, ok := t.byPhone[models.CanonicalPhone(phone)]
	if !ok {
		return models.User{}, false
	}
	return t.Members[i].User, true
}

// Lead returns the lead of userID, if one is configured.
func (t *Team) Lead(userID string) (models.User, bool) {
	u, ok := t.User(userID)
	if !ok || u.LeadID == "" {
		return models.User{}, false
	}
	return t.User(u.LeadID)
}

// SplitShiftActive reports whether a special period with a second daily block
// covers at. While it does, every user goes through the dispatcher.
func (t *Team) SplitShiftActive(at time.Time) bool {
	p := t.ActivePeriod(at)
	return p != nil && p.BlocksFor(at).Split()
}

// DispatchedUsers returns the users whose prompts are timed by the dispatcher
// on at: users with a complete override, or everyone while a split-shift
// special period is active.
func (t *Team) DispatchedUsers(at time.Time) []models.User {
	if t.SplitShiftActive(at) {
		return t.Users()
	}
	var out []models.User
	for _, m := range t.Members {
		if m.Override != nil && m.Override.Complete() {
			out = append(out, m.User)
		}
	}
	return out
}

// FixedTimeUsers returns the complement of DispatchedUsers.
func (t *Team) FixedTimeUsers(at time.Time) []models.User {
	if t.SplitShiftActive(at) {
		return nil
	}
	var out []models.User
	for _, m := range t.Members {
		if m.Override == nil || !m.Override.Complete() {
			out = append(out, m.User)
		}
	}
	return out
}
