package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// referenceMonday anchors weekday lookups for the default schedule.
var referenceMonday = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// defaultsOnly resolves every user to the global default schedule.
type defaultsOnly Defaults

func (defaultsOnly) UserOverride(string) *Override { return nil }

func (defaultsOnly) ActivePeriod(time.Time) *SpecialPeriod { return nil }

func (d defaultsOnly) ScheduleDefaults() Defaults { return Defaults(d) }

// DefaultSchedule resolves the global default schedule for day's weekday.
func DefaultSchedule(defaults Defaults, day time.Time) models.WorkSchedule {
	return NewResolver(defaultsOnly(defaults)).Resolve("", day)
}

// CronSpecs returns standard five-field cron expressions that fire pt when
// its window opens on the default schedule of each workday. Workdays sharing
// a firing time share one expression. A window that opens past midnight is
// scheduled on the following weekday.
func CronSpecs(pt models.PromptType, defaults Defaults, workdays []time.Weekday) []string {
	from, _, fromEnd, ok := windowOffsets(pt)
	if !ok {
		return nil
	}
	byMinute := map[int]map[int]bool{}
	for _, wd := range workdays {
		day := referenceMonday.AddDate(0, 0, (int(wd)+6)%7)
		ws := DefaultSchedule(defaults, day)
		start := int(ws.First().Start)
		at := start + from
		if fromEnd {
			last := ws.Last()
			at = start + wrap(int(last.Start)-start) + last.Minutes() + from
		}
		shift := at / models.MinutesPerDay
		if at < 0 && at%models.MinutesPerDay != 0 {
			shift--
		}
		minute := at - shift*models.MinutesPerDay
		dow := ((int(wd)+shift)%7 + 7) % 7
		if byMinute[minute] == nil {
			byMinute[minute] = map[int]bool{}
		}
		byMinute[minute][dow] = true
	}

	minutes := make([]int, 0, len(byMinute))
	for m := range byMinute {
		minutes = append(minutes, m)
	}
	sort.Ints(minutes)
	specs := make([]string, 0, len(minutes))
	for _, m := range minutes {
		days := make([]int, 0, len(byMinute[m]))
		for d := range byMinute[m] {
			days = append(days, d)
		}
		sort.Ints(days)
		parts := make([]string, len(days))
		for i, d := range days {
			parts[i] = strconv.Itoa(d)
		}
		specs = append(specs, fmt.Sprintf("%d %d * * %s", m%60, m/60, strings.Join(parts, ",")))
	}
	return specs
}
