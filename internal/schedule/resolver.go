package schedule

import (
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Resolver computes effective work schedules from layered settings:
// per-user override, then active special period, then the global default.
type Resolver struct {
	settings Settings
}

// NewResolver creates a Resolver over the given settings.
func NewResolver(settings Settings) *Resolver {
	return &Resolver{settings: settings}
}

type candidate struct {
	source models.ScheduleSource
	name   string
	blocks Blocks
	total  *float64
}

// Resolve returns the user's schedule for the calendar day of date. It never
// fails: a tier with missing or unparseable fields yields to the next one.
func (r *Resolver) Resolve(userID string, date time.Time) models.WorkSchedule {
	for _, c := range r.candidates(userID, date) {
		blocks := buildBlocks(c.blocks)
		if len(blocks) == 0 {
			slog.Debug("Resolver.Resolve: tier unusable, falling back", "userID", userID, "source", c.source)
			continue
		}
		ws := models.WorkSchedule{Blocks: blocks, Source: c.source, PeriodName: c.name}
		if c.total != nil && *c.total > 0 {
			ws.TotalExpectedHours = *c.total
		} else {
			ws.TotalExpectedHours = ws.SpanHours()
		}
		return ws
	}

	// Only reachable if the built-in defaults were unparseable.
	start, _ := models.ParseClock(DefaultStart)
	end, _ := models.ParseClock(DefaultEnd)
	block := models.TimeBlock{Start: start, End: end}
	return models.WorkSchedule{Blocks: []models.TimeBlock{block}, TotalExpectedHours: block.Hours(), Source: models.ScheduleSourceDefault}
}

func (r *Resolver) candidates(userID string, date time.Time) []candidate {
	var out []candidate
	if r.settings != nil {
		if o := r.settings.UserOverride(userID); o != nil && o.Complete() {
			out = append(out, candidate{source: models.ScheduleSourceCustom, blocks: o.Blocks, total: o.TotalHours})
		}
		if p := r.settings.ActivePeriod(date); p != nil {
			if b := p.BlocksFor(date); b.Complete() {
				out = append(out, candidate{source: models.ScheduleSourceSpecialPeriod, name: p.Name, blocks: b, total: p.TotalHours})
			}
		}
	}
	var defaults Defaults
	if r.settings != nil {
		defaults = r.settings.ScheduleDefaults()
	}
	out = append(out, candidate{source: models.ScheduleSourceDefault, blocks: defaults.For(date)})
	return out
}

// buildBlocks parses the configured pairs and normalizes them into an ordered,
// non-overlapping list. Blocks that would overlap an earlier one are dropped.
func buildBlocks(b Blocks) []models.TimeBlock {
	if !b.Complete() {
		return nil
	}
	first, ok := parseBlock(b.Start, b.End)
	if !ok {
		return nil
	}
	blocks := []models.TimeBlock{first}
	if b.Split() {
		if second, ok := parseBlock(b.Start2, b.End2); ok {
			blocks = append(blocks, second)
		}
	}
	return normalize(blocks)
}

func parseBlock(start, end string) (models.TimeBlock, bool) {
	s, err := models.ParseClock(start)
	if err != nil {
		slog.Warn("schedule: invalid block start", "value", start, "error", err)
		return models.TimeBlock{}, false
	}
	e, err := models.ParseClock(end)
	if err != nil {
		slog.Warn("schedule: invalid block end", "value", end, "error", err)
		return models.TimeBlock{}, false
	}
	if e == models.MinutesPerDay {
		e = 0
		if s == 0 {
			e = models.MinutesPerDay
		}
	}
	return models.TimeBlock{Start: s, End: e}, true
}

// normalize drops empty blocks and blocks overlapping an earlier configured
// one, then orders the rest along the shift: the first block is the one after
// the longest idle gap, so a shift that starts before midnight keeps its
// overnight block first.
func normalize(blocks []models.TimeBlock) []models.TimeBlock {
	kept := make([]models.TimeBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Minutes() <= 0 {
			continue
		}
		clash := false
		for _, k := range kept {
			if overlaps(k, b) {
				clash = true
				break
			}
		}
		if clash {
			slog.Warn("schedule: dropping overlapping block", "start", b.Start.String(), "end", b.End.String())
			continue
		}
		kept = append(kept, b)
	}
	if len(kept) < 2 {
		return kept
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	first, widest := 0, -1
	for i, b := range kept {
		prev := kept[(i+len(kept)-1)%len(kept)]
		if gap := circular(int(b.Start) - int(prev.Start) - prev.Minutes()); gap > widest {
			first, widest = i, gap
		}
	}
	out := make([]models.TimeBlock, 0, len(kept))
	out = append(out, kept[first:]...)
	return append(out, kept[:first]...)
}

// overlaps reports whether two blocks share any minute on the 24h circle.
func overlaps(a, b models.TimeBlock) bool {
	return circular(int(b.Start)-int(a.Start)) < a.Minutes() || circular(int(a.Start)-int(b.Start)) < b.Minutes()
}

func circular(m int) int {
	m %= models.MinutesPerDay
	if m < 0 {
		m += models.MinutesPerDay
	}
	return m
}
