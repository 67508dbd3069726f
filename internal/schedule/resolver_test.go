package schedule

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

type fakeSettings struct {
	overrides map[string]*Override
	periods   []SpecialPeriod
	defaults  Defaults
}

func (f fakeSettings) UserOverride(userID string) *Override { return f.overrides[userID] }

func (f fakeSettings) ActivePeriod(t time.Time) *SpecialPeriod {
	for i := range f.periods {
		if f.periods[i].Covers(t) {
			return &f.periods[i]
		}
	}
	return nil
}

func (f fakeSettings) ScheduleDefaults() Defaults { return f.defaults }

func floatPtr(v float64) *float64 { return &v }

// 2026-10-15 is a Thursday, 2026-10-16 a Friday.
var (
	thursday = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	friday   = time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
)

func clock(t *testing.T, s string) models.Clock {
	t.Helper()
	c, err := models.ParseClock(s)
	require.NoError(t, err)
	return c
}

func TestResolve_DefaultWeekdayAndFriday(t *testing.T) {
	r := NewResolver(fakeSettings{defaults: Defaults{Start: "09:00", End: "18:00", FridayStart: "09:00", FridayEnd: "14:00"}})

	ws := r.Resolve("u1", thursday)
	assert.Equal(t, models.ScheduleSourceDefault, ws.Source)
	require.Len(t, ws.Blocks, 1)
	assert.Equal(t, clock(t, "09:00"), ws.Blocks[0].Start)
	assert.InDelta(t, 9.0, ws.TotalExpectedHours, 1e-9)

	ws = r.Resolve("u1", friday)
	assert.InDelta(t, 5.0, ws.TotalExpectedHours, 1e-9)
}

func TestResolve_EmptyDefaultsUseBuiltIns(t *testing.T) {
	ws := NewResolver(nil).Resolve("u1", thursday)
	assert.Equal(t, models.ScheduleSourceDefault, ws.Source)
	assert.InDelta(t, 8.0, ws.TotalExpectedHours, 1e-9)
}

func TestResolve_OverrideWinsWithSplitShift(t *testing.T) {
	settings := fakeSettings{
		overrides: map[string]*Override{
			"u1": {Blocks: Blocks{Start: "14:00", End: "18:00", Start2: "08:00", End2: "11:00"}},
		},
		periods: []SpecialPeriod{{Name: "crunch", From: "2026-10-01", To: "2026-10-31", MonThu: Blocks{Start: "07:00", End: "12:00"}}},
	}
	ws := NewResolver(settings).Resolve("u1", thursday)

	assert.Equal(t, models.ScheduleSourceCustom, ws.Source)
	require.Len(t, ws.Blocks, 2)
	assert.Equal(t, clock(t, "08:00"), ws.Blocks[0].Start, "blocks are reordered chronologically")
	assert.Equal(t, clock(t, "14:00"), ws.Blocks[1].Start)
	assert.InDelta(t, 7.0, ws.TotalExpectedHours, 1e-9)
}

func TestResolve_IncompleteOverrideFallsToPeriod(t *testing.T) {
	settings := fakeSettings{
		overrides: map[string]*Override{"u1": {Blocks: Blocks{Start: "10:00"}}},
		periods: []SpecialPeriod{{
			Name: "ramadan", From: "2026-10-01", To: "2026-10-31",
			MonThu: Blocks{Start: "09:00", End: "13:00", Start2: "21:00", End2: "23:00"},
		}},
	}
	ws := NewResolver(settings).Resolve("u1", thursday)

	assert.Equal(t, models.ScheduleSourceSpecialPeriod, ws.Source)
	assert.Equal(t, "ramadan", ws.PeriodName)
	require.Len(t, ws.Blocks, 2)
	assert.InDelta(t, 6.0, ws.TotalExpectedHours, 1e-9)
}

func TestResolve_PeriodWithoutFridayTimesUsesDefaultFriday(t *testing.T) {
	settings := fakeSettings{
		periods:  []SpecialPeriod{{Name: "ramadan", From: "2026-10-01", To: "2026-10-31", MonThu: Blocks{Start: "09:00", End: "13:00"}}},
		defaults: Defaults{FridayStart: "10:00", FridayEnd: "12:00"},
	}
	ws := NewResolver(settings).Resolve("u1", friday)

	assert.Equal(t, models.ScheduleSourceDefault, ws.Source)
	assert.InDelta(t, 2.0, ws.TotalExpectedHours, 1e-9)
}

func TestResolve_ExplicitTotalOverridesSpan(t *testing.T) {
	settings := fakeSettings{overrides: map[string]*Override{
		"u1": {Blocks: Blocks{Start: "09:00", End: "18:00"}, TotalHours: floatPtr(8)},
	}}
	ws := NewResolver(settings).Resolve("u1", thursday)
	assert.InDelta(t, 8.0, ws.TotalExpectedHours, 1e-9)
}

func TestResolve_OvernightBlock(t *testing.T) {
	settings := fakeSettings{overrides: map[string]*Override{
		"night": {Blocks: Blocks{Start: "22:00", End: "06:00"}},
	}}
	ws := NewResolver(settings).Resolve("night", thursday)

	require.Len(t, ws.Blocks, 1)
	assert.True(t, ws.Blocks[0].Overnight())
	assert.InDelta(t, 8.0, ws.TotalExpectedHours, 1e-9)
}

func TestResolve_OvernightSplitShiftKeepsShiftOrder(t *testing.T) {
	settings := fakeSettings{overrides: map[string]*Override{
		"night": {Blocks: Blocks{Start: "22:00", End: "02:00", Start2: "03:00", End2: "05:00"}},
	}}
	ws := NewResolver(settings).Resolve("night", thursday)

	require.Len(t, ws.Blocks, 2)
	assert.Equal(t, clock(t, "22:00"), ws.First().Start)
	assert.Equal(t, clock(t, "05:00"), ws.Last().End)
	assert.InDelta(t, 6.0, ws.TotalExpectedHours, 1e-9)
	assert.Equal(t, "22:00-22:15", WindowFor(models.PromptStatus, ws).String())
	assert.Equal(t, "04:30-04:45", WindowFor(models.PromptEOD, ws).String())
}

func TestResolve_EveningBlockBeforeOvernightBlock(t *testing.T) {
	settings := fakeSettings{overrides: map[string]*Override{
		"late": {Blocks: Blocks{Start: "22:00", End: "02:00", Start2: "18:00", End2: "21:00"}},
	}}
	ws := NewResolver(settings).Resolve("late", thursday)

	require.Len(t, ws.Blocks, 2)
	assert.Equal(t, clock(t, "18:00"), ws.First().Start)
	assert.Equal(t, clock(t, "02:00"), ws.Last().End)
}

func TestResolve_OverlappingSecondBlockDropped(t *testing.T) {
	settings := fakeSettings{overrides: map[string]*Override{
		"u1": {Blocks: Blocks{Start: "09:00", End: "17:00", Start2: "16:00", End2: "19:00"}},
	}}
	ws := NewResolver(settings).Resolve("u1", thursday)

	require.Len(t, ws.Blocks, 1)
	assert.InDelta(t, 8.0, ws.TotalExpectedHours, 1e-9)
}

func TestResolve_UnparseableOverrideFallsBack(t *testing.T) {
	settings := fakeSettings{overrides: map[string]*Override{
		"u1": {Blocks: Blocks{Start: "9am", End: "5pm"}},
	}}
	ws := NewResolver(settings).Resolve("u1", thursday)
	assert.Equal(t, models.ScheduleSourceDefault, ws.Source)
}

func TestResolve_BlocksOrderedAndNonOverlapping(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	hhmm := func() string { return fmt.Sprintf("%02d:%02d", rng.IntN(24), rng.IntN(4)*15) }

	for i := 0; i < 500; i++ {
		o := &Override{Blocks: Blocks{Start: hhmm(), End: hhmm()}}
		if rng.IntN(2) == 0 {
			o.Start2, o.End2 = hhmm(), hhmm()
		}
		settings := fakeSettings{overrides: map[string]*Override{"u": o}}
		date := thursday.AddDate(0, 0, rng.IntN(14))
		ws := NewResolver(settings).Resolve("u", date)

		require.NotEmpty(t, ws.Blocks, "override %+v", o)
		// Offsets from the first block's start must increase without overlap
		// and the whole shift must fit in one day.
		anchor := int(ws.Blocks[0].Start)
		end := 0
		for _, b := range ws.Blocks {
			offset := (int(b.Start) - anchor + models.MinutesPerDay) % models.MinutesPerDay
			assert.GreaterOrEqual(t, offset, end, "override %+v produced %+v", o, ws.Blocks)
			assert.Positive(t, b.Minutes())
			end = offset + b.Minutes()
		}
		assert.LessOrEqual(t, end, models.MinutesPerDay, "override %+v produced %+v", o, ws.Blocks)
		assert.True(t, math.Abs(ws.TotalExpectedHours-ws.SpanHours()) < 1e-9)
	}
}
