package schedule

import (
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Window offsets in minutes. Status windows are relative to the first block's
// start, EOD windows to the last block's end. Every window is at least fifteen
// minutes wide so a 30-minute poller whose runs straddle it still lands inside
// one of them.
const (
	statusPromptFrom   = 0
	statusPromptTo     = 15
	statusFollowUpFrom = 20
	statusFollowUpTo   = 35
	eodPromptFrom      = -30
	eodPromptTo        = -15
	eodFollowUpFrom    = -10
	eodFollowUpTo      = 5
)

// Window is an inclusive range of minutes on the 24h circle. From may be
// numerically greater than To when the window spans midnight.
type Window struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Contains reports whether minute falls inside the window.
func (w Window) Contains(minute int) bool {
	m := wrap(minute)
	if w.From <= w.To {
		return w.From <= m && m <= w.To
	}
	return m >= w.From || m <= w.To
}

// String renders the window as HH:MM-HH:MM.
func (w Window) String() string {
	return models.Clock(w.From).String() + "-" + models.Clock(w.To).String()
}

// WindowFor computes the trigger window of a prompt type for a schedule.
func WindowFor(pt models.PromptType, ws models.WorkSchedule) Window {
	from, to, fromEnd, ok := windowOffsets(pt)
	if !ok {
		return Window{From: -1, To: -1}
	}
	base := int(ws.First().Start)
	if fromEnd {
		base = int(ws.Last().End)
	}
	return newWindow(base+from, base+to)
}

// windowOffsets returns pt's window bounds relative to the shift start, or
// to the shift end when fromEnd is set.
func windowOffsets(pt models.PromptType) (from, to int, fromEnd, ok bool) {
	switch pt {
	case models.PromptStatus:
		return statusPromptFrom, statusPromptTo, false, true
	case models.PromptStatusFollowUp:
		return statusFollowUpFrom, statusFollowUpTo, false, true
	case models.PromptEOD:
		return eodPromptFrom, eodPromptTo, true, true
	case models.PromptEODFollowUp:
		return eodFollowUpFrom, eodFollowUpTo, true, true
	}
	return 0, 0, false, false
}

// MinuteOfDay returns minutes since local midnight of t.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func newWindow(from, to int) Window {
	return Window{From: wrap(from), To: wrap(to)}
}

func wrap(m int) int {
	m %= models.MinutesPerDay
	if m < 0 {
		m += models.MinutesPerDay
	}
	return m
}

// MinutesAfter returns how many minutes t's time of day lies after c, on the
// 24h circle.
func MinutesAfter(t time.Time, c models.Clock) int {
	return wrap(MinuteOfDay(t) - int(c))
}
