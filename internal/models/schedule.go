package models

import (
	"fmt"
	"strconv"
	"strings"
)

// MinutesPerDay is the length of the time-of-day circle.
const MinutesPerDay = 24 * 60

// Clock is a time of day expressed as minutes since midnight.
type Clock int

// ParseClock parses "HH:MM" (24-hour). "24:00" is accepted as end of day.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	if minute < 0 || minute > 59 || hour < 0 || hour > 24 || (hour == 24 && minute != 0) {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return Clock(hour*60 + minute), nil
}

// String renders the clock as HH:MM.
func (c Clock) String() string {
	n := int(c) % MinutesPerDay
	if n < 0 {
		n += MinutesPerDay
	}
	return fmt.Sprintf("%02d:%02d", n/60, n%60)
}

// TimeBlock is one contiguous work period within a day. An End numerically
// before Start denotes a block running past midnight.
type TimeBlock struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// Overnight reports whether the block crosses midnight.
func (b TimeBlock) Overnight() bool {
	return b.End < b.Start
}

// Minutes returns the block span in minutes.
func (b TimeBlock) Minutes() int {
	end := int(b.End)
	if b.Overnight() {
		end += MinutesPerDay
	}
	return end - int(b.Start)
}

// Hours returns the block span in hours.
func (b TimeBlock) Hours() float64 {
	return float64(b.Minutes()) / 60
}

// ScheduleSource identifies which configuration tier produced a schedule.
type ScheduleSource string

const (
	ScheduleSourceCustom        ScheduleSource = "custom"
	ScheduleSourceSpecialPeriod ScheduleSource = "special_period"
	ScheduleSourceDefault       ScheduleSource = "default"
)

// WorkSchedule is a user's effective work blocks for one day.
type WorkSchedule struct {
	Blocks             []TimeBlock    `json:"blocks"`
	TotalExpectedHours float64        `json:"total_expected_hours"`
	Source             ScheduleSource `json:"source"`
	PeriodName         string         `json:"period_name,omitempty"`
}

// First returns the earliest block of the day.
func (w WorkSchedule) First() TimeBlock {
	if len(w.Blocks) == 0 {
		return TimeBlock{}
	}
	return w.Blocks[0]
}

// Last returns the latest block of the day.
func (w WorkSchedule) Last() TimeBlock {
	if len(w.Blocks) == 0 {
		return TimeBlock{}
	}
	return w.Blocks[len(w.Blocks)-1]
}

// SpanHours sums the spans of every block.
func (w WorkSchedule) SpanHours() float64 {
	total := 0
	for _, b := range w.Blocks {
		total += b.Minutes()
	}
	return float64(total) / 60
}

// PromptType names one of the four scheduled prompts.
type PromptType string

const (
	PromptStatus         PromptType = "status_prompt"
	PromptStatusFollowUp PromptType = "status_followup"
	PromptEOD            PromptType = "eod_prompt"
	PromptEODFollowUp    PromptType = "eod_followup"
)

// AllPromptTypes lists prompt types in the order a day fires them.
var AllPromptTypes = []PromptType{PromptStatus, PromptStatusFollowUp, PromptEOD, PromptEODFollowUp}
