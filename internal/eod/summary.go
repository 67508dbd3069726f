package eod

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// RenderSummary formats a completed draft as the plain-text report stored in
// the report log.
func RenderSummary(d models.EodDraft) string {
	var b strings.Builder
	totals := TotalsOf(d)
	fmt.Fprintf(&b, "EOD %s for %s: %s total\n", d.Day, d.UserID, formatHours(d.TotalHours))

	fmt.Fprintf(&b, "Tasks (%s):\n", formatHours(totals.TaskHours))
	for i, t := range d.Tasks {
		fmt.Fprintf(&b, "%d. %s [%s, %s]", i+1, t.Name, t.Status, formatHours(t.Hours))
		if t.Status == models.TaskInProgress && t.ProgressPct != nil {
			fmt.Fprintf(&b, " %d%%", *t.ProgressPct)
		}
		if t.CarryOverDays > 0 {
			fmt.Fprintf(&b, " carried %dd", t.CarryOverDays)
		}
		fmt.Fprintf(&b, "\n   %s\n", t.Outcome)
		if t.Link != "" {
			fmt.Fprintf(&b, "   task: %s\n", t.Link)
		} else if t.NeedsCreation {
			b.WriteString("   task: needs creation\n")
		}
		if t.DeliverableLink != "" {
			fmt.Fprintf(&b, "   deliverable: %s\n", t.DeliverableLink)
		}
		if t.Blocker != nil {
			fmt.Fprintf(&b, "   blocked: %s (owner %s, by %s)\n", t.Blocker.What, t.Blocker.Owner, t.Blocker.Deadline)
		}
		if t.Issue != "" {
			fmt.Fprintf(&b, "   issue: %s\n", t.Issue)
		}
	}

	if m := d.Meetings; m != nil {
		fmt.Fprintf(&b, "Meetings: %d, %d min\n", m.Count, m.TotalMinutes)
		for _, it := range m.Items {
			fmt.Fprintf(&b, "- %s (%d min)\n", it.Name, it.Minutes)
		}
		if m.Justification != "" {
			fmt.Fprintf(&b, "  why: %s\n", m.Justification)
		}
	}
	if u := d.Unplanned; u != nil {
		fmt.Fprintf(&b, "Unplanned: %s, %s (pulled in by %s)\n", u.Description, formatHours(u.Hours), u.PulledFrom)
	}
	if p := d.Tomorrow; p != nil {
		b.WriteString("Tomorrow:\n")
		for _, it := range p.Items {
			if it.Link != "" {
				fmt.Fprintf(&b, "- %s %s\n", it.Name, it.Link)
			} else {
				fmt.Fprintf(&b, "- %s\n", it.Name)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
