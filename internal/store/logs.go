package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Event log streams.
const (
	StreamPromptLog = "prompt_log"
	StreamReportLog = "report_log"
)

// PromptKey is the event key of a prompt row: day/user/type.
func PromptKey(userID, day string, pt models.PromptType) string {
	return day + "/" + userID + "/" + string(pt)
}

// ReportKey is the event key of a report row: day/user.
func ReportKey(userID, day string) string {
	return day + "/" + userID
}

// PromptLog is the repository of sent prompts. Updates are expressed as new
// rows; reads resolve the latest row per key.
type PromptLog struct {
	log EventLog
}

// NewPromptLog wraps an event log.
func NewPromptLog(log EventLog) *PromptLog {
	return &PromptLog{log: log}
}

// Record appends e as a new row.
func (p *PromptLog) Record(ctx context.Context, e models.PromptLogEntry) (models.PromptLogEntry, error) {
	e.ID = uuid.NewString()
	payload, err := json.Marshal(e)
	if err != nil {
		return models.PromptLogEntry{}, fmt.Errorf("encode prompt log entry: %w", err)
	}
	if _, err := p.log.Append(ctx, StreamPromptLog, PromptKey(e.UserID, e.Day, e.PromptType), payload); err != nil {
		return models.PromptLogEntry{}, err
	}
	return e, nil
}

// Latest returns the current row for (user, day, type) or ErrNotFound.
func (p *PromptLog) Latest(ctx context.Context, userID, day string, pt models.PromptType) (models.PromptLogEntry, error) {
	ev, err := p.log.Latest(ctx, StreamPromptLog, PromptKey(userID, day, pt))
	if err != nil {
		return models.PromptLogEntry{}, err
	}
	return decodePrompt(ev)
}

// MarkResponded appends a copy of the current row with the response filled in.
// It returns ErrNotFound when no prompt of that type was sent that day.
func (p *PromptLog) MarkResponded(ctx context.Context, userID, day string, pt models.PromptType, text string, at time.Time, late bool) (models.PromptLogEntry, error) {
	cur, err := p.Latest(ctx, userID, day, pt)
	if err != nil {
		return models.PromptLogEntry{}, err
	}
	cur.RespondedAt = &at
	cur.ResponseText = text
	cur.Late = late
	return p.Record(ctx, cur)
}

// ForDay returns the current row of every prompt sent on day.
func (p *PromptLog) ForDay(ctx context.Context, day string) ([]models.PromptLogEntry, error) {
	events, err := p.log.LatestPerKey(ctx, StreamPromptLog, day+"/")
	if err != nil {
		return nil, err
	}
	out := make([]models.PromptLogEntry, 0, len(events))
	for _, ev := range events {
		e, err := decodePrompt(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodePrompt(ev Event) (models.PromptLogEntry, error) {
	var e models.PromptLogEntry
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return models.PromptLogEntry{}, fmt.Errorf("decode prompt log row %s: %w", ev.ID, err)
	}
	return e, nil
}

// ReportLog is the repository of submitted EOD reports.
type ReportLog struct {
	log EventLog
}

// NewReportLog wraps an event log.
func NewReportLog(log EventLog) *ReportLog {
	return &ReportLog{log: log}
}

// Append writes e as a new report row.
func (r *ReportLog) Append(ctx context.Context, e models.ReportLogEntry) (models.ReportLogEntry, error) {
	e.ID = uuid.NewString()
	payload, err := json.Marshal(e)
	if err != nil {
		return models.ReportLogEntry{}, fmt.Errorf("encode report log entry: %w", err)
	}
	if _, err := r.log.Append(ctx, StreamReportLog, ReportKey(e.UserID, e.Day), payload); err != nil {
		return models.ReportLogEntry{}, err
	}
	return e, nil
}

// Latest returns the current report for (user, day) or ErrNotFound.
func (r *ReportLog) Latest(ctx context.Context, userID, day string) (models.ReportLogEntry, error) {
	ev, err := r.log.Latest(ctx, StreamReportLog, ReportKey(userID, day))
	if err != nil {
		return models.ReportLogEntry{}, err
	}
	return decodeReport(ev)
}

// History returns every report row for (user, day), oldest first.
func (r *ReportLog) History(ctx context.Context, userID, day string) ([]models.ReportLogEntry, error) {
	events, err := r.log.History(ctx, StreamReportLog, ReportKey(userID, day))
	if err != nil {
		return nil, err
	}
	return decodeReports(events)
}

// ForDay returns the current report of every user who reported on day.
func (r *ReportLog) ForDay(ctx context.Context, day string) ([]models.ReportLogEntry, error) {
	events, err := r.log.LatestPerKey(ctx, StreamReportLog, day+"/")
	if err != nil {
		return nil, err
	}
	return decodeReports(events)
}

func decodeReports(events []Event) ([]models.ReportLogEntry, error) {
	out := make([]models.ReportLogEntry, 0, len(events))
	for _, ev := range events {
		e, err := decodeReport(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeReport(ev Event) (models.ReportLogEntry, error) {
	var e models.ReportLogEntry
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return models.ReportLogEntry{}, fmt.Errorf("decode report log row %s: %w", ev.ID, err)
	}
	return e, nil
}
