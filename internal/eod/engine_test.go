package eod

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

type trackerUpdate struct {
	taskID string
	status models.TrackerStatus
	reason string
}

type fakeTracker struct {
	mu       sync.Mutex
	tasks    []models.TrackerTask
	err      error
	writeErr error
	updates  []trackerUpdate
}

func (f *fakeTracker) DueTasks(_ context.Context, _ string, _, _ time.Time) ([]models.TrackerTask, error) {
	return f.tasks, f.err
}

func (f *fakeTracker) UpdateTask(_ context.Context, taskID string, status models.TrackerStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, trackerUpdate{taskID, status, reason})
	return f.writeErr
}

type modeRecorder struct {
	mu      sync.Mutex
	cleared []string
}

func (m *modeRecorder) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, userID)
	return nil
}

type engineHarness struct {
	now     time.Time
	store   *store.InMemoryStore
	reports *store.ReportLog
	tracker *fakeTracker
	modes   *modeRecorder
	engine  *Engine
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	h := &engineHarness{
		now:     time.Date(2026, 10, 15, 17, 0, 0, 0, time.UTC),
		tracker: &fakeTracker{},
		modes:   &modeRecorder{},
	}
	clock := func() time.Time { return h.now }
	h.store = store.NewInMemoryStore(store.WithClock(clock))
	h.reports = store.NewReportLog(h.store)
	h.engine = NewEngine(Config{
		Cache:    h.store,
		Reports:  h.reports,
		Tasks:    h.tracker,
		Writer:   h.tracker,
		Modes:    h.modes,
		DraftTTL: time.Hour,
		Now:      clock,
	})
	return h
}

func trackerTasks(n int) []models.TrackerTask {
	out := make([]models.TrackerTask, n)
	for i := range out {
		out[i] = models.TrackerTask{
			ID:   fmt.Sprintf("T-%d", i+1),
			Name: fmt.Sprintf("Tracker task %d", i+1),
			URL:  fmt.Sprintf("https://tracker.example.com/t/%d", i+1),
		}
	}
	out[0].Name = "Dashboard widgets"
	out[0].IsOverdue = true
	out[0].DaysOverdue = 2
	return out
}

func oneMeeting() MeetingsInput {
	return MeetingsInput{Meetings: models.MeetingInfo{
		Count: 1, TotalMinutes: 60,
		Items: []models.Meeting{{Name: "standup", Minutes: 60}},
	}}
}

func tomorrow() models.PriorityList {
	return models.PriorityList{Items: []models.Priority{{Name: "Deploy widgets"}, {Name: "Review API"}}}
}

// fillToTomorrow walks a fresh draft through header, one task and meetings.
func (h *engineHarness) fillToTomorrow(t *testing.T, total, taskHours float64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.engine.Start(ctx, "amir", false)
	require.NoError(t, err)
	res, err := h.engine.SubmitHeader(ctx, "amir", HeaderInput{TotalHours: total})
	require.NoError(t, err)
	require.Equal(t, StatusSaved, res.Status)

	task := goodTask()
	task.Hours = taskHours
	res, err = h.engine.SubmitTask(ctx, "amir", TaskInput{Index: 0, Task: &task, Done: true})
	require.NoError(t, err)
	require.Equal(t, StatusSaved, res.Status, "validation: %+v", res.Validation)
	require.Equal(t, models.StepMeetings, res.Draft.Step)

	res, err = h.engine.SubmitMeetings(ctx, "amir", oneMeeting())
	require.NoError(t, err)
	require.Equal(t, models.StepTomorrow, res.Draft.Step)
}

func TestEngine_HappyPath(t *testing.T) {
	h := newEngineHarness(t)
	h.tracker.tasks = trackerTasks(12)
	ctx := context.Background()

	d, err := h.engine.Start(ctx, "amir", false)
	require.NoError(t, err)
	assert.Equal(t, models.StepHeader, d.Step)
	assert.Equal(t, "2026-10-15", d.Day)

	res, err := h.engine.SubmitHeader(ctx, "amir", HeaderInput{TotalHours: 8})
	require.NoError(t, err)
	assert.Equal(t, models.StepTask, res.Draft.Step)
	assert.Len(t, res.Draft.SourceTasks, MaxSourceTasks)

	res, err = h.engine.SubmitTask(ctx, "amir", TaskInput{Index: 0, Task: &models.TaskEntry{
		SourceTaskID:    "T-1",
		Hours:           7,
		Status:          models.TaskCompleted,
		Outcome:         "Created 3 dashboard widgets and deployed to staging",
		DeliverableLink: "https://staging.example.com/dash",
	}})
	require.NoError(t, err)
	require.Equal(t, StatusSaved, res.Status, "validation: %+v", res.Validation)
	require.Len(t, res.Draft.Tasks, 1)
	assert.Equal(t, "Dashboard widgets", res.Draft.Tasks[0].Name)
	assert.Equal(t, "https://tracker.example.com/t/1", res.Draft.Tasks[0].Link)
	assert.Equal(t, 2, res.Draft.Tasks[0].CarryOverDays)
	assert.Equal(t, 1, res.Draft.TaskIndex)

	res, err = h.engine.SubmitTask(ctx, "amir", TaskInput{Done: true})
	require.NoError(t, err)
	assert.Equal(t, models.StepMeetings, res.Draft.Step)

	res, err = h.engine.SubmitMeetings(ctx, "amir", oneMeeting())
	require.NoError(t, err)
	assert.Equal(t, models.StepTomorrow, res.Draft.Step)

	res, err = h.engine.SubmitTomorrow(ctx, "amir", tomorrow())
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, res.Status, "validation: %+v", res.Validation)
	require.NotNil(t, res.Report)

	report, err := h.reports.Latest(ctx, "amir", "2026-10-15")
	require.NoError(t, err)
	assert.Equal(t, models.ReportSourceStructured, report.Source)
	require.NotNil(t, report.Hours)
	assert.Equal(t, 8.0, *report.Hours)
	assert.Equal(t, 7.0, report.TaskHours)
	assert.Equal(t, 60, report.MeetingMinutes)
	assert.Equal(t, 1, report.TaskCount)
	assert.Equal(t, []string{"Deploy widgets", "Review API"}, report.Tomorrow)
	assert.Contains(t, report.ReportText, "Dashboard widgets")
	require.NotNil(t, report.Draft)
	assert.Len(t, report.Draft.Tasks, 1)

	_, err = h.engine.Get(ctx, "amir")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, []string{"amir"}, h.modes.cleared)
	assert.Equal(t, []trackerUpdate{{"T-1", models.TrackerComplete, ""}}, h.tracker.updates)
}

func TestEngine_RejectedStepKeepsDraft(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, "amir", false)
	require.NoError(t, err)
	_, err = h.engine.SubmitHeader(ctx, "amir", HeaderInput{TotalHours: 8})
	require.NoError(t, err)

	bad := goodTask()
	bad.Outcome = "Worked on dashboard"
	res, err := h.engine.SubmitTask(ctx, "amir", TaskInput{Index: 0, Task: &bad})
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, res.Status)
	assert.Equal(t, models.StepTask, res.Validation.Step)
	assert.Contains(t, fieldNames(res.Validation), "outcome")

	d, err := h.engine.Get(ctx, "amir")
	require.NoError(t, err)
	assert.Empty(t, d.Tasks)
	assert.Equal(t, models.StepTask, d.Step)

	res, err = h.engine.SubmitTask(ctx, "amir", TaskInput{Done: true})
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, res.Status, "done needs at least one task")

	res, err = h.engine.SubmitHeader(ctx, "amir", HeaderInput{TotalHours: 30})
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, res.Status)
}

func TestEngine_WrongStepAndMissingSession(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	_, err := h.engine.SubmitHeader(ctx, "amir", HeaderInput{TotalHours: 8})
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = h.engine.Start(ctx, "amir", false)
	require.NoError(t, err)
	_, err = h.engine.SubmitMeetings(ctx, "amir", oneMeeting())
	assert.ErrorIs(t, err, ErrWrongStep)
	_, err = h.engine.SubmitTomorrow(ctx, "amir", tomorrow())
	assert.ErrorIs(t, err, ErrWrongStep)
	_, err = h.engine.Confirm(ctx, "amir")
	assert.ErrorIs(t, err, ErrWrongStep)
}

func TestEngine_WarningsNeedConfirmation(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.fillToTomorrow(t, 6, 5)

	res, err := h.engine.SubmitTomorrow(ctx, "amir", tomorrow())
	require.NoError(t, err)
	require.Equal(t, StatusNeedsConfirmation, res.Status)
	require.Len(t, res.Validation.Warnings, 1)
	assert.Contains(t, res.Validation.Warnings[0], "below the 6h minimum")

	_, err = h.reports.Latest(ctx, "amir", "2026-10-15")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing is logged before confirmation")

	res, err = h.engine.Confirm(ctx, "amir")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, res.Status)

	report, err := h.reports.Latest(ctx, "amir", "2026-10-15")
	require.NoError(t, err)
	assert.Len(t, report.Warnings, 1)

	_, err = h.engine.Confirm(ctx, "amir")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestEngine_EditingAfterWarningsClearsThem(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.fillToTomorrow(t, 6, 5)

	res, err := h.engine.SubmitTomorrow(ctx, "amir", tomorrow())
	require.NoError(t, err)
	require.Equal(t, StatusNeedsConfirmation, res.Status)

	fixed := goodTask()
	fixed.Hours = 7
	_, err = h.engine.SubmitTask(ctx, "amir", TaskInput{Index: 0, Task: &fixed})
	require.NoError(t, err)
	_, err = h.engine.SubmitHeader(ctx, "amir", HeaderInput{TotalHours: 8})
	require.NoError(t, err)

	_, err = h.engine.Confirm(ctx, "amir")
	assert.ErrorIs(t, err, ErrWrongStep)

	res, err = h.engine.SubmitTomorrow(ctx, "amir", tomorrow())
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, res.Status, "validation: %+v", res.Validation)
}

func TestEngine_UnplannedDetour(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.fillToTomorrow(t, 8, 6)

	in := oneMeeting()
	in.AddUnplanned = true
	res, err := h.engine.SubmitMeetings(ctx, "amir", in)
	require.NoError(t, err)
	assert.Equal(t, models.StepUnplanned, res.Draft.Step)

	res, err = h.engine.SubmitUnplanned(ctx, "amir", models.UnplannedInfo{Description: "Prod incident"})
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, res.Status)
	assert.ElementsMatch(t, []string{"hours", "pulled_from"}, fieldNames(res.Validation))

	res, err = h.engine.SubmitUnplanned(ctx, "amir", models.UnplannedInfo{Description: "Prod incident", Hours: 1, PulledFrom: "on-call"})
	require.NoError(t, err)
	assert.Equal(t, StatusSaved, res.Status)
	assert.Equal(t, models.StepTomorrow, res.Draft.Step)

	res, err = h.engine.SubmitTomorrow(ctx, "amir", tomorrow())
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, res.Status, "validation: %+v", res.Validation)
	assert.Equal(t, 1.0, res.Report.UnplannedHours)
}

func TestEngine_DraftExpires(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, "amir", false)
	require.NoError(t, err)

	h.now = h.now.Add(59 * time.Minute)
	_, err = h.engine.SubmitHeader(ctx, "amir", HeaderInput{TotalHours: 8})
	require.NoError(t, err, "activity refreshes the TTL")

	h.now = h.now.Add(61 * time.Minute)
	_, err = h.engine.Get(ctx, "amir")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestEngine_CorruptedDraftReadsExpired(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Set(ctx, DraftKey("amir"), []byte("{not json"), time.Hour))

	_, err := h.engine.Get(ctx, "amir")
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = h.store.Get(ctx, DraftKey("amir"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_ResumeAndRestart(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, "amir", false)
	require.NoError(t, err)
	_, err = h.engine.SubmitHeader(ctx, "amir", HeaderInput{TotalHours: 8})
	require.NoError(t, err)

	d, err := h.engine.Start(ctx, "amir", false)
	require.NoError(t, err)
	assert.Equal(t, models.StepTask, d.Step)

	d, err = h.engine.Start(ctx, "amir", true)
	require.NoError(t, err)
	assert.Equal(t, models.StepHeader, d.Step)
	assert.Zero(t, d.TotalHours)
}

func TestEngine_TrackerFailuresDoNotBlock(t *testing.T) {
	h := newEngineHarness(t)
	h.tracker.err = errors.New("tracker down")
	h.tracker.writeErr = errors.New("tracker down")
	ctx := context.Background()

	h.fillToTomorrow(t, 8, 7)
	d, err := h.engine.Get(ctx, "amir")
	require.NoError(t, err)
	assert.Empty(t, d.SourceTasks)

	res, err := h.engine.SubmitTomorrow(ctx, "amir", tomorrow())
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, res.Status)
}

func TestEngine_BlockedTaskWritesDelayed(t *testing.T) {
	h := newEngineHarness(t)
	h.tracker.tasks = trackerTasks(2)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, "amir", false)
	require.NoError(t, err)
	_, err = h.engine.SubmitHeader(ctx, "amir", HeaderInput{TotalHours: 8})
	require.NoError(t, err)

	task := models.TaskEntry{
		SourceTaskID: "T-2",
		Hours:        7,
		Status:       models.TaskInProgress,
		ProgressPct:  intPtr(40),
		Outcome:      "Drafted 2 of 5 migration scripts",
		Blocker:      &models.Blocker{What: "waiting on DB credentials", Owner: "ops", Deadline: "2026-10-16"},
	}
	res, err := h.engine.SubmitTask(ctx, "amir", TaskInput{Index: 0, Task: &task, Done: true})
	require.NoError(t, err)
	require.Equal(t, StatusSaved, res.Status, "validation: %+v", res.Validation)
	_, err = h.engine.SubmitMeetings(ctx, "amir", oneMeeting())
	require.NoError(t, err)
	res, err = h.engine.SubmitTomorrow(ctx, "amir", tomorrow())
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, res.Status)

	assert.Equal(t, []trackerUpdate{{"T-2", models.TrackerDelayed, "waiting on DB credentials"}}, h.tracker.updates)
}

// gatedCache holds the next two reads until both have happened, so two
// submissions observe the same draft.
type gatedCache struct {
	store.Cache
	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func (g *gatedCache) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiting = 0
	g.release = make(chan struct{})
}

func (g *gatedCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := g.Cache.Get(ctx, key)
	g.mu.Lock()
	ch := g.release
	if ch == nil {
		g.mu.Unlock()
		return b, err
	}
	g.waiting++
	if g.waiting == 2 {
		close(ch)
		g.release = nil
	}
	g.mu.Unlock()
	<-ch
	return b, err
}

func TestEngine_ConcurrentEditsLastWriteWins(t *testing.T) {
	h := newEngineHarness(t)
	gate := &gatedCache{Cache: h.store}
	h.engine.cache = gate
	ctx := context.Background()

	_, err := h.engine.Start(ctx, "amir", false)
	require.NoError(t, err)
	_, err = h.engine.SubmitHeader(ctx, "amir", HeaderInput{TotalHours: 8})
	require.NoError(t, err)

	gate.arm()
	var wg sync.WaitGroup
	results := make([]StepResult, 2)
	for i, name := range []string{"Tab A task", "Tab B task"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			task := goodTask()
			task.Name = name
			res, err := h.engine.SubmitTask(ctx, "amir", TaskInput{Index: 0, Task: &task})
			assert.NoError(t, err)
			results[i] = res
		}(i, name)
	}
	wg.Wait()

	assert.Equal(t, StatusSaved, results[0].Status)
	assert.Equal(t, StatusSaved, results[1].Status)

	d, err := h.engine.Get(ctx, "amir")
	require.NoError(t, err)
	require.Len(t, d.Tasks, 1, "one of the two edits is lost")
	assert.Contains(t, []string{"Tab A task", "Tab B task"}, d.Tasks[0].Name)
}
