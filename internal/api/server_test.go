package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/dispatch"
	"github.com/BTreeMap/CheckinPipe/internal/eod"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

type fakeTriggers struct {
	calls []string
	err   error
}

func (f *fakeTriggers) record(name string) (dispatch.Summary, error) {
	f.calls = append(f.calls, name)
	return dispatch.Summary{Sent: 2, Skipped: 1}, f.err
}

func (f *fakeTriggers) Run(context.Context) (dispatch.Summary, error) { return f.record("run") }
func (f *fakeTriggers) StatusPrompts(context.Context) (dispatch.Summary, error) {
	return f.record("status-prompts")
}
func (f *fakeTriggers) StatusFollowUps(context.Context) (dispatch.Summary, error) {
	return f.record("status-followups")
}
func (f *fakeTriggers) EODPrompts(context.Context) (dispatch.Summary, error) {
	return f.record("eod-prompts")
}
func (f *fakeTriggers) EODFollowUps(context.Context) (dispatch.Summary, error) {
	return f.record("eod-followups")
}

type fakeDirectory map[string]models.User

func (d fakeDirectory) User(id string) (models.User, bool) {
	u, ok := d[id]
	return u, ok
}

type testServer struct {
	now      time.Time
	store    *store.InMemoryStore
	reports  *store.ReportLog
	triggers *fakeTriggers
	server   *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		now:      time.Date(2026, 10, 15, 17, 0, 0, 0, time.UTC),
		triggers: &fakeTriggers{},
	}
	clock := func() time.Time { return ts.now }
	ts.store = store.NewInMemoryStore(store.WithClock(clock))
	ts.reports = store.NewReportLog(ts.store)
	engine := eod.NewEngine(eod.Config{
		Cache:   ts.store,
		Reports: ts.reports,
		Now:     clock,
	})
	ts.server = NewServer(Config{
		Engine:    engine,
		Triggers:  ts.triggers,
		Reports:   ts.reports,
		Directory: fakeDirectory{"alice": {ID: "alice", Name: "Alice"}},
		Now:       clock,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: response is not JSON: %q", method, path, rec.Body.String())
	}
	return rec, resp
}

const (
	taskBody = `{"index":0,"done":true,"task":{"name":"Dashboard widgets","hours":%s,` +
		`"link":"https://tracker.example.com/t/12","status":"completed",` +
		`"outcome":"Created 3 dashboard widgets and deployed to staging",` +
		`"deliverable_link":"https://staging.example.com/dash"}}`
	meetingsBody = `{"meetings":{"count":1,"total_minutes":60,"items":[{"name":"standup","minutes":60}]}}`
	tomorrowBody = `{"items":[{"name":"Deploy widgets"},{"name":"Review API"}]}`
)

func (ts *testServer) fillForm(t *testing.T, taskHours string) {
	t.Helper()
	steps := []struct{ path, body string }{
		{"/eod/alice/start", ""},
		{"/eod/alice/header", `{"total_hours":8}`},
		{"/eod/alice/task", strings.Replace(taskBody, "%s", taskHours, 1)},
		{"/eod/alice/meetings", meetingsBody},
	}
	for _, s := range steps {
		rec, resp := ts.do(t, http.MethodPost, s.path, s.body)
		if rec.Code != http.StatusOK || resp.Status != string(models.APIStatusOK) {
			t.Fatalf("POST %s: status %d, body %s", s.path, rec.Code, rec.Body.String())
		}
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec, resp := ts.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || resp.Status != "ok" {
		t.Errorf("healthz: %d %+v", rec.Code, resp)
	}

	ts.server.health = func(context.Context) error { return errors.New("db down") }
	rec, _ = ts.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status %d, want 503", rec.Code)
	}
}

func TestTriggers(t *testing.T) {
	ts := newTestServer(t)
	names := []string{TriggerDispatch, TriggerStatusPrompts, TriggerStatusFollowUps, TriggerEODPrompts, TriggerEODFollowUps}
	for _, name := range names {
		rec, resp := ts.do(t, http.MethodPost, "/triggers/"+name, "")
		if rec.Code != http.StatusOK {
			t.Errorf("trigger %s: status %d", name, rec.Code)
		}
		sum, ok := resp.Result.(map[string]interface{})
		if !ok || sum["sent"] != float64(2) {
			t.Errorf("trigger %s: unexpected result %+v", name, resp.Result)
		}
	}
	want := []string{"run", "status-prompts", "status-followups", "eod-prompts", "eod-followups"}
	if strings.Join(ts.triggers.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", ts.triggers.calls, want)
	}

	rec, _ := ts.do(t, http.MethodPost, "/triggers/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown trigger: status %d, want 404", rec.Code)
	}

	ts.triggers.err = errors.New("boom")
	rec, _ = ts.do(t, http.MethodPost, "/triggers/dispatch", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("failing trigger: status %d, want 500", rec.Code)
	}
}

func TestEODForm_SubmitAndLookup(t *testing.T) {
	ts := newTestServer(t)
	ts.fillForm(t, "7")

	rec, resp := ts.do(t, http.MethodPost, "/eod/alice/tomorrow", tomorrowBody)
	if rec.Code != http.StatusOK || resp.Message != "report submitted" {
		t.Fatalf("tomorrow: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = ts.do(t, http.MethodGet, "/eod/alice", "")
	if rec.Code != http.StatusGone {
		t.Errorf("draft after submit: status %d, want 410", rec.Code)
	}

	rec, resp = ts.do(t, http.MethodGet, "/reports/alice/2026-10-15", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("report lookup: %d %s", rec.Code, rec.Body.String())
	}
	rep, _ := resp.Result.(map[string]interface{})
	if rep["user_id"] != "alice" || rep["source"] != string(models.ReportSourceStructured) {
		t.Errorf("unexpected report: %+v", rep)
	}

	rec, resp = ts.do(t, http.MethodGet, "/reports?day=2026-10-15", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("day view: %d", rec.Code)
	}
	if list, _ := resp.Result.([]interface{}); len(list) != 1 {
		t.Errorf("day view: expected 1 report, got %+v", resp.Result)
	}

	rec, _ = ts.do(t, http.MethodGet, "/reports/alice/2026-10-15/history", "")
	if rec.Code != http.StatusOK {
		t.Errorf("history: status %d", rec.Code)
	}
}

func TestEODForm_WarningsNeedConfirmation(t *testing.T) {
	ts := newTestServer(t)
	ts.fillForm(t, "4")

	rec, resp := ts.do(t, http.MethodPost, "/eod/alice/tomorrow", tomorrowBody)
	if rec.Code != http.StatusOK || resp.Status != string(models.APIStatusNeedsConfirmation) {
		t.Fatalf("tomorrow: %d %s", rec.Code, rec.Body.String())
	}

	rec, resp = ts.do(t, http.MethodPost, "/eod/alice/confirm", "")
	if rec.Code != http.StatusOK || resp.Message != "report submitted" {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = ts.do(t, http.MethodPost, "/eod/alice/confirm", "")
	if rec.Code != http.StatusGone {
		t.Errorf("second confirm: status %d, want 410", rec.Code)
	}
}

func TestEODForm_Errors(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/eod/mallory/start", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown user: status %d, want 404", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodPost, "/eod/alice/header", `{"total_hours":8}`)
	if rec.Code != http.StatusGone {
		t.Errorf("no session: status %d, want 410", rec.Code)
	}

	ts.do(t, http.MethodPost, "/eod/alice/start", "")

	rec, _ = ts.do(t, http.MethodPost, "/eod/alice/header", `{"total_hours":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON: status %d, want 400", rec.Code)
	}
	rec, _ = ts.do(t, http.MethodPost, "/eod/alice/header", `{"hours":8}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status %d, want 400", rec.Code)
	}

	rec, resp := ts.do(t, http.MethodPost, "/eod/alice/header", `{"total_hours":30}`)
	if rec.Code != http.StatusUnprocessableEntity || resp.Status != string(models.APIStatusInvalid) {
		t.Errorf("invalid header: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = ts.do(t, http.MethodPost, "/eod/alice/meetings", meetingsBody)
	if rec.Code != http.StatusConflict {
		t.Errorf("out of order step: status %d, want 409", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodPost, "/eod/alice/start?restart=maybe", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad restart flag: status %d, want 400", rec.Code)
	}
}

func TestReports_Lookup(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodGet, "/reports/alice/2026-10-15", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing report: status %d, want 404", rec.Code)
	}
	rec, _ = ts.do(t, http.MethodGet, "/reports/alice/15-10-2026", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad day: status %d, want 400", rec.Code)
	}

	rec, resp := ts.do(t, http.MethodGet, "/reports", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("day view: status %d", rec.Code)
	}
	if list, ok := resp.Result.([]interface{}); !ok || len(list) != 0 {
		t.Errorf("expected an empty list, got %+v", resp.Result)
	}
}

func TestTwilioWebhookMounted(t *testing.T) {
	called := false
	s := NewServer(Config{
		Directory: fakeDirectory{},
		TwilioWebhook: func(w http.ResponseWriter, r *http.Request) {
			called = true
			writeJSONResponse(w, http.StatusOK, models.Success(nil))
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if !called || rec.Code != http.StatusOK {
		t.Errorf("webhook not routed: called=%v status=%d", called, rec.Code)
	}
}
