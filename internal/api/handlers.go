package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CheckinPipe/internal/dispatch"
	"github.com/BTreeMap/CheckinPipe/internal/eod"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// Trigger names accepted by POST /triggers/{name}.
const (
	TriggerDispatch        = "dispatch"
	TriggerStatusPrompts   = "status-prompts"
	TriggerStatusFollowUps = "status-followups"
	TriggerEODPrompts      = "eod-prompts"
	TriggerEODFollowUps    = "eod-followups"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			slog.Error("Server.healthHandler: health check failed", "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("unhealthy"))
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var fn func(context.Context) (dispatch.Summary, error)
	switch name {
	case TriggerDispatch:
		fn = s.triggers.Run
	case TriggerStatusPrompts:
		fn = s.triggers.StatusPrompts
	case TriggerStatusFollowUps:
		fn = s.triggers.StatusFollowUps
	case TriggerEODPrompts:
		fn = s.triggers.EODPrompts
	case TriggerEODFollowUps:
		fn = s.triggers.EODFollowUps
	default:
		slog.Warn("Server.triggerHandler: unknown trigger", "name", name)
		writeJSONResponse(w, http.StatusNotFound, models.Error("unknown trigger: "+name))
		return
	}

	sum, err := fn(r.Context())
	if err != nil {
		slog.Error("Server.triggerHandler: trigger failed", "name", name, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("trigger failed"))
		return
	}
	slog.Info("Server.triggerHandler: trigger completed", "name", name, "sent", sum.Sent, "skipped", sum.Skipped, "failed", sum.Failed)
	writeJSONResponse(w, http.StatusOK, models.Success(sum))
}

// rosterUser rejects form requests for users not on the roster.
func (s *Server) rosterUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if _, ok := s.dir.User(userID); !ok {
			writeJSONResponse(w, http.StatusNotFound, models.Error("unknown user: "+userID))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getDraftHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeFormError(w, "getDraftHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(d))
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	restart := false
	if v := r.URL.Query().Get("restart"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("restart must be a boolean"))
			return
		}
		restart = b
	}
	d, err := s.engine.Start(r.Context(), userID, restart)
	if err != nil {
		s.writeFormError(w, "startHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(d))
}

func (s *Server) headerHandler(w http.ResponseWriter, r *http.Request) {
	var in eod.HeaderInput
	if !decodeStep(w, r, &in) {
		return
	}
	res, err := s.engine.SubmitHeader(r.Context(), chi.URLParam(r, "userID"), in)
	s.writeStep(w, "headerHandler", res, err)
}

func (s *Server) taskHandler(w http.ResponseWriter, r *http.Request) {
	var in eod.TaskInput
	if !decodeStep(w, r, &in) {
		return
	}
	res, err := s.engine.SubmitTask(r.Context(), chi.URLParam(r, "userID"), in)
	s.writeStep(w, "taskHandler", res, err)
}

func (s *Server) meetingsHandler(w http.ResponseWriter, r *http.Request) {
	var in eod.MeetingsInput
	if !decodeStep(w, r, &in) {
		return
	}
	res, err := s.engine.SubmitMeetings(r.Context(), chi.URLParam(r, "userID"), in)
	s.writeStep(w, "meetingsHandler", res, err)
}

func (s *Server) unplannedHandler(w http.ResponseWriter, r *http.Request) {
	var in models.UnplannedInfo
	if !decodeStep(w, r, &in) {
		return
	}
	res, err := s.engine.SubmitUnplanned(r.Context(), chi.URLParam(r, "userID"), in)
	s.writeStep(w, "unplannedHandler", res, err)
}

func (s *Server) tomorrowHandler(w http.ResponseWriter, r *http.Request) {
	var in models.PriorityList
	if !decodeStep(w, r, &in) {
		return
	}
	res, err := s.engine.SubmitTomorrow(r.Context(), chi.URLParam(r, "userID"), in)
	s.writeStep(w, "tomorrowHandler", res, err)
}

func (s *Server) confirmHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Confirm(r.Context(), chi.URLParam(r, "userID"))
	s.writeStep(w, "confirmHandler", res, err)
}

func decodeStep(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decodeJSON(w, r, v); err != nil {
		slog.Warn("Server.decodeStep: failed to decode JSON", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

// writeStep maps a step result onto the response envelope. Rejected input is
// 422 with the itemized errors; warnings await a confirm call.
func (s *Server) writeStep(w http.ResponseWriter, handler string, res eod.StepResult, err error) {
	if err != nil {
		s.writeFormError(w, handler, err)
		return
	}
	switch res.Status {
	case eod.StatusInvalid:
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.WithStatus(models.APIStatusInvalid, "fix the listed fields and resubmit", res))
	case eod.StatusNeedsConfirmation:
		writeJSONResponse(w, http.StatusOK, models.WithStatus(models.APIStatusNeedsConfirmation, "submit again with confirm to accept the warnings", res))
	case eod.StatusSubmitted:
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("report submitted", res))
	default:
		writeJSONResponse(w, http.StatusOK, models.Success(res))
	}
}

func (s *Server) writeFormError(w http.ResponseWriter, handler string, err error) {
	switch {
	case errors.Is(err, eod.ErrSessionExpired):
		writeJSONResponse(w, http.StatusGone, models.Error("your EOD session expired, start the form again"))
	case errors.Is(err, eod.ErrWrongStep):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	default:
		slog.Error("Server."+handler+": form operation failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}

func (s *Server) dayReportsHandler(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = models.DayKey(s.now().In(s.loc))
	}
	if !validDay(day) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("day must be YYYY-MM-DD"))
		return
	}
	reports, err := s.reports.ForDay(r.Context(), day)
	if err != nil {
		slog.Error("Server.dayReportsHandler: failed to load reports", "day", day, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
		return
	}
	if reports == nil {
		reports = []models.ReportLogEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reports))
}

func (s *Server) userReportHandler(w http.ResponseWriter, r *http.Request) {
	userID, day := chi.URLParam(r, "userID"), chi.URLParam(r, "day")
	if !validDay(day) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("day must be YYYY-MM-DD"))
		return
	}
	rep, err := s.reports.Latest(r.Context(), userID, day)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("no report for "+userID+" on "+day))
		return
	}
	if err != nil {
		slog.Error("Server.userReportHandler: failed to load report", "userID", userID, "day", day, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rep))
}

func (s *Server) userReportHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, day := chi.URLParam(r, "userID"), chi.URLParam(r, "day")
	if !validDay(day) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("day must be YYYY-MM-DD"))
		return
	}
	reports, err := s.reports.History(r.Context(), userID, day)
	if err != nil {
		slog.Error("Server.userReportHistoryHandler: failed to load reports", "userID", userID, "day", day, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
		return
	}
	if len(reports) == 0 {
		writeJSONResponse(w, http.StatusNotFound, models.Error("no report for "+userID+" on "+day))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reports))
}

func validDay(day string) bool {
	_, err := time.Parse(models.DayLayout, day)
	return err == nil
}
