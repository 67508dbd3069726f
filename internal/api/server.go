// Package api exposes CheckinPipe over HTTP: the Twilio webhook, the named
// trigger entry points, the EOD form steps and report lookup.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/CheckinPipe/internal/dispatch"
	"github.com/BTreeMap/CheckinPipe/internal/eod"
	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// FormEngine drives the structured EOD form.
type FormEngine interface {
	Start(ctx context.Context, userID string, restart bool) (models.EodDraft, error)
	Get(ctx context.Context, userID string) (models.EodDraft, error)
	SubmitHeader(ctx context.Context, userID string, in eod.HeaderInput) (eod.StepResult, error)
	SubmitTask(ctx context.Context, userID string, in eod.TaskInput) (eod.StepResult, error)
	SubmitMeetings(ctx context.Context, userID string, in eod.MeetingsInput) (eod.StepResult, error)
	SubmitUnplanned(ctx context.Context, userID string, in models.UnplannedInfo) (eod.StepResult, error)
	SubmitTomorrow(ctx context.Context, userID string, in models.PriorityList) (eod.StepResult, error)
	Confirm(ctx context.Context, userID string) (eod.StepResult, error)
}

// Triggers are the scheduled entry points.
type Triggers interface {
	Run(ctx context.Context) (dispatch.Summary, error)
	StatusPrompts(ctx context.Context) (dispatch.Summary, error)
	StatusFollowUps(ctx context.Context) (dispatch.Summary, error)
	EODPrompts(ctx context.Context) (dispatch.Summary, error)
	EODFollowUps(ctx context.Context) (dispatch.Summary, error)
}

// Reports reads submitted reports.
type Reports interface {
	Latest(ctx context.Context, userID, day string) (models.ReportLogEntry, error)
	History(ctx context.Context, userID, day string) ([]models.ReportLogEntry, error)
	ForDay(ctx context.Context, day string) ([]models.ReportLogEntry, error)
}

// Directory looks up roster users.
type Directory interface {
	User(id string) (models.User, bool)
}

// Config wires a Server. TwilioWebhook and Health are optional.
type Config struct {
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Engine        FormEngine
	Triggers      Triggers
	Reports       Reports
	Directory     Directory
	TwilioWebhook http.HandlerFunc
	Health        func(ctx context.Context) error
	Now           func() time.Time
	Location      *time.Location
}

// Server is the HTTP front of the service.
type Server struct {
	engine   FormEngine
	triggers Triggers
	reports  Reports
	dir      Directory
	health   func(ctx context.Context) error
	now      func() time.Time
	loc      *time.Location
	router   chi.Router
	srv      *http.Server
}

// NewServer builds the router and HTTP server.
func NewServer(cfg Config) *Server {
	s := &Server{
		engine:   cfg.Engine,
		triggers: cfg.Triggers,
		reports:  cfg.Reports,
		dir:      cfg.Directory,
		health:   cfg.Health,
		now:      cfg.Now,
		loc:      cfg.Location,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loc == nil {
		s.loc = time.UTC
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	if cfg.TwilioWebhook != nil {
		r.Post("/webhooks/twilio", cfg.TwilioWebhook)
	}
	r.Post("/triggers/{name}", s.triggerHandler)

	r.Route("/eod/{userID}", func(r chi.Router) {
		r.Use(s.rosterUser)
		r.Get("/", s.getDraftHandler)
		r.Post("/start", s.startHandler)
		r.Post("/header", s.headerHandler)
		r.Post("/task", s.taskHandler)
		r.Post("/meetings", s.meetingsHandler)
		r.Post("/unplanned", s.unplannedHandler)
		r.Post("/tomorrow", s.tomorrowHandler)
		r.Post("/confirm", s.confirmHandler)
	})

	r.Get("/reports", s.dayReportsHandler)
	r.Get("/reports/{userID}/{day}", s.userReportHandler)
	r.Get("/reports/{userID}/{day}/history", s.userReportHistoryHandler)

	s.router = r
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       orDefault(cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      orDefault(cfg.WriteTimeout, 60*time.Second),
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Server.Start: listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: shutting down HTTP server")
	return s.srv.Shutdown(ctx)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
