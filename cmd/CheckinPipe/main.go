package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CheckinPipe/internal/api"
	"github.com/BTreeMap/CheckinPipe/internal/config"
	"github.com/BTreeMap/CheckinPipe/internal/conversation"
	"github.com/BTreeMap/CheckinPipe/internal/dispatch"
	"github.com/BTreeMap/CheckinPipe/internal/eod"
	"github.com/BTreeMap/CheckinPipe/internal/genai"
	"github.com/BTreeMap/CheckinPipe/internal/lockfile"
	"github.com/BTreeMap/CheckinPipe/internal/messaging"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/schedule"
	"github.com/BTreeMap/CheckinPipe/internal/scheduler"
	"github.com/BTreeMap/CheckinPipe/internal/store"
	"github.com/BTreeMap/CheckinPipe/internal/tracker"
	"github.com/BTreeMap/CheckinPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CheckinPipe/internal/whatsapp"
)

// whatsmeowDBFile is the device store file used when no Postgres DSN is set.
const whatsmeowDBFile = "whatsmeow.db"

// Flags holds command line overrides of the loaded configuration.
type Flags struct {
	configPath *string
	apiAddr    *string
	dbDSN      *string
	stateDir   *string
	teamFile   *string
	qrOutput   *string
	numeric    *bool
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	flags := parseCommandLineFlags()
	if *flags.configPath != "" {
		os.Setenv("CONFIG_PATH", *flags.configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlags(cfg, flags)
	slog.SetDefault(config.NewLogger(os.Stdout, cfg.Log))

	if err := run(cfg); err != nil {
		slog.Error("CheckinPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CheckinPipe exited successfully")
}

// parseCommandLineFlags defines flags whose empty values defer to the config.
func parseCommandLineFlags() Flags {
	flags := Flags{
		configPath: flag.String("config", "", "path to config.yaml (overrides $CONFIG_PATH)"),
		apiAddr:    flag.String("api-addr", "", "API server address (overrides $API_ADDR)"),
		dbDSN:      flag.String("db-dsn", "", "database DSN; PostgreSQL URL or SQLite path (overrides $DATABASE_URL)"),
		stateDir:   flag.String("state-dir", "", "state directory for SQLite data and the instance lock (overrides $CHECKINPIPE_STATE_DIR)"),
		teamFile:   flag.String("team", "", "path to team.yaml (overrides $TEAM_FILE)"),
		qrOutput:   flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:    flag.Bool("numeric-code", false, "print the WhatsApp pairing code instead of a QR code"),
	}
	flag.Parse()
	return flags
}

func applyFlags(cfg *config.Config, flags Flags) {
	if *flags.apiAddr != "" {
		cfg.Server.Addr = *flags.apiAddr
	}
	if *flags.dbDSN != "" {
		cfg.Database.DSN = *flags.dbDSN
	}
	if *flags.stateDir != "" {
		cfg.Database.StateDir = *flags.stateDir
	}
	if *flags.teamFile != "" {
		cfg.Checkin.TeamFile = *flags.teamFile
	}
	if *flags.qrOutput != "" {
		cfg.Messaging.WhatsApp.QRPath = *flags.qrOutput
	}
	if *flags.numeric {
		cfg.Messaging.WhatsApp.NumericCode = true
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Checkin.Location()
	if err != nil {
		return err
	}
	team, err := config.LoadTeam(cfg.Checkin.TeamFile)
	if err != nil {
		return err
	}
	slog.Info("Loaded team", "users", len(team.Users()), "timezone", loc.String())

	dsn := cfg.Database.DSN
	if store.DetectDSNType(dsn) != "postgres" {
		lock, err := lockfile.Acquire(cfg.Database.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
		if dsn == "" {
			dsn = store.DefaultSQLiteDSN(cfg.Database.StateDir)
		}
	}
	st, err := store.Open(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	msgService, twilioHandler, err := buildMessaging(ctx, cfg, dsn)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("start messaging: %w", err)
	}
	defer msgService.Stop()

	prompts := store.NewPromptLog(st)
	reports := store.NewReportLog(st)
	resolver := schedule.NewResolver(team)
	states := conversation.NewStateMachine(st, cfg.Checkin.StateTTL, nil)
	contacts := conversation.NewContacts(st, team)

	routerCfg := conversation.RouterConfig{
		States:    states,
		Prompts:   prompts,
		Reports:   reports,
		Sender:    msgService,
		Schedules: resolver,
		Grace:     team.Grace(),
		Location:  loc,
	}
	if gc := buildGenAI(cfg); gc != nil {
		routerCfg.Extractor = gc
	}
	router := conversation.NewRouter(routerCfg)

	prompter := conversation.NewPrompter(conversation.PrompterConfig{
		Sender:   msgService,
		Contacts: contacts,
		States:   states,
		Prompts:  prompts,
		Reports:  reports,
		Roster:   team,
		FormLink: formLink(cfg.Server.PublicBaseURL),
	})

	engineCfg := eod.Config{
		Cache:    st,
		Reports:  reports,
		Modes:    states,
		DraftTTL: cfg.Checkin.DraftTTL,
		Location: loc,
	}
	if tc := buildTracker(cfg); tc != nil {
		engineCfg.Tasks = tc
		engineCfg.Writer = tc
	}
	engine := eod.NewEngine(engineCfg)

	dispatcher := dispatch.New(dispatch.Config{
		Roster:   team,
		Resolver: resolver,
		Prompter: prompter,
		Markers:  st,
		Location: loc,
	})

	respHandler := messaging.NewResponseHandler(messaging.ResponseHandlerConfig{
		Service:   msgService,
		Directory: team,
		Contacts:  contacts,
		Router:    router,
		Seen:      st,
	})
	respHandler.Start(ctx)

	if !cfg.Checkin.DisableCron {
		sched, err := buildScheduler(cfg, team, loc, dispatcher, st)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	server := api.NewServer(api.Config{
		Addr:          cfg.Server.Addr,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		Engine:        engine,
		Triggers:      dispatcher,
		Reports:       reports,
		Directory:     team,
		TwilioWebhook: twilioHandler,
		Health:        storeHealth(st),
		Location:      loc,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildMessaging selects the messaging provider. The Twilio provider also
// returns its webhook handler.
func buildMessaging(ctx context.Context, cfg *config.Config, storeDSN string) (messaging.Service, http.HandlerFunc, error) {
	switch strings.ToLower(cfg.Messaging.Provider) {
	case "twilio":
		tc := cfg.Messaging.Twilio
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(tc.AccountSID),
			twiliowhatsapp.WithAuthToken(tc.AuthToken),
			twiliowhatsapp.WithFromWhats(tc.From),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("create twilio client: %w", err)
		}
		webhookURL := tc.WebhookURL
		if webhookURL == "" && cfg.Server.PublicBaseURL != "" {
			webhookURL = strings.TrimRight(cfg.Server.PublicBaseURL, "/") + "/webhooks/twilio"
		}
		svc := messaging.NewTwilioService(client, client, webhookURL)
		slog.Info("Using Twilio messaging provider", "webhookURL", webhookURL)
		return svc, svc.TwilioWebhookHandler, nil
	default:
		waDSN := cfg.Messaging.WhatsApp.DSN
		if waDSN == "" {
			if store.DetectDSNType(storeDSN) == "postgres" {
				waDSN = storeDSN
			} else {
				waDSN = "file:" + filepath.Join(cfg.Database.StateDir, whatsmeowDBFile) + "?_foreign_keys=on"
			}
		}
		opts := []whatsapp.Option{whatsapp.WithDBDSN(waDSN)}
		if cfg.Messaging.WhatsApp.QRPath != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.Messaging.WhatsApp.QRPath))
		}
		if cfg.Messaging.WhatsApp.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create whatsapp client: %w", err)
		}
		slog.Info("Using WhatsApp messaging provider")
		return messaging.NewWhatsAppService(client), nil, nil
	}
}

// buildGenAI returns nil when no API key is configured.
func buildGenAI(cfg *config.Config) *genai.Client {
	if cfg.GenAI.APIKey == "" {
		slog.Info("GenAI disabled; free-text reports will carry no hours")
		return nil
	}
	gc, err := genai.NewClient(genai.WithAPIKey(cfg.GenAI.APIKey), genai.WithModel(cfg.GenAI.Model))
	if err != nil {
		slog.Warn("GenAI client unavailable", "error", err)
		return nil
	}
	return gc
}

// buildTracker returns nil when no tracker URL is configured.
func buildTracker(cfg *config.Config) *tracker.Client {
	tc := cfg.Tracker
	if tc.BaseURL == "" {
		slog.Info("Task tracker disabled")
		return nil
	}
	client, err := tracker.NewClient(tc.BaseURL,
		tracker.WithToken(tc.Token),
		tracker.WithTimeout(tc.Timeout),
		tracker.WithMaxRetryAfter(tc.MaxRetryAfter),
	)
	if err != nil {
		slog.Warn("Task tracker unavailable", "error", err)
		return nil
	}
	return client
}

// buildScheduler registers the windowed dispatcher, the fixed entry points
// and the cache sweep. A fixed entry point without a configured cron fires
// when its window opens on the team's default schedule.
func buildScheduler(cfg *config.Config, team *config.Team, loc *time.Location, d *dispatch.Dispatcher, cache store.Cache) (*scheduler.Scheduler, error) {
	s := scheduler.NewScheduler(loc)
	summarize := func(fn func(context.Context) (dispatch.Summary, error)) scheduler.Task {
		return func(ctx context.Context) error {
			_, err := fn(ctx)
			return err
		}
	}
	fixed := func(configured string, pt models.PromptType) []string {
		if configured != "" {
			return []string{configured}
		}
		return team.FixedCronSpecs(pt)
	}
	jobs := []struct {
		name  string
		specs []string
		task  scheduler.Task
	}{
		{api.TriggerDispatch, []string{cfg.Checkin.DispatchCron}, summarize(d.Run)},
		{api.TriggerStatusPrompts, fixed(cfg.Checkin.StatusCron, models.PromptStatus), summarize(d.StatusPrompts)},
		{api.TriggerStatusFollowUps, fixed(cfg.Checkin.StatusFollowCron, models.PromptStatusFollowUp), summarize(d.StatusFollowUps)},
		{api.TriggerEODPrompts, fixed(cfg.Checkin.EODCron, models.PromptEOD), summarize(d.EODPrompts)},
		{api.TriggerEODFollowUps, fixed(cfg.Checkin.EODFollowCron, models.PromptEODFollowUp), summarize(d.EODFollowUps)},
		{"cache-sweep", []string{"@hourly"}, func(ctx context.Context) error {
			n, err := cache.DeleteExpired(ctx)
			if err == nil && n > 0 {
				slog.Debug("cache sweep removed expired entries", "count", n)
			}
			return err
		}},
	}
	for _, j := range jobs {
		for i, spec := range j.specs {
			if spec == "" {
				slog.Info("Cron job disabled", "job", j.name)
				continue
			}
			name := j.name
			if len(j.specs) > 1 {
				name = fmt.Sprintf("%s-%d", j.name, i+1)
			}
			if err := s.AddJob(name, spec, j.task); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// formLink points prompt cards at the form API when a public URL is known.
func formLink(baseURL string) func(userID string) string {
	if baseURL == "" {
		return nil
	}
	base := strings.TrimRight(baseURL, "/")
	return func(userID string) string {
		return base + "/eod/" + userID
	}
}

// storeHealth reads from the cache; a miss is healthy.
func storeHealth(st store.Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := st.Get(ctx, "healthz")
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}
}
