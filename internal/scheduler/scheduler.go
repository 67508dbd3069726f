// Package scheduler hosts the in-process cron that fires CheckinPipe's named
// entry points.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a named job body. Returned errors are logged.
type Task func(ctx context.Context) error

// Scheduler provides cron-based job scheduling in the org timezone.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler evaluating specs in loc. It is not started.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := slogLogger{}
	// Standard 5-field specs; panics in a job are recovered and overlapping
	// runs of the same job are skipped.
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, entries: make(map[string]cron.EntryID)}
}

// AddJob schedules task under name. It returns an error if the expression is
// invalid or the name is taken.
func (s *Scheduler) AddJob(name, spec string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %q already scheduled", name)
	}
	id, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := task(s.ctx); err != nil {
			slog.Error("Scheduler.run: job failed", "job", name, "error", err, "duration", time.Since(start))
			return
		}
		slog.Debug("Scheduler.run: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %q with %q: %w", name, spec, err)
	}
	s.entries[name] = id
	slog.Info("Scheduler.AddJob: scheduled", "job", name, "spec", spec)
	return nil
}

// Next returns the next fire time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(id)
	if !e.Valid() {
		return time.Time{}, false
	}
	if !e.Next.IsZero() {
		return e.Next, true
	}
	return e.Schedule.Next(time.Now().In(s.cron.Location())), true
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("Scheduler.Start: started", "jobs", len(s.entries), "location", s.cron.Location().String())
}

// Stop cancels running jobs' context and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler.Stop: stopped")
}

// slogLogger adapts cron's logger to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
