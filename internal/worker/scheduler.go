package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"plansync/internal/models"
	"plansync/internal/syncer"
)

// PassRunner runs a full sync pass for one user.
type PassRunner interface {
	FullSync(ctx context.Context, userID string) (*syncer.Result, error)
}

// LinkLister lists the users that have a linked calendar.
type LinkLister interface {
	ListCalendarLinks(ctx context.Context) ([]models.CalendarLink, error)
}

// SchedulerConfig tunes the Scheduler. Zero values take the defaults noted per field.
type SchedulerConfig struct {
	// Spec is a standard five-field cron expression. Default every minute.
	Spec string
	// MaxAttempts per user per tick. Default 3.
	MaxAttempts int
	// RetryBackoff is the first retry delay; it doubles per attempt. Default 30s.
	RetryBackoff time.Duration
	// Concurrency caps how many users sync at once. Default 4.
	Concurrency int

	// Sleep waits between retries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c *SchedulerConfig) normalize() {
	if c.Spec == "" {
		c.Spec = "* * * * *"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
}

// Scheduler triggers full passes on a cron schedule. Ticks that arrive
// while the previous one is still running are skipped.
type Scheduler struct {
	logger *slog.Logger
	links  LinkLister
	runner PassRunner
	cfg    SchedulerConfig
}

// NewScheduler validates the cron expression and creates a Scheduler.
func NewScheduler(logger *slog.Logger, links LinkLister, runner PassRunner, cfg SchedulerConfig) (*Scheduler, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.normalize()
	if _, err := cron.ParseStandard(cfg.Spec); err != nil {
		return nil, fmt.Errorf("invalid full sync schedule %q: %w", cfg.Spec, err)
	}
	return &Scheduler{logger: logger, links: links, runner: runner, cfg: cfg}, nil
}

// Run starts the cron loop and blocks until ctx is cancelled and the
// running tick, if any, has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		if err := s.RunAll(ctx); err != nil {
			s.logger.Error("Scheduled sync finished with errors", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule full sync: %w", err)
	}

	s.logger.Info("Starting full sync scheduler.", "schedule", s.cfg.Spec)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("Full sync scheduler stopped.")
	return nil
}

// RunAll runs a full pass for every linked user, up to Concurrency at a
// time, and joins the failures so one user's error never hides another's.
func (s *Scheduler) RunAll(ctx context.Context) error {
	links, err := s.links.ListCalendarLinks(ctx)
	if err != nil {
		return err
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(s.cfg.Concurrency)
	for _, link := range links {
		g.Go(func() error {
			if _, err := s.SyncUser(ctx, link.UserID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// SyncUser runs a full pass for userID, retrying failed passes with
// exponential backoff. A pass already running for the user is not an error.
func (s *Scheduler) SyncUser(ctx context.Context, userID string) (*syncer.Result, error) {
	logger := s.logger.With("userID", userID)
	for attempt := 0; ; attempt++ {
		res, err := s.runner.FullSync(ctx, userID)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, syncer.ErrSyncInProgress):
			logger.Info("Sync already running for user, skipping tick")
			return nil, nil
		case errors.Is(err, syncer.ErrNoCalendar):
			return nil, fmt.Errorf("full sync for %s: %w", userID, err)
		}

		if attempt+1 >= s.cfg.MaxAttempts {
			return nil, fmt.Errorf("full sync for %s failed after %d attempts: %w", userID, attempt+1, err)
		}
		delay := Backoff(s.cfg.RetryBackoff, attempt)
		logger.Warn("Full sync failed, will retry", "error", err, "attempt", attempt+1, "in", delay)
		if err := s.cfg.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
