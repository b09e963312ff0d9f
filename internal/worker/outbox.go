// Package worker runs sync work off the request path. The Outbox drains
// intents recorded by local writes and pushes single events; the Scheduler
// runs periodic full passes for every linked user.
package worker

import (
	"context"
	"log/slog"
	"time"

	"plansync/internal/models"
	"plansync/internal/syncer"
)

// EventSyncer pushes one event.
type EventSyncer interface {
	SyncOneEvent(ctx context.Context, eventID int64) (syncer.Outcome, error)
}

// Queue is the persisted outbox.
type Queue interface {
	DueIntents(ctx context.Context, now time.Time, limit int) ([]models.Intent, error)
	CompleteIntent(ctx context.Context, intent models.Intent) error
	RetryIntent(ctx context.Context, intent models.Intent, next time.Time, lastErr string) error
	DeferIntent(ctx context.Context, intent models.Intent, next time.Time) error
}

// OutboxConfig tunes the Outbox. Zero values take the defaults noted per field.
type OutboxConfig struct {
	// PollInterval between scans of the outbox. Default 5s.
	PollInterval time.Duration
	// BatchSize caps intents handled per scan. Default 50.
	BatchSize int
	// MaxAttempts before an intent is dropped. Default 3.
	MaxAttempts int
	// RetryBackoff is the first retry delay; it doubles per attempt. Default 30s.
	RetryBackoff time.Duration
	// LockedDelay postpones intents whose event is leased by a running pass. Default 10s.
	LockedDelay time.Duration

	Now func() time.Time
}

func (c *OutboxConfig) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
	if c.LockedDelay <= 0 {
		c.LockedDelay = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Outbox consumes sync intents.
type Outbox struct {
	logger *slog.Logger
	queue  Queue
	syncer EventSyncer
	cfg    OutboxConfig
}

// NewOutbox creates an Outbox.
func NewOutbox(logger *slog.Logger, queue Queue, s EventSyncer, cfg OutboxConfig) *Outbox {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.normalize()
	return &Outbox{logger: logger, queue: queue, syncer: s, cfg: cfg}
}

// Run polls the outbox until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) error {
	o.logger.Info("Starting outbox worker.", "interval", o.cfg.PollInterval)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := o.ProcessDue(ctx); err != nil {
			o.logger.Error("Outbox scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			o.logger.Info("Outbox worker stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessDue handles every intent due now and returns how many it handled.
func (o *Outbox) ProcessDue(ctx context.Context) (int, error) {
	intents, err := o.queue.DueIntents(ctx, o.cfg.Now(), o.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, intent := range intents {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := o.handle(ctx, intent); err != nil {
			return 0, err
		}
	}
	return len(intents), nil
}

// handle runs one intent. Only queue failures are returned; sync failures
// are rescheduled.
func (o *Outbox) handle(ctx context.Context, intent models.Intent) error {
	logger := o.logger.With("eventID", intent.EventID, "userID", intent.UserID, "attempt", intent.Attempts+1)
	outcome, err := o.syncer.SyncOneEvent(ctx, intent.EventID)
	now := o.cfg.Now()

	switch {
	case err != nil:
		if intent.Attempts+1 >= o.cfg.MaxAttempts {
			logger.Error("Giving up on event sync, leaving it to the next full pass", "error", err)
			return o.queue.CompleteIntent(ctx, intent)
		}
		delay := Backoff(o.cfg.RetryBackoff, intent.Attempts)
		logger.Warn("Event sync failed, will retry", "error", err, "in", delay)
		return o.queue.RetryIntent(ctx, intent, now.Add(delay), err.Error())
	case outcome == syncer.OutcomeLocked:
		logger.Debug("Event is locked by a running pass, deferring")
		return o.queue.DeferIntent(ctx, intent, now.Add(o.cfg.LockedDelay))
	default:
		logger.Debug("Event sync finished", "outcome", outcome)
		return o.queue.CompleteIntent(ctx, intent)
	}
}
