// Package syncer keeps each user's local events mirrored into their remote
// calendar.
//
// A full pass pulls every remote event in a trailing window, validates it
// against the local scheduling rules and applies it locally when the
// remote copy is newer. Local events whose remote copy vanished are
// pruned, then every local event is pushed when it changed since the two
// sides last agreed. Conflicts are resolved whole-event, last writer wins
// by timestamp, and ties keep whatever the side being asked already has.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"

	"plansync/internal/codec"
	"plansync/internal/models"
	"plansync/internal/store"
)

var (
	// ErrSyncInProgress is returned when a full pass for the same user is already running.
	ErrSyncInProgress = errors.New("syncer: sync already in progress for user")
	// ErrNoCalendar is returned for users without a linked remote calendar.
	ErrNoCalendar = errors.New("syncer: user has no linked calendar")
)

// Remote is the slice of the Calendar API the engine needs. Errors for
// missing events must satisfy google.IsGone.
type Remote interface {
	ListEvents(ctx context.Context, calendarID string, since time.Time, pageToken string) ([]*calendar.Event, string, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error)
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	CreateCalendar(ctx context.Context, summary, timeZone, description string) (string, error)
}

// RemoteFactory returns a Remote authenticated as userID.
type RemoteFactory func(ctx context.Context, userID string) (Remote, error)

// Store is the local event store the engine reconciles against.
type Store interface {
	GroupByName(ctx context.Context, userID, name string) (*models.Group, error)
	SubjectByName(ctx context.Context, userID, name string) (*models.Subject, error)
	PlanFor(ctx context.Context, userID string, groupID, subjectID int64) (*models.Plan, error)
	Overlaps(ctx context.Context, userID string, start, end time.Time, excludeRemoteID string) (bool, error)
	ScheduledDuration(ctx context.Context, userID string, groupID, subjectID int64, eventType models.EventType, excludeRemoteID string) (time.Duration, error)

	GetEvent(ctx context.Context, id int64) (*models.Event, error)
	ListEvents(ctx context.Context, userID string) ([]models.Event, error)
	FindByRemoteID(ctx context.Context, userID, remoteID string) (*models.Event, error)
	UpsertFromRemote(ctx context.Context, u store.RemoteUpsert) (bool, error)
	MarkPushed(ctx context.Context, id int64, remoteID, calendarID string, pushed, remoteUpdated time.Time) error
	ClearRemoteID(ctx context.Context, userID, remoteID string) error
	DeleteByRemoteID(ctx context.Context, userID, remoteID string) (int, error)
	PurgeEvent(ctx context.Context, id int64) error

	AcquireLease(ctx context.Context, id int64, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, id int64, holder string) error

	GetCalendarLink(ctx context.Context, userID string) (*models.CalendarLink, error)
	CreateCalendarLink(ctx context.Context, userID, calendarID string) (*models.CalendarLink, error)
	TouchLastSync(ctx context.Context, userID string, at time.Time) error
}

// Config tunes the engine. Zero values take the defaults noted per field.
type Config struct {
	// Window is how far back the pull looks. Default 30 days.
	Window time.Duration
	// LeaseTTL bounds how long a crashed pass can hold an event. Default 2 minutes.
	LeaseTTL time.Duration
	// Location is the time zone events are pushed in. Default UTC.
	Location *time.Location

	CalendarName        string
	CalendarTimeZone    string
	CalendarDescription string

	Now func() time.Time
}

func (c *Config) normalize() {
	if c.Window <= 0 {
		c.Window = 30 * 24 * time.Hour
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.CalendarName == "" {
		c.CalendarName = "Academic Planner"
	}
	if c.CalendarTimeZone == "" {
		c.CalendarTimeZone = c.Location.String()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Engine runs sync passes. It is safe for concurrent use; full passes are
// single-flight per user.
type Engine struct {
	logger  *slog.Logger
	store   Store
	remotes RemoteFactory
	codec   codec.Codec
	cfg     Config

	mu      sync.Mutex
	running map[string]struct{}
}

// NewEngine creates an Engine.
func NewEngine(logger *slog.Logger, st Store, remotes RemoteFactory, cfg Config) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.normalize()
	return &Engine{
		logger:  logger,
		store:   st,
		remotes: remotes,
		codec:   codec.New(cfg.Location),
		cfg:     cfg,
		running: make(map[string]struct{}),
	}
}

func (e *Engine) begin(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[userID]; busy {
		return false
	}
	e.running[userID] = struct{}{}
	return true
}

func (e *Engine) end(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, userID)
}

// FullSync runs one pull-then-push pass for a user.
func (e *Engine) FullSync(ctx context.Context, userID string) (*Result, error) {
	if !e.begin(userID) {
		return nil, ErrSyncInProgress
	}
	defer e.end(userID)

	p, err := e.newPass(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.run(ctx)
}

// SyncOneEvent pushes a single event, typically right after a local write.
func (e *Engine) SyncOneEvent(ctx context.Context, eventID int64) (Outcome, error) {
	event, err := e.store.GetEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Info("Event no longer exists, nothing to sync", "eventID", eventID)
		return OutcomeGone, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	p, err := e.newPass(ctx, event.UserID)
	if errors.Is(err, ErrNoCalendar) {
		e.logger.Info("User has no linked calendar, sync skipped", "eventID", eventID, "userID", event.UserID)
		return OutcomeNoCalendar, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	return p.pushOne(ctx, eventID)
}

// CreateCalendar creates the user's remote calendar and links it. An
// existing link is returned unchanged.
func (e *Engine) CreateCalendar(ctx context.Context, userID string) (*models.CalendarLink, error) {
	link, err := e.store.GetCalendarLink(ctx, userID)
	if err == nil {
		return link, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	remote, err := e.remotes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("remote client for %s: %w", userID, err)
	}
	calendarID, err := remote.CreateCalendar(ctx, e.cfg.CalendarName, e.cfg.CalendarTimeZone, e.cfg.CalendarDescription)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar for %s: %w", userID, err)
	}
	link, err = e.store.CreateCalendarLink(ctx, userID, calendarID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Linked remote calendar", "userID", userID, "calendarID", calendarID)
	return link, nil
}
