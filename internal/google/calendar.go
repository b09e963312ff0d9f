package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrNotFound is matched by errors returned for events or calendars the
// remote service reports as missing (404) or permanently gone (410).
var ErrNotFound = errors.New("google: not found")

// APIError describes a failed Calendar API call.
type APIError struct {
	Op   string
	Code int
	Err  error
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("google: %s: status %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("google: %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) match 404 and 410 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && IsGoneStatus(e.Code)
}

// IsGoneStatus reports whether an HTTP status means the resource is definitively gone.
func IsGoneStatus(code int) bool {
	return code == http.StatusNotFound || code == http.StatusGone
}

// IsGone reports whether err means the remote resource no longer exists.
func IsGone(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	apiErr := &APIError{Op: op, Err: err}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		apiErr.Code = gerr.Code
	}
	return apiErr
}

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
}

// NewClient creates a Google Calendar client. The options decide how the
// client authenticates; callers normally pass option.WithHTTPClient with an
// oauth2 client, tests pass option.WithEndpoint at an httptest server.
func NewClient(ctx context.Context, logger *slog.Logger, opts ...option.ClientOption) (*CalendarClient, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &CalendarClient{service: service, logger: logger}, nil
}

// ListEvents fetches one page of events active or modified since the given
// instant, including cancelled markers. An empty next token means the
// listing is exhausted.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, since time.Time, pageToken string) ([]*calendar.Event, string, error) {
	c.logger.Debug("Listing calendar events", "calendarID", calendarID, "since", since, "pageToken", pageToken)

	call := c.service.Events.List(calendarID).
		ShowDeleted(true).
		SingleEvents(true).
		TimeMin(since.UTC().Format(time.RFC3339)).
		OrderBy("startTime").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	events, err := call.Do()
	if err != nil {
		return nil, "", wrapError("list events", err)
	}
	return events.Items, events.NextPageToken, nil
}

// GetEvent fetches a single event. Missing events yield an error matching ErrNotFound.
func (c *CalendarClient) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	event, err := c.service.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, wrapError("get event", err)
	}
	return event, nil
}

// InsertEvent creates an event and returns it as stored by the service.
func (c *CalendarClient) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	created, err := c.service.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, wrapError("insert event", err)
	}
	c.logger.Info("Created remote event", "calendarID", calendarID, "remoteID", created.Id)
	return created, nil
}

// UpdateEvent replaces an existing event and returns it as stored by the service.
func (c *CalendarClient) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	updated, err := c.service.Events.Update(calendarID, eventID, event).Context(ctx).Do()
	if err != nil {
		return nil, wrapError("update event", err)
	}
	c.logger.Info("Updated remote event", "calendarID", calendarID, "remoteID", eventID)
	return updated, nil
}

// DeleteEvent removes an event.
func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.service.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return wrapError("delete event", err)
	}
	c.logger.Info("Deleted remote event", "calendarID", calendarID, "remoteID", eventID)
	return nil
}

// CreateCalendar creates a secondary calendar and returns its id.
func (c *CalendarClient) CreateCalendar(ctx context.Context, summary, timeZone, description string) (string, error) {
	created, err := c.service.Calendars.Insert(&calendar.Calendar{
		Summary:     summary,
		TimeZone:    timeZone,
		Description: description,
	}).Context(ctx).Do()
	if err != nil {
		return "", wrapError("create calendar", err)
	}
	c.logger.Info("Created remote calendar", "calendarID", created.Id, "summary", summary)
	return created.Id, nil
}
