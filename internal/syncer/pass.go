package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"

	"plansync/internal/google"
	"plansync/internal/models"
	"plansync/internal/store"
)

// pass is one sync run against a single user's calendar. Every pass holds
// its own lease identity.
type pass struct {
	*Engine
	remote     Remote
	userID     string
	calendarID string
	holder     string
	logger     *slog.Logger
	result     *Result
}

func (e *Engine) newPass(ctx context.Context, userID string) (*pass, error) {
	link, err := e.store.GetCalendarLink(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoCalendar
	}
	if err != nil {
		return nil, err
	}
	remote, err := e.remotes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("remote client for %s: %w", userID, err)
	}
	holder := uuid.NewString()
	return &pass{
		Engine:     e,
		remote:     remote,
		userID:     userID,
		calendarID: link.CalendarID,
		holder:     holder,
		logger:     e.logger.With("userID", userID, "calendarID", link.CalendarID, "pass", holder),
		result:     &Result{UserID: userID, Phase: PhasePulling},
	}, nil
}

func (p *pass) enter(phase Phase) {
	p.result.Phase = phase
	p.logger.Debug("Sync phase", "phase", phase)
}

func (p *pass) fail(err error) error {
	perr := &PhaseError{Phase: p.result.Phase, Err: err}
	p.result.Phase = PhaseFailed
	p.logger.Error("Sync pass failed", "phase", perr.Phase, "error", err)
	return perr
}

func (p *pass) run(ctx context.Context) (*Result, error) {
	p.logger.Info("Starting sync pass")
	start := p.cfg.Now()

	p.enter(PhasePulling)
	items, err := p.listRemote(ctx, start.Add(-p.cfg.Window))
	if err != nil {
		return p.result, p.fail(err)
	}
	processed := make(map[string]struct{}, len(items))
	for _, item := range items {
		if err := p.reconcile(ctx, item, processed); err != nil {
			return p.result, p.fail(err)
		}
	}

	p.enter(PhasePruning)
	if err := p.prune(ctx, processed); err != nil {
		return p.result, p.fail(err)
	}
	if err := p.store.TouchLastSync(ctx, p.userID, p.cfg.Now()); err != nil {
		return p.result, p.fail(err)
	}

	p.enter(PhasePushing)
	if err := p.pushAll(ctx); err != nil {
		return p.result, p.fail(err)
	}

	p.enter(PhaseDone)
	p.logger.Info("Sync pass finished", "result", p.result, "duration", p.cfg.Now().Sub(start))
	return p.result, nil
}

// listRemote pages through every remote event in the window, cancelled
// markers included.
func (p *pass) listRemote(ctx context.Context, since time.Time) ([]*calendar.Event, error) {
	var (
		all       []*calendar.Event
		pageToken string
	)
	for {
		items, next, err := p.remote.ListEvents(ctx, p.calendarID, since, pageToken)
		if err != nil {
			return nil, fmt.Errorf("list remote events: %w", err)
		}
		all = append(all, items...)
		if next == "" {
			break
		}
		pageToken = next
	}
	p.result.Pulled = len(all)
	p.logger.Debug("Fetched remote events", "count", len(all), "since", since)
	return all, nil
}

// reconcile applies one remote event locally. Only store failures are returned.
func (p *pass) reconcile(ctx context.Context, item *calendar.Event, processed map[string]struct{}) error {
	processed[item.Id] = struct{}{}
	p.result.Phase = PhasePulling
	logger := p.logger.With("remoteID", item.Id)

	if item.Status == "cancelled" {
		n, err := p.store.DeleteByRemoteID(ctx, p.userID, item.Id)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("Remote event cancelled, deleted local copy")
			p.result.DeletedLocal += n
		}
		return nil
	}

	parsed, err := p.codec.Decode(item)
	if err != nil {
		logger.Warn("Skipping undecodable remote event", "error", err)
		p.result.DecodeFailures++
		return nil
	}

	p.result.Phase = PhaseValidating
	verdict, err := NewValidator(p.store).Validate(ctx, p.userID, parsed)
	if err != nil {
		return err
	}
	if !verdict.Accepted {
		logger.Warn("Remote event rejected, removing it from the calendar", "title", parsed.Title, "reason", verdict.Reason)
		p.result.Rejected++
		p.deleteRemote(ctx, item.Id)
		return nil
	}

	p.result.Phase = PhaseResolvingLocal

	local, err := p.store.FindByRemoteID(ctx, p.userID, item.Id)
	if errors.Is(err, store.ErrNotFound) {
		local = nil
	} else if err != nil {
		return err
	}
	if !ShouldOverwriteLocal(local, parsed.Updated) {
		p.result.Unchanged++
		return nil
	}

	created, err := p.store.UpsertFromRemote(ctx, store.RemoteUpsert{
		UserID:     p.userID,
		CalendarID: p.calendarID,
		GroupID:    verdict.GroupID,
		SubjectID:  verdict.SubjectID,
		Event:      parsed,
	})
	if err != nil {
		return err
	}
	if created {
		logger.Info("Created local event from remote", "title", parsed.Title)
		p.result.Created++
	} else {
		logger.Info("Updated local event from remote", "title", parsed.Title)
		p.result.Updated++
	}
	return nil
}

// deleteRemote removes a rejected event from the remote calendar. A remote
// that already lost it only clears the local reference.
func (p *pass) deleteRemote(ctx context.Context, remoteID string) {
	err := p.remote.DeleteEvent(ctx, p.calendarID, remoteID)
	switch {
	case google.IsGone(err):
		p.logger.Warn("Rejected event already gone remotely", "remoteID", remoteID)
		if err := p.store.ClearRemoteID(ctx, p.userID, remoteID); err != nil {
			p.logger.Error("Failed to clear remote id", "remoteID", remoteID, "error", err)
		}
	case err != nil:
		p.logger.Error("Failed to delete rejected remote event", "remoteID", remoteID, "error", err)
	}
}

// prune deletes local events whose remote copy is definitively gone.
// Anything short of a not-found answer leaves the event alone.
func (p *pass) prune(ctx context.Context, processed map[string]struct{}) error {
	events, err := p.store.ListEvents(ctx, p.userID)
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.RemoteID == "" || event.CalendarID != p.calendarID {
			continue
		}
		if _, seen := processed[event.RemoteID]; seen {
			continue
		}
		_, err := p.remote.GetEvent(ctx, p.calendarID, event.RemoteID)
		switch {
		case err == nil:
			continue
		case google.IsGone(err):
			if err := p.store.PurgeEvent(ctx, event.ID); err != nil {
				return err
			}
			p.logger.Info("Deleted local event removed remotely", "eventID", event.ID, "remoteID", event.RemoteID)
			p.result.Pruned++
		default:
			p.logger.Error("Failed to probe remote event, keeping local copy",
				"eventID", event.ID, "remoteID", event.RemoteID, "error", err)
		}
	}
	return nil
}

func (p *pass) pushAll(ctx context.Context) error {
	events, err := p.store.ListEvents(ctx, p.userID)
	if err != nil {
		return err
	}
	for _, event := range events {
		outcome, err := p.pushOne(ctx, event.ID)
		if err != nil {
			p.logger.Error("Failed to push event", "eventID", event.ID, "error", err)
			p.result.PushFailures++
			continue
		}
		switch outcome {
		case OutcomePushed:
			p.result.Pushed++
		case OutcomeDeleted:
			p.result.Deleted++
		case OutcomeLocked:
			p.result.LockedSkips++
		default:
			p.result.Skipped++
		}
	}
	return nil
}

// pushOne reconciles a single local event to the remote calendar under
// the event's lease. The lease is released on every path.
func (p *pass) pushOne(ctx context.Context, eventID int64) (Outcome, error) {
	acquired, err := p.store.AcquireLease(ctx, eventID, p.holder, p.cfg.LeaseTTL)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeGone, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	if !acquired {
		p.logger.Debug("Event is being synced elsewhere, skipping", "eventID", eventID)
		return OutcomeLocked, nil
	}
	defer func() {
		if err := p.store.ReleaseLease(context.WithoutCancel(ctx), eventID, p.holder); err != nil {
			p.logger.Error("Failed to release sync lease", "eventID", eventID, "error", err)
		}
	}()

	event, err := p.store.GetEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeGone, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	var (
		current  *calendar.Event
		probeErr error
	)
	if NeedsProbe(event) {
		current, probeErr = p.remote.GetEvent(ctx, p.calendarID, event.RemoteID)
		if probeErr != nil && !google.IsGone(probeErr) {
			p.logger.Error("Failed to fetch remote event, not pushing",
				"eventID", event.ID, "remoteID", event.RemoteID, "error", probeErr)
		}
	}

	switch DecidePush(event, current, probeErr) {
	case PushInsert:
		return p.insert(ctx, event)
	case PushUpdate:
		return p.update(ctx, event)
	case PushDelete:
		return p.remove(ctx, event)
	default:
		return OutcomeSkipped, nil
	}
}

func (p *pass) insert(ctx context.Context, event *models.Event) (Outcome, error) {
	created, err := p.remote.InsertEvent(ctx, p.calendarID, p.codec.Encode(event))
	if err != nil {
		return OutcomeFailed, fmt.Errorf("insert event %d: %w", event.ID, err)
	}
	err = p.store.MarkPushed(ctx, event.ID, created.Id, p.calendarID, event.LastUpdate, remoteUpdated(created))
	if errors.Is(err, store.ErrNotFound) {
		// Deleted locally while the insert was in flight.
		p.logger.Info("Event deleted during push, removing remote copy", "eventID", event.ID, "remoteID", created.Id)
		if err := p.remote.DeleteEvent(ctx, p.calendarID, created.Id); err != nil && !google.IsGone(err) {
			return OutcomeFailed, fmt.Errorf("delete orphaned remote event %s: %w", created.Id, err)
		}
		return OutcomeGone, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	p.logger.Info("Created remote event", "eventID", event.ID, "remoteID", created.Id)
	return OutcomePushed, nil
}

func (p *pass) update(ctx context.Context, event *models.Event) (Outcome, error) {
	updated, err := p.remote.UpdateEvent(ctx, p.calendarID, event.RemoteID, p.codec.Encode(event))
	if google.IsGone(err) {
		if clearErr := p.store.ClearRemoteID(ctx, p.userID, event.RemoteID); clearErr != nil {
			p.logger.Error("Failed to clear remote id", "eventID", event.ID, "error", clearErr)
		}
		return OutcomeFailed, fmt.Errorf("update event %d: %w", event.ID, err)
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("update event %d: %w", event.ID, err)
	}
	err = p.store.MarkPushed(ctx, event.ID, event.RemoteID, p.calendarID, event.LastUpdate, remoteUpdated(updated))
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeGone, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	p.logger.Info("Updated remote event", "eventID", event.ID, "remoteID", event.RemoteID)
	return OutcomePushed, nil
}

// remove deletes a tombstoned event remotely, then locally.
func (p *pass) remove(ctx context.Context, event *models.Event) (Outcome, error) {
	if event.RemoteID != "" {
		err := p.remote.DeleteEvent(ctx, p.calendarID, event.RemoteID)
		if err != nil && !google.IsGone(err) {
			return OutcomeFailed, fmt.Errorf("delete remote event %s: %w", event.RemoteID, err)
		}
	}
	if err := p.store.PurgeEvent(ctx, event.ID); err != nil {
		return OutcomeFailed, err
	}
	p.logger.Info("Deleted remote event", "eventID", event.ID, "remoteID", event.RemoteID)
	return OutcomeDeleted, nil
}

func remoteUpdated(event *calendar.Event) time.Time {
	if event == nil || event.Updated == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, event.Updated)
	if err != nil {
		return time.Time{}
	}
	return t
}
