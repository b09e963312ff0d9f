package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"

	"plansync/internal/models"
)

// RemoteUpsert carries a validated remote event into the local store.
type RemoteUpsert struct {
	UserID     string
	CalendarID string
	GroupID    int64
	SubjectID  int64
	Event      *models.ParsedEvent
}

// FindByRemoteID returns the user's event mirroring remoteID.
func (s *Store) FindByRemoteID(ctx context.Context, userID, remoteID string) (*models.Event, error) {
	var event *models.Event
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		events, err := queryEvents(conn, `WHERE e.user_id = ? AND e.remote_id = ?`, userID, remoteID)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			event = &events[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, fmt.Errorf("%w: remote event %s", ErrNotFound, remoteID)
	}
	return event, nil
}

// UpsertFromRemote creates or updates the event keyed by (remote id, user)
// with the remote copy's fields. The sync lease is cleared, the state
// becomes Synced and last_update takes the remote updated instant.
func (s *Store) UpsertFromRemote(ctx context.Context, u RemoteUpsert) (created bool, err error) {
	p := u.Event
	err = s.withTx(ctx, func(conn *sqlite.Conn) error {
		var existingID int64
		err := executeRows(conn, `SELECT id FROM events WHERE user_id = ? AND remote_id = ?`,
			func(stmt *sqlite.Stmt) { existingID = stmt.ColumnInt64(0) },
			u.UserID, p.ID)
		if err != nil {
			return fmt.Errorf("store: upsert lookup: %w", err)
		}

		if existingID == 0 {
			created = true
			err = exec(conn, `INSERT INTO events
				(user_id, group_id, subject_id, type, starts_at, ends_at, title, location, notes,
				 remote_id, calendar_id, state, last_update, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				u.UserID, u.GroupID, u.SubjectID, string(p.Type), toNanos(p.Start), toNanos(p.End),
				p.Title, p.Location, p.Notes, p.ID, u.CalendarID, string(models.Synced),
				toNanos(p.Updated), toNanos(s.now()))
		} else {
			err = exec(conn, `UPDATE events SET
				group_id = ?, subject_id = ?, type = ?, starts_at = ?, ends_at = ?,
				title = ?, location = ?, notes = ?, calendar_id = ?, state = ?,
				lease_holder = '', lease_expires = 0, last_update = ?
				WHERE id = ?`,
				u.GroupID, u.SubjectID, string(p.Type), toNanos(p.Start), toNanos(p.End),
				p.Title, p.Location, p.Notes, u.CalendarID, string(models.Synced),
				toNanos(p.Updated), existingID)
		}
		if err != nil {
			return fmt.Errorf("store: upsert remote event %s: %w", p.ID, err)
		}
		return nil
	})
	return created, err
}

// MarkPushed records the result of a successful push. The event only
// becomes Synced when last_update still equals pushed, the value the push
// read; a local edit that raced the push keeps its pending state so the
// next pass pushes it again. last_update moves forward to remoteUpdated so
// both sides agree on the instant of the write.
func (s *Store) MarkPushed(ctx context.Context, id int64, remoteID, calendarID string, pushed, remoteUpdated time.Time) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		pushedNanos := toNanos(pushed)
		agreed := pushedNanos
		if remoteUpdated.After(pushed) {
			agreed = toNanos(remoteUpdated)
		}
		err := exec(conn, `UPDATE events SET
			remote_id = ?, calendar_id = ?,
			state = CASE
				WHEN last_update = ? AND state != ? THEN ?
				WHEN state = ? THEN ?
				ELSE state END,
			last_update = CASE WHEN last_update = ? AND state != ? THEN ? ELSE last_update END
			WHERE id = ?`,
			remoteID, calendarID,
			pushedNanos, string(models.PendingDelete), string(models.Synced),
			string(models.Unsynced), string(models.PendingPush),
			pushedNanos, string(models.PendingDelete), agreed,
			id)
		if err != nil {
			return fmt.Errorf("store: mark pushed %d: %w", id, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: event %d", ErrNotFound, id)
		}
		return nil
	})
}

// ClearRemoteID forgets a remote id that the remote calendar reports as
// gone. Affected events fall back to Unsynced and are pushed afresh;
// tombstones stay tombstones.
func (s *Store) ClearRemoteID(ctx context.Context, userID, remoteID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := exec(conn, `UPDATE events SET remote_id = '',
			state = CASE WHEN state = ? THEN state ELSE ? END
			WHERE user_id = ? AND remote_id = ?`,
			string(models.PendingDelete), string(models.Unsynced), userID, remoteID)
		if err != nil {
			return fmt.Errorf("store: clear remote id %s: %w", remoteID, err)
		}
		return nil
	})
}

// DeleteByRemoteID removes the user's events mirroring remoteID and
// returns how many were deleted.
func (s *Store) DeleteByRemoteID(ctx context.Context, userID, remoteID string) (int, error) {
	var deleted int
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := exec(conn, `DELETE FROM outbox WHERE event_id IN
			(SELECT id FROM events WHERE user_id = ? AND remote_id = ?)`, userID, remoteID); err != nil {
			return fmt.Errorf("store: delete by remote id: %w", err)
		}
		if err := exec(conn, `DELETE FROM events WHERE user_id = ? AND remote_id = ?`, userID, remoteID); err != nil {
			return fmt.Errorf("store: delete by remote id: %w", err)
		}
		deleted = conn.Changes()
		return nil
	})
	return deleted, err
}

// PurgeEvent removes an event and any pending intent for it. Purging a
// missing event is not an error.
func (s *Store) PurgeEvent(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		return purge(conn, id)
	})
}

// AcquireLease takes the sync lease on an event for ttl. It returns false
// when another holder has a live lease, and ErrNotFound when the event is gone.
func (s *Store) AcquireLease(ctx context.Context, id int64, holder string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		now := s.now()
		err := exec(conn, `UPDATE events SET lease_holder = ?, lease_expires = ?
			WHERE id = ? AND (lease_holder = '' OR lease_expires <= ?)`,
			holder, toNanos(now.Add(ttl)), id, toNanos(now))
		if err != nil {
			return fmt.Errorf("store: acquire lease %d: %w", id, err)
		}
		if conn.Changes() == 1 {
			acquired = true
			return nil
		}
		found, err := exists(conn, `SELECT 1 FROM events WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: acquire lease %d: %w", id, err)
		}
		if !found {
			return fmt.Errorf("%w: event %d", ErrNotFound, id)
		}
		return nil
	})
	return acquired, err
}

// ReleaseLease clears the lease if holder still owns it. Releasing the
// lease of a deleted event is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, id int64, holder string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := exec(conn, `UPDATE events SET lease_holder = '', lease_expires = 0
			WHERE id = ? AND lease_holder = ?`, id, holder)
		if err != nil {
			return fmt.Errorf("store: release lease %d: %w", id, err)
		}
		return nil
	})
}
