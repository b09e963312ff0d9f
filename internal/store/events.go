package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"plansync/internal/models"
)

const eventSelect = `SELECT e.id, e.user_id, e.group_id, COALESCE(g.name, ''), e.subject_id, COALESCE(s.name, ''),
	e.type, e.starts_at, e.ends_at, e.title, e.location, e.notes, e.remote_id, e.calendar_id,
	e.state, e.lease_holder, e.lease_expires, e.last_update, e.created_at
	FROM events e
	LEFT JOIN student_groups g ON g.id = e.group_id
	LEFT JOIN subjects s ON s.id = e.subject_id `

func scanEvent(stmt *sqlite.Stmt) models.Event {
	return models.Event{
		ID:           stmt.ColumnInt64(0),
		UserID:       stmt.ColumnText(1),
		GroupID:      stmt.ColumnInt64(2),
		GroupName:    stmt.ColumnText(3),
		SubjectID:    stmt.ColumnInt64(4),
		SubjectName:  stmt.ColumnText(5),
		Type:         models.EventType(stmt.ColumnText(6)),
		Start:        fromNanos(stmt.ColumnInt64(7)),
		End:          fromNanos(stmt.ColumnInt64(8)),
		Title:        stmt.ColumnText(9),
		Location:     stmt.ColumnText(10),
		Notes:        stmt.ColumnText(11),
		RemoteID:     stmt.ColumnText(12),
		CalendarID:   stmt.ColumnText(13),
		State:        models.SyncState(stmt.ColumnText(14)),
		LeaseHolder:  stmt.ColumnText(15),
		LeaseExpires: fromNanos(stmt.ColumnInt64(16)),
		LastUpdate:   fromNanos(stmt.ColumnInt64(17)),
		CreatedAt:    fromNanos(stmt.ColumnInt64(18)),
	}
}

func queryEvents(conn *sqlite.Conn, where string, args ...any) ([]models.Event, error) {
	var events []models.Event
	err := sqlitex.Execute(conn, eventSelect+where, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			events = append(events, scanEvent(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	return events, nil
}

func getEvent(conn *sqlite.Conn, id int64) (*models.Event, error) {
	events, err := queryEvents(conn, `WHERE e.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: event %d", ErrNotFound, id)
	}
	return &events[0], nil
}

// GetEvent returns a single event by local id.
func (s *Store) GetEvent(ctx context.Context, id int64) (*models.Event, error) {
	var event *models.Event
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		event, err = getEvent(conn, id)
		return err
	})
	return event, err
}

// ListEvents returns every event of a user, tombstones included, ordered by start.
func (s *Store) ListEvents(ctx context.Context, userID string) ([]models.Event, error) {
	var events []models.Event
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		events, err = queryEvents(conn, `WHERE e.user_id = ? ORDER BY e.starts_at, e.ends_at, e.id`, userID)
		return err
	})
	return events, err
}

// CreateEvent validates and inserts a locally created event, filling in
// its id, state and timestamps. A push intent is enqueued.
func (s *Store) CreateEvent(ctx context.Context, e *models.Event) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := checkEvent(conn, e, 0); err != nil {
			return err
		}

		now := s.now()
		e.State = models.Unsynced
		e.RemoteID = ""
		e.LastUpdate = s.stamp(time.Time{})
		e.CreatedAt = now

		err := exec(conn, `INSERT INTO events
			(user_id, group_id, subject_id, type, starts_at, ends_at, title, location, notes,
			 remote_id, calendar_id, state, last_update, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?)`,
			e.UserID, e.GroupID, e.SubjectID, string(e.Type), toNanos(e.Start), toNanos(e.End),
			e.Title, e.Location, e.Notes, e.CalendarID, string(e.State),
			toNanos(e.LastUpdate), toNanos(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("store: create event: %w", err)
		}
		e.ID = conn.LastInsertRowID()
		return enqueue(conn, e.ID, e.UserID, now)
	})
}

// UpdateEvent validates and writes the user-editable fields of an existing
// event, advances last_update and enqueues a push intent.
func (s *Store) UpdateEvent(ctx context.Context, e *models.Event) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		current, err := getEvent(conn, e.ID)
		if err != nil {
			return err
		}
		if current.UserID != e.UserID || current.State == models.PendingDelete {
			return fmt.Errorf("%w: event %d", ErrNotFound, e.ID)
		}
		if err := checkEvent(conn, e, e.ID); err != nil {
			return err
		}

		e.RemoteID = current.RemoteID
		e.CalendarID = current.CalendarID
		e.CreatedAt = current.CreatedAt
		e.State = models.Unsynced
		if current.RemoteID != "" {
			e.State = models.PendingPush
		}
		e.LastUpdate = s.stamp(current.LastUpdate)

		err = exec(conn, `UPDATE events SET
			group_id = ?, subject_id = ?, type = ?, starts_at = ?, ends_at = ?,
			title = ?, location = ?, notes = ?, state = ?, last_update = ?
			WHERE id = ?`,
			e.GroupID, e.SubjectID, string(e.Type), toNanos(e.Start), toNanos(e.End),
			e.Title, e.Location, e.Notes, string(e.State), toNanos(e.LastUpdate), e.ID)
		if err != nil {
			return fmt.Errorf("store: update event: %w", err)
		}
		return enqueue(conn, e.ID, e.UserID, s.now())
	})
}

// DeleteEvent removes a local event. Events that already reached the
// remote calendar become PendingDelete tombstones until the worker
// deletes the remote copy.
func (s *Store) DeleteEvent(ctx context.Context, userID string, id int64) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		current, err := getEvent(conn, id)
		if err != nil {
			return err
		}
		if current.UserID != userID {
			return fmt.Errorf("%w: event %d", ErrNotFound, id)
		}
		if current.RemoteID == "" {
			return purge(conn, id)
		}
		now := s.now()
		if err := s.tombstone(conn, id, now); err != nil {
			return err
		}
		return enqueue(conn, id, userID, now)
	})
}

func (s *Store) tombstone(conn *sqlite.Conn, id int64, now time.Time) error {
	err := exec(conn, `UPDATE events SET state = ?,
		last_update = CASE WHEN last_update < ? THEN ? ELSE last_update + 1 END
		WHERE id = ?`,
		string(models.PendingDelete), toNanos(now), toNanos(now), id)
	if err != nil {
		return fmt.Errorf("store: tombstone event %d: %w", id, err)
	}
	return nil
}

func purge(conn *sqlite.Conn, id int64) error {
	if err := exec(conn, `DELETE FROM outbox WHERE event_id = ?`, id); err != nil {
		return fmt.Errorf("store: purge event %d: %w", id, err)
	}
	if err := exec(conn, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: purge event %d: %w", id, err)
	}
	return nil
}

// checkEvent applies the local scheduling rules to e and fills in its
// group and subject names. excludeID is the event's own id on update.
func checkEvent(conn *sqlite.Conn, e *models.Event, excludeID int64) error {
	if e.UserID == "" || e.Title == "" {
		return fmt.Errorf("%w: user and title are required", ErrInvalid)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalid, e.Type)
	}
	if !e.End.After(e.Start) {
		return fmt.Errorf("%w: end time must be after start time", ErrInvalid)
	}
	if !models.DurationAllowed(e.Type, e.Duration()) {
		return fmt.Errorf("%w: %s must last %s", ErrInvalid, e.Type, models.FixedDuration)
	}

	groupName, err := ownedName(conn, "student_groups", e.UserID, e.GroupID)
	if err != nil {
		return err
	}
	subjectName, err := ownedName(conn, "subjects", e.UserID, e.SubjectID)
	if err != nil {
		return err
	}
	e.GroupName, e.SubjectName = groupName, subjectName

	overlap, err := overlapping(conn, e.UserID, e.Start, e.End, excludeID, "")
	if err != nil {
		return err
	}
	if overlap {
		return ErrOverlap
	}

	plan, err := planFor(conn, e.UserID, e.GroupID, e.SubjectID)
	if err != nil {
		return err
	}
	if plan == nil {
		return fmt.Errorf("%w: no plan for group %q and subject %q", ErrInvalid, groupName, subjectName)
	}
	used, err := sumDuration(conn, e.UserID, e.GroupID, e.SubjectID, e.Type, excludeID, "")
	if err != nil {
		return err
	}
	if used+e.Duration() > plan.Budget(e.Type) {
		return fmt.Errorf("%w: %s hours for %q/%q exceed the plan (limit %s, scheduled %s)",
			ErrInvalid, e.Type, groupName, subjectName, plan.Budget(e.Type), used)
	}
	return nil
}

func ownedName(conn *sqlite.Conn, table, userID string, id int64) (string, error) {
	var name string
	found := false
	err := sqlitex.Execute(conn, `SELECT name FROM `+table+` WHERE user_id = ? AND id = ?`, &sqlitex.ExecOptions{
		Args: []any{userID, id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			name, found = stmt.ColumnText(0), true
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("store: lookup %s: %w", table, err)
	}
	if !found {
		return "", fmt.Errorf("%w: %s %d does not exist", ErrInvalid, table, id)
	}
	return name, nil
}

// overlapping reports whether a live event of the user intersects
// [start, end). Events matching excludeID or excludeRemoteID are ignored.
func overlapping(conn *sqlite.Conn, userID string, start, end time.Time, excludeID int64, excludeRemoteID string) (bool, error) {
	found, err := exists(conn, `SELECT 1 FROM events
		WHERE user_id = ? AND starts_at < ? AND ends_at > ? AND state != ?
		AND id != ? AND (? = '' OR remote_id != ?)
		LIMIT 1`,
		userID, toNanos(end), toNanos(start), string(models.PendingDelete),
		excludeID, excludeRemoteID, excludeRemoteID)
	if err != nil {
		return false, fmt.Errorf("store: overlap query: %w", err)
	}
	return found, nil
}

func sumDuration(conn *sqlite.Conn, userID string, groupID, subjectID int64, eventType models.EventType, excludeID int64, excludeRemoteID string) (time.Duration, error) {
	var total int64
	err := sqlitex.Execute(conn, `SELECT COALESCE(SUM(ends_at - starts_at), 0) FROM events
		WHERE user_id = ? AND group_id = ? AND subject_id = ? AND type = ? AND state != ?
		AND id != ? AND (? = '' OR remote_id != ?)`, &sqlitex.ExecOptions{
		Args: []any{userID, groupID, subjectID, string(eventType), string(models.PendingDelete),
			excludeID, excludeRemoteID, excludeRemoteID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			total = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: duration query: %w", err)
	}
	return time.Duration(total), nil
}

// Overlaps reports whether any live event of the user other than the one
// mirroring excludeRemoteID intersects [start, end).
func (s *Store) Overlaps(ctx context.Context, userID string, start, end time.Time, excludeRemoteID string) (bool, error) {
	var found bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		found, err = overlapping(conn, userID, start, end, 0, excludeRemoteID)
		return err
	})
	return found, err
}

// ScheduledDuration sums the length of the user's live events of one type
// for a group and subject, skipping the event mirroring excludeRemoteID.
func (s *Store) ScheduledDuration(ctx context.Context, userID string, groupID, subjectID int64, eventType models.EventType, excludeRemoteID string) (time.Duration, error) {
	var total time.Duration
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		total, err = sumDuration(conn, userID, groupID, subjectID, eventType, 0, excludeRemoteID)
		return err
	})
	return total, err
}
