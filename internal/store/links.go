package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"

	"plansync/internal/models"
)

func scanLink(stmt *sqlite.Stmt) models.CalendarLink {
	return models.CalendarLink{
		UserID:     stmt.ColumnText(0),
		CalendarID: stmt.ColumnText(1),
		CreatedAt:  fromNanos(stmt.ColumnInt64(2)),
		LastSync:   fromNanos(stmt.ColumnInt64(3)),
	}
}

// GetCalendarLink returns the remote calendar bound to a user.
func (s *Store) GetCalendarLink(ctx context.Context, userID string) (*models.CalendarLink, error) {
	var link *models.CalendarLink
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return executeRows(conn, `SELECT user_id, calendar_id, created_at, last_sync
			FROM calendar_links WHERE user_id = ?`,
			func(stmt *sqlite.Stmt) {
				l := scanLink(stmt)
				link = &l
			}, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("store: calendar link: %w", err)
	}
	if link == nil {
		return nil, fmt.Errorf("%w: calendar link for %s", ErrNotFound, userID)
	}
	return link, nil
}

// CreateCalendarLink binds a user to a remote calendar. Each user has at most one.
func (s *Store) CreateCalendarLink(ctx context.Context, userID, calendarID string) (*models.CalendarLink, error) {
	link := &models.CalendarLink{UserID: userID, CalendarID: calendarID, CreatedAt: s.now().UTC()}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := exec(conn, `INSERT INTO calendar_links (user_id, calendar_id, created_at) VALUES (?, ?, ?)`,
			userID, calendarID, toNanos(link.CreatedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: calendar link for %s", ErrConflict, userID)
		}
		if err != nil {
			return fmt.Errorf("store: create calendar link: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// TouchLastSync stamps the time of the user's last completed pull.
func (s *Store) TouchLastSync(ctx context.Context, userID string, at time.Time) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := exec(conn, `UPDATE calendar_links SET last_sync = ? WHERE user_id = ?`, toNanos(at), userID); err != nil {
			return fmt.Errorf("store: touch last sync: %w", err)
		}
		return nil
	})
}

// ListCalendarLinks returns every user with a linked calendar.
func (s *Store) ListCalendarLinks(ctx context.Context) ([]models.CalendarLink, error) {
	var links []models.CalendarLink
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return executeRows(conn, `SELECT user_id, calendar_id, created_at, last_sync
			FROM calendar_links ORDER BY user_id`,
			func(stmt *sqlite.Stmt) { links = append(links, scanLink(stmt)) })
	})
	if err != nil {
		return nil, fmt.Errorf("store: list calendar links: %w", err)
	}
	return links, nil
}
