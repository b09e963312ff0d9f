package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"

	"plansync/internal/models"
)

// enqueue records that an event needs reconciling. Repeated writes to the
// same event collapse into one intent whose generation is bumped, so a
// worker finishing an older generation does not drop the newer request.
func enqueue(conn *sqlite.Conn, eventID int64, userID string, now time.Time) error {
	err := exec(conn, `INSERT INTO outbox (event_id, user_id, next_run, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			attempts = 0,
			generation = generation + 1,
			next_run = excluded.next_run,
			last_error = ''`,
		eventID, userID, toNanos(now), toNanos(now))
	if err != nil {
		return fmt.Errorf("store: enqueue intent for event %d: %w", eventID, err)
	}
	return nil
}

// DueIntents returns up to limit intents whose next run is at or before now.
func (s *Store) DueIntents(ctx context.Context, now time.Time, limit int) ([]models.Intent, error) {
	if limit <= 0 {
		limit = 50
	}
	var intents []models.Intent
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return executeRows(conn, `SELECT id, event_id, user_id, attempts, generation, next_run, last_error, created_at
			FROM outbox WHERE next_run <= ? ORDER BY next_run, id LIMIT ?`,
			func(stmt *sqlite.Stmt) {
				intents = append(intents, models.Intent{
					ID:         stmt.ColumnInt64(0),
					EventID:    stmt.ColumnInt64(1),
					UserID:     stmt.ColumnText(2),
					Attempts:   stmt.ColumnInt(3),
					Generation: stmt.ColumnInt64(4),
					NextRun:    fromNanos(stmt.ColumnInt64(5)),
					LastError:  stmt.ColumnText(6),
					CreatedAt:  fromNanos(stmt.ColumnInt64(7)),
				})
			}, toNanos(now), limit)
	})
	if err != nil {
		return nil, fmt.Errorf("store: due intents: %w", err)
	}
	return intents, nil
}

// CompleteIntent removes an intent unless it was re-enqueued since it was read.
func (s *Store) CompleteIntent(ctx context.Context, intent models.Intent) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := exec(conn, `DELETE FROM outbox WHERE id = ? AND generation = ?`, intent.ID, intent.Generation); err != nil {
			return fmt.Errorf("store: complete intent %d: %w", intent.ID, err)
		}
		return nil
	})
}

// RetryIntent records a failed attempt and schedules the next one.
func (s *Store) RetryIntent(ctx context.Context, intent models.Intent, next time.Time, lastErr string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := exec(conn, `UPDATE outbox SET attempts = attempts + 1, next_run = ?, last_error = ?
			WHERE id = ? AND generation = ?`, toNanos(next), lastErr, intent.ID, intent.Generation)
		if err != nil {
			return fmt.Errorf("store: retry intent %d: %w", intent.ID, err)
		}
		return nil
	})
}

// DeferIntent pushes an intent's next run back without counting an attempt.
func (s *Store) DeferIntent(ctx context.Context, intent models.Intent, next time.Time) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := exec(conn, `UPDATE outbox SET next_run = ? WHERE id = ? AND generation = ?`,
			toNanos(next), intent.ID, intent.Generation)
		if err != nil {
			return fmt.Errorf("store: defer intent %d: %w", intent.ID, err)
		}
		return nil
	})
}
