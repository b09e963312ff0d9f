package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"plansync/internal/models"
)

// CreateGroup inserts a group and returns its id. Names are unique per user.
func (s *Store) CreateGroup(ctx context.Context, g models.Group) (int64, error) {
	if g.UserID == "" || g.Name == "" {
		return 0, fmt.Errorf("%w: group needs a user and a name", ErrInvalid)
	}
	var id int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := exec(conn, `INSERT INTO student_groups (user_id, name, color, description, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			g.UserID, g.Name, g.Color, g.Description, toNanos(s.now()))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: group %q", ErrConflict, g.Name)
		}
		if err != nil {
			return fmt.Errorf("store: create group: %w", err)
		}
		id = conn.LastInsertRowID()
		return nil
	})
	return id, err
}

// CreateSubject inserts a subject and returns its id. Names are unique per user.
func (s *Store) CreateSubject(ctx context.Context, sub models.Subject) (int64, error) {
	if sub.UserID == "" || sub.Name == "" {
		return 0, fmt.Errorf("%w: subject needs a user and a name", ErrInvalid)
	}
	var id int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := exec(conn, `INSERT INTO subjects (user_id, name, description, created_at)
			VALUES (?, ?, ?, ?)`,
			sub.UserID, sub.Name, sub.Description, toNanos(s.now()))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: subject %q", ErrConflict, sub.Name)
		}
		if err != nil {
			return fmt.Errorf("store: create subject: %w", err)
		}
		id = conn.LastInsertRowID()
		return nil
	})
	return id, err
}

// GroupByName looks up a user's group.
func (s *Store) GroupByName(ctx context.Context, userID, name string) (*models.Group, error) {
	var group *models.Group
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, user_id, name, color, description, created_at
			FROM student_groups WHERE user_id = ? AND name = ?`, &sqlitex.ExecOptions{
			Args: []any{userID, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				group = &models.Group{
					ID:          stmt.ColumnInt64(0),
					UserID:      stmt.ColumnText(1),
					Name:        stmt.ColumnText(2),
					Color:       stmt.ColumnText(3),
					Description: stmt.ColumnText(4),
					CreatedAt:   fromNanos(stmt.ColumnInt64(5)),
				}
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: group by name: %w", err)
	}
	if group == nil {
		return nil, fmt.Errorf("%w: group %q", ErrNotFound, name)
	}
	return group, nil
}

// SubjectByName looks up a user's subject.
func (s *Store) SubjectByName(ctx context.Context, userID, name string) (*models.Subject, error) {
	var subject *models.Subject
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, user_id, name, description, created_at
			FROM subjects WHERE user_id = ? AND name = ?`, &sqlitex.ExecOptions{
			Args: []any{userID, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				subject = &models.Subject{
					ID:          stmt.ColumnInt64(0),
					UserID:      stmt.ColumnText(1),
					Name:        stmt.ColumnText(2),
					Description: stmt.ColumnText(3),
					CreatedAt:   fromNanos(stmt.ColumnInt64(4)),
				}
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: subject by name: %w", err)
	}
	if subject == nil {
		return nil, fmt.Errorf("%w: subject %q", ErrNotFound, name)
	}
	return subject, nil
}

// SetPlan creates or replaces the plan for (user, group, subject) and returns its id.
func (s *Store) SetPlan(ctx context.Context, p models.Plan) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := requireOwned(conn, "student_groups", p.UserID, p.GroupID); err != nil {
			return err
		}
		if err := requireOwned(conn, "subjects", p.UserID, p.SubjectID); err != nil {
			return err
		}
		err := sqlitex.Execute(conn, `INSERT INTO plans
			(user_id, name, group_id, subject_id, lecture_hours, practice_hours, lab_hours, other_hours)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, group_id, subject_id) DO UPDATE SET
				name = excluded.name,
				lecture_hours = excluded.lecture_hours,
				practice_hours = excluded.practice_hours,
				lab_hours = excluded.lab_hours,
				other_hours = excluded.other_hours
			RETURNING id`, &sqlitex.ExecOptions{
			Args: []any{p.UserID, p.Name, p.GroupID, p.SubjectID,
				p.LectureHours, p.PracticeHours, p.LabHours, p.OtherHours},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("store: set plan: %w", err)
		}
		return nil
	})
	return id, err
}

// PlanFor returns the plan for (user, group, subject).
func (s *Store) PlanFor(ctx context.Context, userID string, groupID, subjectID int64) (*models.Plan, error) {
	var plan *models.Plan
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		plan, err = planFor(conn, userID, groupID, subjectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("%w: plan for group %d and subject %d", ErrNotFound, groupID, subjectID)
	}
	return plan, nil
}

func planFor(conn *sqlite.Conn, userID string, groupID, subjectID int64) (*models.Plan, error) {
	var plan *models.Plan
	err := sqlitex.Execute(conn, `SELECT id, name, lecture_hours, practice_hours, lab_hours, other_hours
		FROM plans WHERE user_id = ? AND group_id = ? AND subject_id = ?`, &sqlitex.ExecOptions{
		Args: []any{userID, groupID, subjectID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			plan = &models.Plan{
				ID:            stmt.ColumnInt64(0),
				UserID:        userID,
				Name:          stmt.ColumnText(1),
				GroupID:       groupID,
				SubjectID:     subjectID,
				LectureHours:  stmt.ColumnInt(2),
				PracticeHours: stmt.ColumnInt(3),
				LabHours:      stmt.ColumnInt(4),
				OtherHours:    stmt.ColumnInt(5),
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: plan: %w", err)
	}
	return plan, nil
}

// DeleteGroup removes a group with its plans and events.
func (s *Store) DeleteGroup(ctx context.Context, userID string, groupID int64) error {
	return s.cascadeDelete(ctx, "student_groups", "group_id", userID, groupID)
}

// DeleteSubject removes a subject with its plans and events.
func (s *Store) DeleteSubject(ctx context.Context, userID string, subjectID int64) error {
	return s.cascadeDelete(ctx, "subjects", "subject_id", userID, subjectID)
}

// cascadeDelete drops the owning row and its plans, hard-deletes events
// that never reached the remote calendar and tombstones the rest so the
// worker removes their remote copies.
func (s *Store) cascadeDelete(ctx context.Context, table, column, userID string, id int64) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := requireOwned(conn, table, userID, id); err != nil {
			return err
		}

		now := s.now()
		var tombstones []int64
		err := sqlitex.Execute(conn, `SELECT id FROM events
			WHERE user_id = ? AND `+column+` = ? AND remote_id != ''`, &sqlitex.ExecOptions{
			Args: []any{userID, id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tombstones = append(tombstones, stmt.ColumnInt64(0))
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("store: cascade: %w", err)
		}

		statements := []string{
			`DELETE FROM outbox WHERE event_id IN
				(SELECT id FROM events WHERE user_id = ? AND ` + column + ` = ? AND remote_id = '')`,
			`DELETE FROM events WHERE user_id = ? AND ` + column + ` = ? AND remote_id = ''`,
			`DELETE FROM plans WHERE user_id = ? AND ` + column + ` = ?`,
			`DELETE FROM ` + table + ` WHERE user_id = ? AND id = ?`,
		}
		for _, statement := range statements {
			if err := exec(conn, statement, userID, id); err != nil {
				return fmt.Errorf("store: cascade: %w", err)
			}
		}

		for _, eventID := range tombstones {
			if err := s.tombstone(conn, eventID, now); err != nil {
				return err
			}
			if err := enqueue(conn, eventID, userID, now); err != nil {
				return err
			}
		}
		if len(tombstones) > 0 {
			s.logger.Info("Tombstoned synced events in cascade", "table", table, "id", id, "count", len(tombstones))
		}
		return nil
	})
}

func requireOwned(conn *sqlite.Conn, table, userID string, id int64) error {
	found, err := exists(conn, `SELECT 1 FROM `+table+` WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("store: lookup %s: %w", table, err)
	}
	if !found {
		return fmt.Errorf("%w: %s %d", ErrNotFound, table, id)
	}
	return nil
}
