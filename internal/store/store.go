// Package store is the SQLite-backed local store for groups, subjects,
// plans, events, calendar links and the sync outbox.
//
// Local writes (CreateEvent, UpdateEvent, DeleteEvent and the group and
// subject cascades) advance an event's last_update and enqueue an outbox
// intent in the same transaction. Writes made on behalf of the sync engine
// (UpsertFromRemote, MarkPushed, leases) never enqueue, so a sync pass
// does not trigger itself.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: already exists")
	ErrOverlap  = errors.New("store: event overlaps another event")
	ErrInvalid  = errors.New("store: invalid event")
)

const schema = `
CREATE TABLE IF NOT EXISTS student_groups (
	id          INTEGER PRIMARY KEY,
	user_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	color       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	UNIQUE (user_id, name)
);

CREATE TABLE IF NOT EXISTS subjects (
	id          INTEGER PRIMARY KEY,
	user_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	UNIQUE (user_id, name)
);

CREATE TABLE IF NOT EXISTS plans (
	id             INTEGER PRIMARY KEY,
	user_id        TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	group_id       INTEGER NOT NULL,
	subject_id     INTEGER NOT NULL,
	lecture_hours  INTEGER NOT NULL DEFAULT 0,
	practice_hours INTEGER NOT NULL DEFAULT 0,
	lab_hours      INTEGER NOT NULL DEFAULT 0,
	other_hours    INTEGER NOT NULL DEFAULT 0,
	UNIQUE (user_id, group_id, subject_id)
);

CREATE TABLE IF NOT EXISTS events (
	id            INTEGER PRIMARY KEY,
	user_id       TEXT NOT NULL,
	group_id      INTEGER NOT NULL,
	subject_id    INTEGER NOT NULL,
	type          TEXT NOT NULL,
	starts_at     INTEGER NOT NULL,
	ends_at       INTEGER NOT NULL,
	title         TEXT NOT NULL,
	location      TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	remote_id     TEXT NOT NULL DEFAULT '',
	calendar_id   TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	lease_holder  TEXT NOT NULL DEFAULT '',
	lease_expires INTEGER NOT NULL DEFAULT 0,
	last_update   INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	CHECK (ends_at > starts_at)
);

CREATE UNIQUE INDEX IF NOT EXISTS events_remote_id
	ON events (user_id, remote_id) WHERE remote_id != '';
CREATE INDEX IF NOT EXISTS events_user_time
	ON events (user_id, starts_at, ends_at);

CREATE TABLE IF NOT EXISTS calendar_links (
	user_id     TEXT PRIMARY KEY,
	calendar_id TEXT NOT NULL UNIQUE,
	created_at  INTEGER NOT NULL,
	last_sync   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outbox (
	id         INTEGER PRIMARY KEY,
	event_id   INTEGER NOT NULL UNIQUE,
	user_id    TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	generation INTEGER NOT NULL DEFAULT 0,
	next_run   INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. It is created if missing.
	Path string
	// PoolSize defaults to 4.
	PoolSize int
	Logger   *slog.Logger
	// Now overrides the clock used to stamp writes. Defaults to time.Now.
	Now func() time.Time
}

// Store is safe for concurrent use.
type Store struct {
	pool   *pool
	logger *slog.Logger
	now    func() time.Time
}

// Open creates the database schema if needed and returns a ready Store.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	p, err := openPool(cfg.Path, cfg.PoolSize, logger, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, logger: logger, now: now}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.close()
}

func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)
	return fn(conn)
}

// withTx runs fn inside an IMMEDIATE transaction, committing when fn
// returns nil.
func (s *Store) withTx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(conn)
}

// stamp returns a write timestamp strictly after prev.
func (s *Store) stamp(prev time.Time) time.Time {
	t := s.now()
	if !t.After(prev) {
		t = prev.Add(time.Nanosecond)
	}
	return t
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey
}

func exec(conn *sqlite.Conn, query string, args ...any) error {
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
}

func exists(conn *sqlite.Conn, query string, args ...any) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

func executeRows(conn *sqlite.Conn, query string, row func(stmt *sqlite.Stmt), args ...any) error {
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row(stmt)
			return nil
		},
	})
}
