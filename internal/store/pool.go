package store

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool is a fixed-size set of SQLite connections sharing the same pragmas.
// Connections are not safe for concurrent use; take one per goroutine.
type pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	// Cascades are done by the store itself.
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

func openPool(path string, size int, logger *slog.Logger, onConnect func(*sqlite.Conn) error) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if size <= 0 {
		size = 4
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("store: %s: %w", pragma, err)
				}
			}
			if onConnect != nil {
				return onConnect(conn)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	logger.Info("SQLite pool opened", "path", path, "poolSize", size)
	return &pool{inner: inner, logger: logger, path: path}, nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take connection: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("SQLite pool close failed", "path", p.path, "error", err)
		return fmt.Errorf("store: closing %s: %w", p.path, err)
	}
	p.logger.Info("SQLite pool closed", "path", p.path)
	return nil
}
