// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/meridian-im/meridian/lib/clock"
	"github.com/meridian-im/meridian/lib/sqlitepool"
)

// Store is the SQLite-backed persistence layer for to-device
// delivery. Safe for concurrent use; writes serialize on SQLite's
// write lock via IMMEDIATE transactions.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Required.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// Clock provides timestamps for queue bookkeeping. Defaults to
	// the real clock.
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Open creates the store, applying the schema on every pooled
// connection (all statements are IF NOT EXISTS).
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: Path is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Path,
		PoolSize:  poolSize,
		Logger:    logger,
		OnConnect: applySchema,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	return &Store{pool: pool, clock: clk, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func applySchema(conn *sqlite.Conn) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS stream_sequence (
			id        INTEGER PRIMARY KEY CHECK (id = 1),
			stream_id INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO stream_sequence (id, stream_id) VALUES (1, 0);

		CREATE TABLE IF NOT EXISTS device_inbox (
			user_id     TEXT    NOT NULL,
			device_id   TEXT    NOT NULL,
			stream_id   INTEGER NOT NULL,
			message     BLOB    NOT NULL,
			compression INTEGER NOT NULL,
			PRIMARY KEY (user_id, device_id, stream_id)
		);

		CREATE TABLE IF NOT EXISTS device_federation_outbox (
			destination TEXT    NOT NULL,
			stream_id   INTEGER NOT NULL,
			edu         BLOB    NOT NULL,
			compression INTEGER NOT NULL,
			queued_ts   INTEGER NOT NULL,
			PRIMARY KEY (destination, stream_id)
		);

		CREATE TABLE IF NOT EXISTS device_federation_inbox (
			origin      TEXT    NOT NULL,
			message_id  TEXT    NOT NULL,
			stream_id   INTEGER NOT NULL,
			received_ts INTEGER NOT NULL,
			PRIMARY KEY (origin, message_id)
		);

		CREATE TABLE IF NOT EXISTS device_lists_remote_cache (
			user_id   TEXT NOT NULL,
			device_id TEXT NOT NULL,
			PRIMARY KEY (user_id, device_id)
		);

		CREATE TABLE IF NOT EXISTS device_lists_remote_resync (
			user_id  TEXT PRIMARY KEY,
			added_ts INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS room_memberships (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);
		CREATE INDEX IF NOT EXISTS idx_room_memberships_user
			ON room_memberships(user_id);
	`
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("storage: applying schema: %w", err)
	}
	return nil
}

// allocateStreamIDs reserves count consecutive stream positions and
// returns the last one. Must run inside the caller's transaction so
// the bump commits or rolls back with the rows that use it.
func allocateStreamIDs(conn *sqlite.Conn, count int) (int64, error) {
	err := sqlitex.Execute(conn,
		`UPDATE stream_sequence SET stream_id = stream_id + ? WHERE id = 1`,
		&sqlitex.ExecOptions{Args: []any{count}})
	if err != nil {
		return 0, fmt.Errorf("storage: bumping stream sequence: %w", err)
	}
	return currentStreamID(conn)
}

func currentStreamID(conn *sqlite.Conn) (int64, error) {
	var streamID int64
	err := sqlitex.Execute(conn,
		`SELECT stream_id FROM stream_sequence WHERE id = 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				streamID = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("storage: reading stream sequence: %w", err)
	}
	return streamID, nil
}

// CurrentStreamID returns the highest stream position allocated so
// far. Used to initialize the notifier on startup.
func (s *Store) CurrentStreamID(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)
	return currentStreamID(conn)
}
