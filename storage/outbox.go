// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/meridian-im/meridian/federation"
	"github.com/meridian-im/meridian/lib/ref"
)

// GetPendingEDUs returns up to limit queued EDUs for a destination in
// queue order. The federation sender drains these, transmits them,
// and acknowledges with DeleteQueuedEDUs.
func (s *Store) GetPendingEDUs(ctx context.Context, destination ref.ServerName, limit int) ([]federation.QueuedEDU, error) {
	if limit <= 0 {
		limit = 100
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var queued []federation.QueuedEDU
	err = sqlitex.Execute(conn,
		`SELECT stream_id, edu, compression FROM device_federation_outbox
			WHERE destination = ?
			ORDER BY stream_id
			LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{destination.String(), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, payload)
				decoded, err := decompressPayload(payload, compressionTag(stmt.ColumnInt64(2)))
				if err != nil {
					return err
				}
				var edu federation.EDU
				if err := json.Unmarshal(decoded, &edu); err != nil {
					return fmt.Errorf("unmarshal queued EDU: %w", err)
				}
				queued = append(queued, federation.QueuedEDU{
					StreamID: stmt.ColumnInt64(0),
					EDU:      &edu,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: reading outbox for %s: %w", destination, err)
	}
	return queued, nil
}

// DeleteQueuedEDUs removes transmitted EDUs for a destination up to
// and including a stream position. Returns the number of rows
// removed.
func (s *Store) DeleteQueuedEDUs(ctx context.Context, destination ref.ServerName, upTo int64) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM device_federation_outbox
			WHERE destination = ? AND stream_id <= ?`,
		&sqlitex.ExecOptions{Args: []any{destination.String(), upTo}})
	if err != nil {
		return 0, fmt.Errorf("storage: acknowledging outbox for %s: %w", destination, err)
	}
	return conn.Changes(), nil
}

// PendingDestinations returns every destination with at least one
// queued EDU. The federation sender uses it to resume interrupted
// sends after a restart.
func (s *Store) PendingDestinations(ctx context.Context) ([]ref.ServerName, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var destinations []ref.ServerName
	err = sqlitex.Execute(conn,
		`SELECT DISTINCT destination FROM device_federation_outbox`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				destination, err := ref.ParseServerName(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("stored destination %q: %w", stmt.ColumnText(0), err)
				}
				destinations = append(destinations, destination)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: listing pending destinations: %w", err)
	}
	return destinations, nil
}
