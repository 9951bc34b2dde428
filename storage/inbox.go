// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/meridian-im/meridian/delivery"
	"github.com/meridian-im/meridian/federation"
	"github.com/meridian-im/meridian/lib/ref"
)

// AppendLocalAndRemoteMessages persists a locally-authored send: the
// local deliveries go to the device inbox and the per-destination
// EDUs to the federation outbox, all in one IMMEDIATE transaction.
// Returns the last stream position allocated.
func (s *Store) AppendLocalAndRemoteMessages(ctx context.Context, batch delivery.LocalBatch, edus map[ref.ServerName]*federation.EDU) (lastStreamID int64, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	count := countMessages(batch) + len(edus)
	if count == 0 {
		return currentStreamID(conn)
	}

	lastStreamID, err = allocateStreamIDs(conn, count)
	if err != nil {
		return 0, err
	}
	nextStreamID := lastStreamID - int64(count) + 1

	nextStreamID, err = s.insertInboxMessages(conn, batch, nextStreamID)
	if err != nil {
		return 0, err
	}

	queuedTS := s.clock.Now().UnixMilli()
	for destination, edu := range edus {
		payload, marshalErr := json.Marshal(edu)
		if marshalErr != nil {
			err = fmt.Errorf("storage: marshal EDU for %s: %w", destination, marshalErr)
			return 0, err
		}
		stored, tag := compressPayload(payload)
		err = sqlitex.Execute(conn,
			`INSERT INTO device_federation_outbox
				(destination, stream_id, edu, compression, queued_ts)
				VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				destination.String(), nextStreamID, stored, int64(tag), queuedTS,
			}})
		if err != nil {
			return 0, fmt.Errorf("storage: queueing EDU for %s: %w", destination, err)
		}
		nextStreamID++
	}

	return lastStreamID, nil
}

// AppendRemoteInboxMessages persists messages received in one inbound
// EDU, recording (origin, messageID) so a retransmission becomes a
// no-op returning the originally allocated position. The replay row
// is written even when every message in the EDU was dropped upstream,
// so a retransmit cannot retry the dropped messages either.
func (s *Store) AppendRemoteInboxMessages(ctx context.Context, origin ref.ServerName, messageID string, batch delivery.LocalBatch) (lastStreamID int64, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var seenStreamID int64
	seen := false
	err = sqlitex.Execute(conn,
		`SELECT stream_id FROM device_federation_inbox
			WHERE origin = ? AND message_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{origin.String(), messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seenStreamID = stmt.ColumnInt64(0)
				seen = true
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("storage: replay check for %s/%s: %w", origin, messageID, err)
	}
	if seen {
		s.logger.Debug("ignoring retransmitted to-device EDU",
			"origin", origin.String(),
			"message_id", messageID,
		)
		return seenStreamID, nil
	}

	count := countMessages(batch)
	if count > 0 {
		lastStreamID, err = allocateStreamIDs(conn, count)
		if err != nil {
			return 0, err
		}
		if _, err = s.insertInboxMessages(conn, batch, lastStreamID-int64(count)+1); err != nil {
			return 0, err
		}
	} else {
		lastStreamID, err = currentStreamID(conn)
		if err != nil {
			return 0, err
		}
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO device_federation_inbox
			(origin, message_id, stream_id, received_ts)
			VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			origin.String(), messageID, lastStreamID, s.clock.Now().UnixMilli(),
		}})
	if err != nil {
		return 0, fmt.Errorf("storage: recording EDU receipt: %w", err)
	}

	return lastStreamID, nil
}

// insertInboxMessages writes each message in the batch with a
// consecutive stream position starting at nextStreamID, returning the
// next unused position.
func (s *Store) insertInboxMessages(conn *sqlite.Conn, batch delivery.LocalBatch, nextStreamID int64) (int64, error) {
	for user, byDevice := range batch {
		for device, message := range byDevice {
			payload, err := json.Marshal(message)
			if err != nil {
				return 0, fmt.Errorf("storage: marshal message for %s/%s: %w", user, device, err)
			}
			stored, tag := compressPayload(payload)
			err = sqlitex.Execute(conn,
				`INSERT INTO device_inbox
					(user_id, device_id, stream_id, message, compression)
					VALUES (?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{
					user.String(), device.String(), nextStreamID, stored, int64(tag),
				}})
			if err != nil {
				return 0, fmt.Errorf("storage: inserting message for %s/%s: %w", user, device, err)
			}
			nextStreamID++
		}
	}
	return nextStreamID, nil
}

// GetAllDeviceMessages returns every pending message for one device
// in stream order.
func (s *Store) GetAllDeviceMessages(ctx context.Context, user ref.UserID, device ref.DeviceID) ([]delivery.StoredMessage, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var messages []delivery.StoredMessage
	err = sqlitex.Execute(conn,
		`SELECT stream_id, message, compression FROM device_inbox
			WHERE user_id = ? AND device_id = ?
			ORDER BY stream_id`,
		&sqlitex.ExecOptions{
			Args: []any{user.String(), device.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, payload)
				decoded, err := decompressPayload(payload, compressionTag(stmt.ColumnInt64(2)))
				if err != nil {
					return err
				}
				var message delivery.DeviceMessage
				if err := json.Unmarshal(decoded, &message); err != nil {
					return fmt.Errorf("unmarshal stored message: %w", err)
				}
				messages = append(messages, delivery.StoredMessage{
					StreamID: stmt.ColumnInt64(0),
					Message:  message,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: reading inbox for %s/%s: %w", user, device, err)
	}
	return messages, nil
}

// DeleteDeviceMessage removes one pending message by stream position,
// reporting whether a row existed.
func (s *Store) DeleteDeviceMessage(ctx context.Context, user ref.UserID, device ref.DeviceID, streamID int64) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM device_inbox
			WHERE user_id = ? AND device_id = ? AND stream_id = ?`,
		&sqlitex.ExecOptions{Args: []any{user.String(), device.String(), streamID}})
	if err != nil {
		return false, fmt.Errorf("storage: deleting message %d for %s/%s: %w", streamID, user, device, err)
	}
	return conn.Changes() > 0, nil
}

// DeleteDeviceMessagesUpTo removes all pending messages for a device
// up to and including a stream position. Called when a device
// acknowledges messages by advancing its sync token. Returns the
// number of rows removed.
func (s *Store) DeleteDeviceMessagesUpTo(ctx context.Context, user ref.UserID, device ref.DeviceID, upTo int64) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM device_inbox
			WHERE user_id = ? AND device_id = ? AND stream_id <= ?`,
		&sqlitex.ExecOptions{Args: []any{user.String(), device.String(), upTo}})
	if err != nil {
		return 0, fmt.Errorf("storage: acknowledging messages for %s/%s: %w", user, device, err)
	}
	return conn.Changes(), nil
}

func countMessages(batch delivery.LocalBatch) int {
	count := 0
	for _, byDevice := range batch {
		count += len(byDevice)
	}
	return count
}
