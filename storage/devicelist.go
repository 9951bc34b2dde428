// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/meridian-im/meridian/lib/ref"
)

// GetRoomsForUser returns the rooms the user is a member of,
// according to this server's membership table.
func (s *Store) GetRoomsForUser(ctx context.Context, user ref.UserID) ([]ref.RoomID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rooms []ref.RoomID
	err = sqlitex.Execute(conn,
		`SELECT room_id FROM room_memberships WHERE user_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{user.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				room, err := ref.ParseRoomID(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("stored room ID %q: %w", stmt.ColumnText(0), err)
				}
				rooms = append(rooms, room)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: reading rooms for %s: %w", user, err)
	}
	return rooms, nil
}

// AddRoomMembership records that a user is a member of a room.
func (s *Store) AddRoomMembership(ctx context.Context, room ref.RoomID, user ref.UserID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO room_memberships (room_id, user_id) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{room.String(), user.String()}})
	if err != nil {
		return fmt.Errorf("storage: adding membership %s in %s: %w", user, room, err)
	}
	return nil
}

// RemoveRoomMembership records that a user has left a room.
func (s *Store) RemoveRoomMembership(ctx context.Context, room ref.RoomID, user ref.UserID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM room_memberships WHERE room_id = ? AND user_id = ?`,
		&sqlitex.ExecOptions{Args: []any{room.String(), user.String()}})
	if err != nil {
		return fmt.Errorf("storage: removing membership %s in %s: %w", user, room, err)
	}
	return nil
}

// GetCachedDevicesForUser returns the device IDs held in the remote
// device-list cache for a user. An empty result means either the user
// has no cached devices or we have never resynced them — callers
// treat both as "everything is unknown".
func (s *Store) GetCachedDevicesForUser(ctx context.Context, user ref.UserID) ([]ref.DeviceID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var devices []ref.DeviceID
	err = sqlitex.Execute(conn,
		`SELECT device_id FROM device_lists_remote_cache WHERE user_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{user.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				device, err := ref.ParseDeviceID(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("stored device ID: %w", err)
				}
				devices = append(devices, device)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: reading cached devices for %s: %w", user, err)
	}
	return devices, nil
}

// UpdateCachedDevices replaces the cached device list for a user with
// the result of a completed resync and clears the user's stale flag,
// atomically.
func (s *Store) UpdateCachedDevices(ctx context.Context, user ref.UserID, devices []ref.DeviceID) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`DELETE FROM device_lists_remote_cache WHERE user_id = ?`,
		&sqlitex.ExecOptions{Args: []any{user.String()}})
	if err != nil {
		return fmt.Errorf("storage: clearing cached devices for %s: %w", user, err)
	}
	for _, device := range devices {
		err = sqlitex.Execute(conn,
			`INSERT INTO device_lists_remote_cache (user_id, device_id) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{user.String(), device.String()}})
		if err != nil {
			return fmt.Errorf("storage: caching device for %s: %w", user, err)
		}
	}
	err = sqlitex.Execute(conn,
		`DELETE FROM device_lists_remote_resync WHERE user_id = ?`,
		&sqlitex.ExecOptions{Args: []any{user.String()}})
	if err != nil {
		return fmt.Errorf("storage: clearing resync flag for %s: %w", user, err)
	}
	return nil
}

// MarkDeviceCachesStale flags the given users' cached device lists as
// needing a resync. Idempotent: re-flagging keeps the original
// timestamp so the resync queue stays in arrival order.
func (s *Store) MarkDeviceCachesStale(ctx context.Context, users []ref.UserID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	addedTS := s.clock.Now().UnixMilli()
	for _, user := range users {
		err = sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO device_lists_remote_resync (user_id, added_ts) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{user.String(), addedTS}})
		if err != nil {
			return fmt.Errorf("storage: marking cache stale for %s: %w", user, err)
		}
	}
	return nil
}

// UsersNeedingResync returns users flagged stale, oldest first. The
// resync loop drains this on startup to recover flags set before a
// crash.
func (s *Store) UsersNeedingResync(ctx context.Context) ([]ref.UserID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var users []ref.UserID
	err = sqlitex.Execute(conn,
		`SELECT user_id FROM device_lists_remote_resync ORDER BY added_ts`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				user, err := ref.ParseUserID(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("stored user ID %q: %w", stmt.ColumnText(0), err)
				}
				users = append(users, user)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: listing users needing resync: %w", err)
	}
	return users, nil
}
