// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"

	"github.com/meridian-im/meridian/federation"
	"github.com/meridian-im/meridian/lib/ref"
	"github.com/meridian-im/meridian/notify"
)

// StoredMessage is one persisted to-device message together with its
// stream position.
type StoredMessage struct {
	StreamID int64
	Message  DeviceMessage
}

// Store is the persistence surface the delivery core depends on. The
// SQLite implementation lives in the storage package; tests substitute
// in-memory fakes.
type Store interface {
	// AppendRemoteInboxMessages persists messages received from a
	// remote origin and returns the last stream position assigned. A
	// previously seen (origin, messageID) pair makes the call a no-op
	// that still returns the current position, so retransmitted EDUs
	// never duplicate messages.
	AppendRemoteInboxMessages(ctx context.Context, origin ref.ServerName, messageID string, batch LocalBatch) (int64, error)

	// AppendLocalAndRemoteMessages persists local deliveries and
	// queues per-destination federation EDUs in one transaction,
	// returning the last stream position assigned. Partial persistence
	// is not possible: either everything lands or nothing does.
	AppendLocalAndRemoteMessages(ctx context.Context, batch LocalBatch, edus map[ref.ServerName]*federation.EDU) (int64, error)

	// GetAllDeviceMessages returns every pending message for one
	// device in stream order.
	GetAllDeviceMessages(ctx context.Context, user ref.UserID, device ref.DeviceID) ([]StoredMessage, error)

	// DeleteDeviceMessage removes a single message by stream position,
	// reporting whether a row existed.
	DeleteDeviceMessage(ctx context.Context, user ref.UserID, device ref.DeviceID, streamID int64) (bool, error)

	// GetRoomsForUser returns the rooms the user is joined to, as
	// far as this server knows.
	GetRoomsForUser(ctx context.Context, user ref.UserID) ([]ref.RoomID, error)

	// GetCachedDevicesForUser returns the device IDs held in the
	// remote device-list cache for a user.
	GetCachedDevicesForUser(ctx context.Context, user ref.UserID) ([]ref.DeviceID, error)

	// MarkDeviceCachesStale flags the given users' cached device lists
	// as needing a resync.
	MarkDeviceCachesStale(ctx context.Context, users []ref.UserID) error
}

// Notifier wakes consumers waiting on a stream. Satisfied by
// *notify.Notifier.
type Notifier interface {
	OnNewEvent(kind notify.StreamKind, position int64, users []ref.UserID)
}

// FederationSender hints the outbound federation loop that new EDUs
// are queued for a destination. The hint is advisory: the queue is
// durable, so a lost hint only delays delivery until the next poke.
type FederationSender interface {
	SendDeviceMessages(destination ref.ServerName)
}

// DeviceResyncer refreshes the remote device-list cache for the given
// users. On the designated resync instance this hits federation
// directly; elsewhere it forwards over the replication channel.
type DeviceResyncer interface {
	ResyncDevices(ctx context.Context, users []ref.UserID) error
}
