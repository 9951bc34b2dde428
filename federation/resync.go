// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/meridian-im/meridian/lib/ref"
)

// DeviceLister fetches the authoritative device list for a remote
// user from their homeserver.
type DeviceLister interface {
	QueryUserDevices(ctx context.Context, user ref.UserID) ([]ref.DeviceID, error)
}

// DeviceCacheStore is the slice of the storage layer the resyncer
// needs. Satisfied by *storage.Store.
type DeviceCacheStore interface {
	UpdateCachedDevices(ctx context.Context, user ref.UserID, devices []ref.DeviceID) error
	UsersNeedingResync(ctx context.Context) ([]ref.UserID, error)
}

// Resyncer refreshes the remote device-list cache by querying each
// user's homeserver. It runs only on the designated resync instance;
// other instances reach it over the replication channel. Serializing
// resync on one instance keeps concurrent requests for the same user
// from racing each other's cache replacement.
type Resyncer struct {
	store  DeviceCacheStore
	lister DeviceLister
	logger *slog.Logger
}

// NewResyncer creates a Resyncer. All parameters are required except
// logger, which defaults to a no-op logger.
func NewResyncer(store DeviceCacheStore, lister DeviceLister, logger *slog.Logger) *Resyncer {
	if store == nil {
		panic("federation: NewResyncer requires a store")
	}
	if lister == nil {
		panic("federation: NewResyncer requires a device lister")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resyncer{store: store, lister: lister, logger: logger}
}

// ResyncDevices fetches and replaces the cached device list for each
// user. A failure for one user does not stop the others; the joined
// error reports every failure. Users that fail stay flagged stale, so
// the next trigger retries them.
func (r *Resyncer) ResyncDevices(ctx context.Context, users []ref.UserID) error {
	var failures []error
	for _, user := range users {
		devices, err := r.lister.QueryUserDevices(ctx, user)
		if err != nil {
			failures = append(failures, fmt.Errorf("querying devices of %s: %w", user, err))
			continue
		}
		if err := r.store.UpdateCachedDevices(ctx, user, devices); err != nil {
			failures = append(failures, fmt.Errorf("caching devices of %s: %w", user, err))
			continue
		}
		r.logger.Info("device list resynced",
			"user", user.String(),
			"device_count", len(devices),
		)
	}
	return errors.Join(failures...)
}

// ResyncStale drains the persistent stale queue. Called once on
// startup to recover flags set before a crash or while this instance
// was down.
func (r *Resyncer) ResyncStale(ctx context.Context) error {
	users, err := r.store.UsersNeedingResync(ctx)
	if err != nil {
		return fmt.Errorf("federation: listing stale device caches: %w", err)
	}
	if len(users) == 0 {
		return nil
	}
	r.logger.Info("resyncing stale device caches from previous run",
		"user_count", len(users),
	)
	return r.ResyncDevices(ctx, users)
}
