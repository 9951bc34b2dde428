// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage is the SQLite persistence layer for the to-device
// delivery core. It owns the device inbox, the outbound federation
// queue, the inbound replay ledger, and the remote device-list cache,
// and implements the delivery.Store interface.
//
// All stream positions come from a single-row sequence table bumped
// inside the writing transaction, so positions are strictly
// increasing across the whole store and a position is only observable
// once its messages are durably committed. Message payloads are
// stored as JSON, zstd-compressed past a size threshold with a tag
// column recording the codec.
package storage
