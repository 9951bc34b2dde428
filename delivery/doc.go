// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery implements the to-device message delivery core:
// routing ephemeral, device-addressed messages (key requests, session
// setup) among local devices and across federation.
//
// The package has two entry points on [Handler]. OnDirectToDeviceEDU
// accepts a remote-origin message batch, enforces sender authenticity
// and recipient locality, applies rate limiting and unknown-device
// detection, and persists the surviving messages.
// SendDeviceMessages accepts a locally-authored send, splits
// recipients into local deliveries and per-destination federation
// batches, applies rate limiting and the key-request dedup protocol,
// and persists both sides in one store call.
//
// Every successful append yields a monotonic stream position that is
// handed to the notifier together with the affected local users, so
// waiting consumers can resume reading with no gaps. Collaborators —
// store, notifier, federation sender, device resyncer — are consumed
// through interfaces declared here and wired at startup.
package delivery
