// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package replication is the internal channel between Meridian
// instances in a sharded deployment. Non-writer instances forward
// inbound to-device EDUs to their owning writer, and any instance can
// ask the designated resync instance to refresh a remote user's
// device list.
//
// The protocol is CBOR over a Unix socket, one request per
// connection: the client writes a single self-delimiting CBOR value
// and half-closes, the server replies with {ok, error, data} and the
// connection ends. Instances of one homeserver share a host or a
// private socket directory, so the channel carries no authentication.
package replication
