// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for Matrix identifiers:
// user IDs, device IDs, room IDs, and server names.
//
// Identifiers are validated once at the boundary (configuration, wire
// decoding, API input) and passed through the rest of the system as
// typed values. The zero value of every type is invalid; use IsZero to
// check. All types implement encoding.TextMarshaler and
// encoding.TextUnmarshaler so they serialize as plain strings in JSON
// and CBOR, including as map keys.
//
// The types wrap an unexported string, so a ref value can only be
// constructed through its Parse function (or the Must variant in
// tests). Code holding a non-zero ref value can rely on it being
// structurally valid.
package ref
