// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation defines the ephemeral federation envelope (EDU)
// carrying to-device messages between homeservers, and the registry
// that routes inbound EDUs to their handler — either the local
// delivery core or, on non-writer instances, a forwarder that relays
// them to the designated writer.
package federation

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridian-im/meridian/lib/ref"
)

// EDUTypeDirectToDevice is the EDU type for to-device message
// batches.
const EDUTypeDirectToDevice = "m.direct_to_device"

// EDU is the federation envelope for one destination's batch of
// to-device messages. Sender and Type apply to every message in the
// batch; per-message contents stay opaque.
type EDU struct {
	// Sender is the user that authored every message in the batch.
	Sender ref.UserID `json:"sender"`

	// Type is the to-device message type (e.g. "m.room_key_request").
	Type string `json:"type"`

	// MessageID is the idempotency token for this batch: random,
	// at least 16 characters, unique per destination per send. The
	// receiving server may use it to detect retransmission.
	MessageID string `json:"message_id"`

	// Messages maps recipient user → device → opaque content.
	Messages map[ref.UserID]map[ref.DeviceID]map[string]any `json:"messages"`

	// TraceContext is the sending side's distributed tracing context,
	// carried as opaque bytes for the receiving side to resume.
	TraceContext json.RawMessage `json:"org.matrix.opentracing_context,omitempty"`
}

// minMessageIDLength is the shortest acceptable idempotency token.
// Shorter tokens collide too easily to be useful for retransmission
// detection.
const minMessageIDLength = 16

// NewMessageID returns a fresh random message ID.
func NewMessageID() string {
	return uuid.NewString()
}

// Validate checks the structural requirements of an inbound EDU.
// Content validation (recipient locality, sender authenticity) is the
// delivery handler's job; this only rejects envelopes that could not
// be processed at all.
func (e *EDU) Validate() error {
	if e.Sender.IsZero() {
		return fmt.Errorf("EDU has no sender")
	}
	if e.Type == "" {
		return fmt.Errorf("EDU has no type")
	}
	if len(e.MessageID) < minMessageIDLength {
		return fmt.Errorf("EDU message_id %q is shorter than %d characters", e.MessageID, minMessageIDLength)
	}
	return nil
}
