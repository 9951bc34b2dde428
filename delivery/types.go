// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"fmt"

	"github.com/meridian-im/meridian/lib/ref"
)

// MessageTypeRoomKeyRequest is the to-device message type used to
// request (or cancel a request for) a room encryption key from
// another device. Key requests get special treatment throughout the
// delivery core: rate limiting, dedup, and unknown-device detection
// all key off this type.
const MessageTypeRoomKeyRequest = "m.room_key_request"

// ActionRequestCancellation is the "action" content field value that
// cancels an earlier key request carrying the same request_id.
const ActionRequestCancellation = "request_cancellation"

// maxContentDepth bounds how deeply nested a message content object
// may be. Encrypted payloads are flat in practice; anything deeper is
// hostile or broken input.
const maxContentDepth = 16

// DeviceMessage is one to-device message as stored and as handed to a
// syncing device. Sender identity is stamped by the server, never
// taken from client input.
type DeviceMessage struct {
	Type    string         `json:"type"`
	Sender  ref.UserID     `json:"sender"`
	Content map[string]any `json:"content"`
}

// LocalBatch maps local recipients to the messages addressed to each
// of their devices. It is the unit handed to the store for a single
// atomic append.
type LocalBatch map[ref.UserID]map[ref.DeviceID]DeviceMessage

// Users returns the recipients in the batch, for notifier wake-up.
func (b LocalBatch) Users() []ref.UserID {
	users := make([]ref.UserID, 0, len(b))
	for user := range b {
		users = append(users, user)
	}
	return users
}

// validateContent rejects message content nested beyond
// maxContentDepth. Width and byte size are bounded upstream by the
// transport's request size limit.
func validateContent(content map[string]any) error {
	return checkDepth(content, maxContentDepth)
}

func checkDepth(value any, remaining int) error {
	if remaining <= 0 {
		return fmt.Errorf("message content exceeds depth limit of %d", maxContentDepth)
	}
	switch typed := value.(type) {
	case map[string]any:
		for _, nested := range typed {
			if err := checkDepth(nested, remaining-1); err != nil {
				return err
			}
		}
	case []any:
		for _, nested := range typed {
			if err := checkDepth(nested, remaining-1); err != nil {
				return err
			}
		}
	}
	return nil
}
