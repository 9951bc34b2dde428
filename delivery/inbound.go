// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"fmt"

	"github.com/meridian-im/meridian/federation"
	"github.com/meridian-im/meridian/lib/ref"
	"github.com/meridian-im/meridian/notify"
	"github.com/meridian-im/meridian/ratelimit"
)

// OnDirectToDeviceEDU handles one inbound m.direct_to_device EDU from
// a remote server. It is the handler registered with the federation
// EDU registry on writer instances.
//
// An EDU whose sender does not belong to the origin server is dropped
// without error: the origin is authenticated at the transport, so a
// mismatched sender is a spoof attempt and nothing from the EDU may be
// persisted. A recipient that is not local is a hard protocol error —
// the origin routed the EDU to the wrong server. Rate-limited key
// requests are dropped per recipient; everything that survives is
// appended in one store call keyed by (origin, message_id) for
// replay-safe retransmission.
func (h *Handler) OnDirectToDeviceEDU(ctx context.Context, origin ref.ServerName, edu *federation.EDU) error {
	if err := edu.Validate(); err != nil {
		return badRequest("malformed direct-to-device EDU from %s: %v", origin, err)
	}

	if edu.Sender.Domain() != origin {
		h.logger.Warn("dropping direct-to-device EDU with spoofed sender",
			"origin", origin.String(),
			"claimed_sender", edu.Sender.String(),
			"message_id", edu.MessageID,
		)
		return nil
	}

	local := make(LocalBatch)
	for recipient, byDevice := range edu.Messages {
		if !h.isLocalUser(recipient) {
			h.logger.Warn("direct-to-device EDU addressed to non-local user",
				"origin", origin.String(),
				"recipient", recipient.String(),
			)
			return badRequest("user %s does not belong to this server", recipient)
		}
		if len(byDevice) == 0 {
			continue
		}

		// Inbound key requests are limited by sending user only: the
		// origin authenticates the user, not any particular device.
		if edu.Type == MessageTypeRoomKeyRequest {
			if !h.limiter.CanDoAction(ratelimit.Key{User: edu.Sender}) {
				h.logger.Info("dropping rate-limited inbound key request",
					"origin", origin.String(),
					"sender", edu.Sender.String(),
					"recipient", recipient.String(),
				)
				continue
			}
		}

		deliveries := make(map[ref.DeviceID]DeviceMessage, len(byDevice))
		for device, content := range byDevice {
			deliveries[device] = DeviceMessage{
				Type:    edu.Type,
				Sender:  edu.Sender,
				Content: content,
			}
		}
		local[recipient] = deliveries

		if err := h.checkForUnknownDevices(ctx, edu.Type, edu.Sender, byDevice); err != nil {
			return fmt.Errorf("checking sender devices for %s: %w", edu.Sender, err)
		}
	}

	lastStreamID, err := h.store.AppendRemoteInboxMessages(ctx, origin, edu.MessageID, local)
	if err != nil {
		return fmt.Errorf("persisting inbound to-device messages from %s: %w", origin, err)
	}

	h.notifier.OnNewEvent(notify.StreamToDevice, lastStreamID, local.Users())
	return nil
}

// checkForUnknownDevices watches inbound key requests for requesting
// devices absent from our cached copy of the sender's device list. A
// hit means the cache is stale — the remote user added a device we
// never heard about — so the cache is flagged and a resync scheduled
// in the background. The resync must not delay or fail the EDU: the
// messages are delivered regardless, and a failed resync retries on
// the next unknown device.
func (h *Handler) checkForUnknownDevices(ctx context.Context, messageType string, sender ref.UserID, byDevice map[ref.DeviceID]map[string]any) error {
	if messageType != MessageTypeRoomKeyRequest {
		return nil
	}

	requestingDevices := make(map[string]struct{})
	for _, content := range byDevice {
		if deviceID, ok := content["requesting_device_id"].(string); ok && deviceID != "" {
			requestingDevices[deviceID] = struct{}{}
		}
	}
	if len(requestingDevices) == 0 {
		return nil
	}

	// Only track devices of users we share a room with; anyone can
	// send a key request, and resyncing on behalf of strangers is a
	// federation amplification vector.
	rooms, err := h.store.GetRoomsForUser(ctx, sender)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		h.logger.Info("ignoring key request from user with no shared rooms",
			"sender", sender.String(),
		)
		return nil
	}

	cached, err := h.store.GetCachedDevicesForUser(ctx, sender)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(cached))
	for _, device := range cached {
		known[device.String()] = struct{}{}
	}

	unknown := make([]string, 0)
	for device := range requestingDevices {
		if _, ok := known[device]; !ok {
			unknown = append(unknown, device)
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	h.logger.Info("received key request from unknown devices, scheduling resync",
		"sender", sender.String(),
		"unknown_devices", unknown,
	)
	if err := h.store.MarkDeviceCachesStale(ctx, []ref.UserID{sender}); err != nil {
		return err
	}

	logger := h.logger
	h.background.Go("device-list-resync", func(ctx context.Context) error {
		if err := h.resyncer.ResyncDevices(ctx, []ref.UserID{sender}); err != nil {
			return err
		}
		logger.Debug("device list resync complete", "user", sender.String())
		return nil
	})
	return nil
}
