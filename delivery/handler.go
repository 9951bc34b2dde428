// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/meridian-im/meridian/federation"
	"github.com/meridian-im/meridian/lib/ref"
	"github.com/meridian-im/meridian/notify"
	"github.com/meridian-im/meridian/ratelimit"
)

// Config holds the collaborators and policy knobs for a Handler.
type Config struct {
	// ServerName is this homeserver's name. Recipients whose user ID
	// carries this server name are local.
	ServerName ref.ServerName

	// Store persists messages and serves the device-list cache.
	// Required.
	Store Store

	// Notifier is woken after every successful append. Required.
	Notifier Notifier

	// FederationSender is poked when outbound EDUs are queued. Nil on
	// instances that do not run the federation sender.
	FederationSender FederationSender

	// Resyncer refreshes stale remote device-list caches. Required.
	Resyncer DeviceResyncer

	// KeyRequestLimiter rate-limits room key request traffic.
	// Required.
	KeyRequestLimiter *ratelimit.Limiter

	// DedupKeyRequests enables suppression of duplicate key requests
	// and cancellation of unsent ones.
	DedupKeyRequests bool

	// Background runs fire-and-forget resync tasks. Defaults to a
	// runner allowing 10 concurrent tasks.
	Background *Background

	// Logger defaults to a no-op logger.
	Logger *slog.Logger
}

// Handler is the to-device delivery core. One Handler serves all
// inbound and outbound traffic for the process; its methods are safe
// for concurrent use.
type Handler struct {
	serverName       ref.ServerName
	store            Store
	notifier         Notifier
	federationSender FederationSender
	resyncer         DeviceResyncer
	limiter          *ratelimit.Limiter
	dedupKeyRequests bool
	background       *Background
	logger           *slog.Logger
}

// NewHandler creates a Handler. Panics if a required collaborator is
// missing — that is a wiring bug, not a runtime condition.
func NewHandler(cfg Config) *Handler {
	if cfg.ServerName.IsZero() {
		panic("delivery: Config.ServerName is required")
	}
	if cfg.Store == nil {
		panic("delivery: Config.Store is required")
	}
	if cfg.Notifier == nil {
		panic("delivery: Config.Notifier is required")
	}
	if cfg.Resyncer == nil {
		panic("delivery: Config.Resyncer is required")
	}
	if cfg.KeyRequestLimiter == nil {
		panic("delivery: Config.KeyRequestLimiter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	background := cfg.Background
	if background == nil {
		background = NewBackground(logger, 10)
	}
	return &Handler{
		serverName:       cfg.ServerName,
		store:            cfg.Store,
		notifier:         cfg.Notifier,
		federationSender: cfg.FederationSender,
		resyncer:         cfg.Resyncer,
		limiter:          cfg.KeyRequestLimiter,
		dedupKeyRequests: cfg.DedupKeyRequests,
		background:       background,
		logger:           logger,
	}
}

func (h *Handler) isLocalUser(user ref.UserID) bool {
	return user.Domain() == h.serverName
}

// SendDeviceMessages routes a locally-authored send. The messages map
// is keyed by raw recipient user ID, then by raw device ID, to the
// message content. Recipients are split by server: local deliveries
// and per-destination federation EDUs are persisted in one atomic
// store call, then the notifier and (if present) the federation
// sender are poked.
//
// A malformed recipient or content entry is excluded and logged; the
// remaining entries still go through. Cross-user key requests that
// exceed the sender's rate limit are dropped silently.
func (h *Handler) SendDeviceMessages(
	ctx context.Context,
	sender ref.UserID,
	senderDevice ref.DeviceID,
	messageType string,
	messages map[string]map[string]map[string]any,
) error {
	local := make(LocalBatch)
	remote := make(map[ref.ServerName]map[ref.UserID]map[ref.DeviceID]map[string]any)

	for rawUser, byDevice := range messages {
		recipient, err := ref.ParseUserID(rawUser)
		if err != nil {
			h.logger.Warn("excluding malformed recipient from to-device send",
				"sender", sender.String(),
				"recipient", rawUser,
				"error", err,
			)
			continue
		}

		// Requesting keys from another user's devices is the abuse
		// vector; requests to one's own devices are the normal
		// recovery path and are not limited.
		if messageType == MessageTypeRoomKeyRequest && recipient != sender {
			if !h.limiter.CanDoAction(ratelimit.Key{User: sender, Device: senderDevice}) {
				h.logger.Info("dropping rate-limited key request",
					"sender", sender.String(),
					"recipient", recipient.String(),
				)
				continue
			}
		}

		if h.isLocalUser(recipient) {
			if err := h.addLocalMessages(ctx, local, sender, messageType, recipient, byDevice); err != nil {
				return err
			}
			continue
		}

		destination := recipient.Domain()
		parsed, err := parseDeviceContentMap(byDevice)
		if err != nil {
			h.logger.Warn("excluding malformed remote entry from to-device send",
				"sender", sender.String(),
				"recipient", recipient.String(),
				"error", err,
			)
			continue
		}
		if remote[destination] == nil {
			remote[destination] = make(map[ref.UserID]map[ref.DeviceID]map[string]any)
		}
		remote[destination][recipient] = parsed
	}

	edus := make(map[ref.ServerName]*federation.EDU, len(remote))
	trace := TraceContextFromContext(ctx)
	for destination, byUser := range remote {
		edus[destination] = &federation.EDU{
			Sender:       sender,
			Type:         messageType,
			MessageID:    federation.NewMessageID(),
			Messages:     byUser,
			TraceContext: trace,
		}
	}

	if len(local) == 0 && len(edus) == 0 {
		h.logger.Debug("to-device send had no deliverable messages",
			"sender", sender.String(),
			"message_type", messageType,
		)
		return nil
	}

	lastStreamID, err := h.store.AppendLocalAndRemoteMessages(ctx, local, edus)
	if err != nil {
		return fmt.Errorf("persisting to-device messages: %w", err)
	}

	h.notifier.OnNewEvent(notify.StreamToDevice, lastStreamID, local.Users())

	if h.federationSender != nil {
		for destination := range edus {
			h.federationSender.SendDeviceMessages(destination)
		}
	}
	return nil
}

// addLocalMessages validates and stamps each device entry for a local
// recipient, applying the key-request dedup protocol when enabled.
func (h *Handler) addLocalMessages(
	ctx context.Context,
	local LocalBatch,
	sender ref.UserID,
	messageType string,
	recipient ref.UserID,
	byDevice map[string]map[string]any,
) error {
	for rawDevice, content := range byDevice {
		device, err := ref.ParseDeviceID(rawDevice)
		if err != nil {
			h.logger.Warn("excluding malformed device from to-device send",
				"recipient", recipient.String(),
				"error", err,
			)
			continue
		}
		if err := validateContent(content); err != nil {
			h.logger.Warn("excluding oversized to-device content",
				"recipient", recipient.String(),
				"device", device.String(),
				"error", err,
			)
			continue
		}

		if h.dedupKeyRequests && messageType == MessageTypeRoomKeyRequest && recipient == sender {
			suppress, err := h.reconcileKeyRequest(ctx, recipient, device, content)
			if err != nil {
				return fmt.Errorf("reconciling key request for %s/%s: %w", recipient, device, err)
			}
			if suppress {
				continue
			}
		}

		if local[recipient] == nil {
			local[recipient] = make(map[ref.DeviceID]DeviceMessage)
		}
		local[recipient][device] = DeviceMessage{
			Type:    messageType,
			Sender:  sender,
			Content: content,
		}
	}
	return nil
}

// reconcileKeyRequest implements key-request dedup against the
// recipient device's pending inbox: an identical unsent request is
// deleted before the new one is stored (so at most one copy is ever
// pending), and a cancellation that manages to delete the request it
// cancels is itself suppressed — the device never sees either side of
// the cancelled pair.
func (h *Handler) reconcileKeyRequest(ctx context.Context, recipient ref.UserID, device ref.DeviceID, content map[string]any) (suppress bool, err error) {
	requestID, _ := content["request_id"].(string)
	requestingDevice, _ := content["requesting_device_id"].(string)
	if requestID == "" || requestingDevice == "" {
		return false, nil
	}

	pending, err := h.store.GetAllDeviceMessages(ctx, recipient, device)
	if err != nil {
		return false, err
	}

	deleted := false
	for _, stored := range pending {
		if stored.Message.Type != MessageTypeRoomKeyRequest {
			continue
		}
		storedRequestID, _ := stored.Message.Content["request_id"].(string)
		storedRequestingDevice, _ := stored.Message.Content["requesting_device_id"].(string)
		if storedRequestID != requestID || storedRequestingDevice != requestingDevice {
			continue
		}
		removed, err := h.store.DeleteDeviceMessage(ctx, recipient, device, stored.StreamID)
		if err != nil {
			return false, err
		}
		if removed {
			deleted = true
		}
	}

	action, _ := content["action"].(string)
	if deleted && action == ActionRequestCancellation {
		h.logger.Debug("suppressing key request cancellation pair",
			"recipient", recipient.String(),
			"device", device.String(),
			"request_id", requestID,
		)
		return true, nil
	}
	return false, nil
}

// parseDeviceContentMap converts raw device-keyed content for a remote
// recipient. Remote device IDs are opaque to us but still must be
// non-empty; content depth is validated the same as for local
// deliveries.
func parseDeviceContentMap(byDevice map[string]map[string]any) (map[ref.DeviceID]map[string]any, error) {
	parsed := make(map[ref.DeviceID]map[string]any, len(byDevice))
	for rawDevice, content := range byDevice {
		device, err := ref.ParseDeviceID(rawDevice)
		if err != nil {
			return nil, err
		}
		if err := validateContent(content); err != nil {
			return nil, err
		}
		parsed[device] = content
	}
	return parsed, nil
}
