// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/meridian-im/meridian/federation"
	"github.com/meridian-im/meridian/lib/codec"
	"github.com/meridian-im/meridian/lib/ref"
)

// dialTimeout covers only the connect phase; the sockets are local so
// a slow dial means the peer instance is down.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for a response
// after writing the request. Sized to the server's read timeout plus
// write timeout plus handler time.
const responseReadTimeout = 45 * time.Second

// maxResponseSize matches the server's maxRequestSize.
const maxResponseSize = 1024 * 1024

// RemoteError is returned when the peer instance answered ok=false.
// Connection and encoding failures are plain errors instead.
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("replication %s: %s", e.Action, e.Message)
}

// Client sends replication requests to one peer instance's socket.
// Each call opens a fresh connection, matching the server's
// one-request-per-connection model. Safe for concurrent use.
type Client struct {
	socketPath string
}

// NewClient creates a client for the given peer socket path.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// ForwardEDU hands an inbound EDU to the peer for local handling.
// Blocks until the peer has persisted (or rejected) it, so the
// federation transaction's outcome reflects the real result.
func (c *Client) ForwardEDU(ctx context.Context, origin ref.ServerName, edu *federation.EDU) error {
	payload, err := json.Marshal(edu)
	if err != nil {
		return fmt.Errorf("replication: marshal EDU: %w", err)
	}
	return c.call(ctx, request{
		Action: actionForwardEDU,
		Origin: origin.String(),
		EDU:    payload,
	})
}

// ResyncDevices asks the peer to refresh the device lists of the
// given users. Implements delivery.DeviceResyncer for instances that
// are not the designated resync instance.
func (c *Client) ResyncDevices(ctx context.Context, users []ref.UserID) error {
	raw := make([]string, len(users))
	for i, user := range users {
		raw[i] = user.String()
	}
	return c.call(ctx, request{
		Action: actionResyncDevices,
		Users:  raw,
	})
}

// SendToDevice submits a locally-authored to-device send to the
// writer instance on behalf of an authenticated client.
func (c *Client) SendToDevice(ctx context.Context, sender ref.UserID, senderDevice ref.DeviceID, messageType string, messages map[string]map[string]map[string]any) error {
	return c.call(ctx, request{
		Action:       actionSendToDevice,
		Sender:       sender.String(),
		SenderDevice: senderDevice.String(),
		MessageType:  messageType,
		Messages:     messages,
	})
}

// call connects, writes one request, and reads one response.
func (c *Client) call(ctx context.Context, req request) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("replication: connecting to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("replication: writing %s request: %w", req.Action, err)
	}
	// Half-close the write side so the server's read sees EOF
	// cleanly. CBOR is self-delimiting, so this is courtesy, not
	// framing.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var resp response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&resp); err != nil {
		return fmt.Errorf("replication: reading %s response: %w", req.Action, err)
	}
	if !resp.OK {
		return &RemoteError{Action: req.Action, Message: resp.Error}
	}
	return nil
}
