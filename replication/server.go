// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/meridian-im/meridian/delivery"
	"github.com/meridian-im/meridian/federation"
	"github.com/meridian-im/meridian/lib/codec"
	"github.com/meridian-im/meridian/lib/ref"
)

// Wire actions.
const (
	actionForwardEDU    = "forward_edu"
	actionResyncDevices = "resync_devices"
	actionSendToDevice  = "send_to_device"
)

// request is the wire form of every replication request. Action
// selects the operation; the remaining fields are per-action.
type request struct {
	Action string `cbor:"action"`

	// forward_edu
	Origin string          `cbor:"origin,omitempty"`
	EDU    json.RawMessage `cbor:"edu,omitempty"`

	// resync_devices
	Users []string `cbor:"users,omitempty"`

	// send_to_device
	Sender       string                               `cbor:"sender,omitempty"`
	SenderDevice string                               `cbor:"sender_device,omitempty"`
	MessageType  string                               `cbor:"message_type,omitempty"`
	Messages     map[string]map[string]map[string]any `cbor:"messages,omitempty"`
}

// DeviceMessageSender accepts a locally-authored to-device send.
// Satisfied by *delivery.Handler.
type DeviceMessageSender interface {
	SendDeviceMessages(ctx context.Context, sender ref.UserID, senderDevice ref.DeviceID, messageType string, messages map[string]map[string]map[string]any) error
}

// response is the wire form of every replication response.
type response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// readTimeout bounds how long the server waits for a client's
// request. A well-behaved client sends it immediately on connect.
const readTimeout = 30 * time.Second

// writeTimeout bounds the response write.
const writeTimeout = 10 * time.Second

// maxRequestSize caps a single request. A forwarded EDU is bounded by
// the federation transaction size limit, well under this.
const maxRequestSize = 1024 * 1024

// Server serves replication requests on a Unix socket. Operations are
// registered at wiring time: HandleForwardedEDUs on to-device writer
// instances, HandleResyncRequests on the resync instance. A request
// for an unregistered operation gets an error response — the caller
// picked the wrong instance.
type Server struct {
	socketPath string
	logger     *slog.Logger

	eduHandler federation.EDUHandler
	resyncer   delivery.DeviceResyncer
	sender     DeviceMessageSender

	// activeConnections tracks in-flight handlers so Serve can drain
	// them on shutdown.
	activeConnections sync.WaitGroup
}

// NewServer creates a server for the given socket path. Register
// operations before calling Serve.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{socketPath: socketPath, logger: logger}
}

// HandleForwardedEDUs registers the handler invoked for EDUs
// forwarded by non-writer instances.
func (s *Server) HandleForwardedEDUs(handler federation.EDUHandler) {
	if s.eduHandler != nil {
		panic("replication.Server: forwarded-EDU handler already registered")
	}
	s.eduHandler = handler
}

// HandleResyncRequests registers the resyncer invoked for device-list
// resync requests from other instances.
func (s *Server) HandleResyncRequests(resyncer delivery.DeviceResyncer) {
	if s.resyncer != nil {
		panic("replication.Server: resyncer already registered")
	}
	s.resyncer = resyncer
}

// HandleSendRequests registers the sender invoked for
// locally-authored to-device sends submitted by frontend instances.
func (s *Server) HandleSendRequests(sender DeviceMessageSender) {
	if s.sender != nil {
		panic("replication.Server: sender already registered")
	}
	s.sender = sender
}

// Serve accepts connections until ctx is cancelled, then stops
// listening and waits for in-flight requests to finish. Any stale
// socket file at the path is removed before listening and the socket
// file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("replication server listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("replication accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// handleConnection processes one request-response cycle. CBOR is
// self-delimiting, so no framing beyond the single value is needed;
// the LimitReader keeps a misbehaving peer from exhausting memory.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var req request
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	switch req.Action {
	case actionForwardEDU:
		s.handleForwardEDU(ctx, conn, &req)
	case actionResyncDevices:
		s.handleResyncDevices(ctx, conn, &req)
	case actionSendToDevice:
		s.handleSendToDevice(ctx, conn, &req)
	case "":
		s.writeError(conn, "missing required field: action")
	default:
		s.writeError(conn, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (s *Server) handleForwardEDU(ctx context.Context, conn net.Conn, req *request) {
	if s.eduHandler == nil {
		s.writeError(conn, "this instance does not accept forwarded EDUs")
		return
	}
	origin, err := ref.ParseServerName(req.Origin)
	if err != nil {
		s.writeError(conn, fmt.Sprintf("invalid origin: %v", err))
		return
	}
	var edu federation.EDU
	if err := json.Unmarshal(req.EDU, &edu); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid EDU payload: %v", err))
		return
	}

	if err := s.eduHandler(ctx, origin, &edu); err != nil {
		s.logger.Debug("forwarded EDU failed",
			"origin", origin.String(),
			"error", err,
		)
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn)
}

func (s *Server) handleResyncDevices(ctx context.Context, conn net.Conn, req *request) {
	if s.resyncer == nil {
		s.writeError(conn, "this instance does not perform device resync")
		return
	}
	users := make([]ref.UserID, 0, len(req.Users))
	for _, raw := range req.Users {
		user, err := ref.ParseUserID(raw)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("invalid user ID %q: %v", raw, err))
			return
		}
		users = append(users, user)
	}
	if len(users) == 0 {
		s.writeError(conn, "no users to resync")
		return
	}

	if err := s.resyncer.ResyncDevices(ctx, users); err != nil {
		s.logger.Debug("requested resync failed", "error", err)
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn)
}

func (s *Server) handleSendToDevice(ctx context.Context, conn net.Conn, req *request) {
	if s.sender == nil {
		s.writeError(conn, "this instance does not accept to-device sends")
		return
	}
	sender, err := ref.ParseUserID(req.Sender)
	if err != nil {
		s.writeError(conn, fmt.Sprintf("invalid sender: %v", err))
		return
	}
	senderDevice, err := ref.ParseDeviceID(req.SenderDevice)
	if err != nil {
		s.writeError(conn, fmt.Sprintf("invalid sender device: %v", err))
		return
	}
	if req.MessageType == "" {
		s.writeError(conn, "missing required field: message_type")
		return
	}

	if err := s.sender.SendDeviceMessages(ctx, sender, senderDevice, req.MessageType, req.Messages); err != nil {
		s.logger.Debug("to-device send failed",
			"sender", sender.String(),
			"error", err,
		)
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn)
}

func (s *Server) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response{OK: false, Error: message}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *Server) writeSuccess(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response{OK: true}); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
