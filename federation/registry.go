// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/meridian-im/meridian/lib/ref"
)

// EDUHandler processes one inbound EDU of a registered type. EDU
// handling is fire-and-forget from the origin's perspective: the
// returned error fails the enclosing federation transaction request
// but is never reported back per-EDU.
type EDUHandler func(ctx context.Context, origin ref.ServerName, edu *EDU) error

// Registry routes inbound EDUs by type. Exactly one handler is
// registered per type at startup — the local delivery handler on
// writer instances, a replication forwarder elsewhere — so exactly
// one handling path is active cluster-wide for each type.
//
// Registration happens once during wiring; Dispatch may then be
// called concurrently.
type Registry struct {
	logger   *slog.Logger
	handlers map[string]EDUHandler
}

// NewRegistry creates an empty registry. A nil logger is replaced
// with a no-op one.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		logger:   logger,
		handlers: make(map[string]EDUHandler),
	}
}

// RegisterEDUHandler registers the handler for an EDU type. Panics on
// duplicate registration — two active handling paths for the same
// type would double-process every EDU.
func (r *Registry) RegisterEDUHandler(eduType string, handler EDUHandler) {
	if _, exists := r.handlers[eduType]; exists {
		panic(fmt.Sprintf("federation.Registry: duplicate handler for EDU type %q", eduType))
	}
	r.handlers[eduType] = handler
}

// Dispatch routes an inbound EDU to its registered handler. EDUs of
// unregistered types are dropped with a log line — an unknown
// ephemeral event is not an error, it is simply something this
// deployment does not consume.
func (r *Registry) Dispatch(ctx context.Context, origin ref.ServerName, eduType string, edu *EDU) error {
	handler, exists := r.handlers[eduType]
	if !exists {
		r.logger.Debug("dropping EDU of unhandled type",
			"edu_type", eduType,
			"origin", origin.String(),
		)
		return nil
	}
	return handler(ctx, origin, edu)
}
