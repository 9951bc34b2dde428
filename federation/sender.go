// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/meridian-im/meridian/lib/clock"
	"github.com/meridian-im/meridian/lib/ref"
)

// OutboxStore is the slice of the storage layer the sender needs.
// Satisfied by *storage.Store.
type OutboxStore interface {
	GetPendingEDUs(ctx context.Context, destination ref.ServerName, limit int) ([]QueuedEDU, error)
	DeleteQueuedEDUs(ctx context.Context, destination ref.ServerName, upTo int64) (int, error)
	PendingDestinations(ctx context.Context) ([]ref.ServerName, error)
}

// QueuedEDU is one outbound EDU with its durable queue position.
type QueuedEDU struct {
	StreamID int64
	EDU      *EDU
}

// Transport delivers one batch of EDUs to a destination as a single
// federation transaction.
type Transport interface {
	SendTransaction(ctx context.Context, destination ref.ServerName, edus []*EDU) error
}

// sendBatchSize is the number of EDUs drained from the outbox per
// transaction.
const sendBatchSize = 50

// Backoff bounds for a destination that keeps failing. The queue is
// durable, so backing off costs latency, not messages.
const (
	initialBackoff = time.Second
	maxBackoff     = 5 * time.Minute
)

// Sender drains the durable per-destination EDU outbox. Each
// destination gets its own goroutine, started lazily on the first
// poke and kept for the process lifetime: one slow or dead server
// never blocks delivery to the others.
//
// SendDeviceMessages is the advisory poke (implements
// delivery.FederationSender): the worker re-reads the outbox after
// every poke, so a poke lost to a full wake channel is absorbed by
// the one already pending.
type Sender struct {
	store     OutboxStore
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	wakeups map[ref.ServerName]chan struct{}
	workers sync.WaitGroup
}

// SenderConfig holds the collaborators for a Sender.
type SenderConfig struct {
	// Store provides the durable outbox. Required.
	Store OutboxStore

	// Transport delivers transactions. Required.
	Transport Transport

	// Clock drives retry backoff. Defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to a no-op logger.
	Logger *slog.Logger
}

// NewSender creates a Sender. Panics on missing collaborators.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.Store == nil {
		panic("federation: SenderConfig.Store is required")
	}
	if cfg.Transport == nil {
		panic("federation: SenderConfig.Transport is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sender{
		store:     cfg.Store,
		transport: cfg.Transport,
		clock:     clk,
		logger:    logger,
		wakeups:   make(map[ref.ServerName]chan struct{}),
	}
}

// Start resumes delivery for every destination with queued EDUs from
// a previous run, then returns. Workers stop when ctx is cancelled;
// Wait blocks until they have.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	destinations, err := s.store.PendingDestinations(ctx)
	if err != nil {
		return err
	}
	for _, destination := range destinations {
		s.SendDeviceMessages(destination)
	}
	return nil
}

// Wait blocks until all destination workers have stopped. Call after
// the Start context is cancelled.
func (s *Sender) Wait() {
	s.workers.Wait()
}

// SendDeviceMessages wakes (starting if needed) the worker for a
// destination. Never blocks.
func (s *Sender) SendDeviceMessages(destination ref.ServerName) {
	s.mu.Lock()
	if s.ctx == nil {
		// Not started yet; Start will re-discover the destination
		// from the durable queue.
		s.mu.Unlock()
		return
	}
	wake, exists := s.wakeups[destination]
	if !exists {
		wake = make(chan struct{}, 1)
		s.wakeups[destination] = wake
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.runDestination(s.ctx, destination, wake)
		}()
	}
	s.mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
}

// runDestination is the per-destination delivery loop: drain the
// queue, then sleep until the next poke. Transport failures back off
// exponentially without losing queue position.
func (s *Sender) runDestination(ctx context.Context, destination ref.ServerName, wake <-chan struct{}) {
	backoff := initialBackoff
	for {
		sent, err := s.drainOnce(ctx, destination)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("to-device delivery failed, backing off",
				"destination", destination.String(),
				"backoff", backoff.String(),
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff
		if sent > 0 {
			// More may be queued behind the batch limit.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
	}
}

// drainOnce sends at most one transaction's worth of queued EDUs and
// acknowledges them. Returns the number of EDUs sent.
func (s *Sender) drainOnce(ctx context.Context, destination ref.ServerName) (int, error) {
	queued, err := s.store.GetPendingEDUs(ctx, destination, sendBatchSize)
	if err != nil {
		return 0, err
	}
	if len(queued) == 0 {
		return 0, nil
	}

	edus := make([]*EDU, len(queued))
	for i, entry := range queued {
		edus[i] = entry.EDU
	}
	if err := s.transport.SendTransaction(ctx, destination, edus); err != nil {
		return 0, err
	}

	lastStreamID := queued[len(queued)-1].StreamID
	if _, err := s.store.DeleteQueuedEDUs(ctx, destination, lastStreamID); err != nil {
		return 0, err
	}

	s.logger.Debug("to-device EDUs delivered",
		"destination", destination.String(),
		"count", len(queued),
	)
	return len(queued), nil
}
