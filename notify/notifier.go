// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify fans out stream position announcements to waiting
// consumers. After the store assigns a new to-device stream position,
// the delivery handler announces it here together with the affected
// local users; long-poll consumers blocked in WaitForStream wake up
// and resume reading from their last seen position.
//
// The notifier only ever reports the running maximum position for a
// stream. Store appends allocate positions monotonically, so by the
// time a position is announced everything up to it is durable, and a
// consumer that last saw position P can request everything after P
// with no gaps.
package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/meridian-im/meridian/lib/ref"
)

// StreamKind names a logical event stream.
type StreamKind string

// StreamToDevice is the to-device message stream.
const StreamToDevice StreamKind = "to_device"

// Notifier tracks the high-water position of each stream and the
// consumers waiting on it. Safe for concurrent use.
type Notifier struct {
	logger *slog.Logger

	mu        sync.Mutex
	positions map[StreamKind]int64
	waiters   map[StreamKind]map[ref.UserID]map[*waiter]struct{}
}

// waiter is one blocked WaitForStream call.
type waiter struct {
	since  int64
	wakeCh chan int64
}

// New creates a Notifier. A nil logger is replaced with a no-op one.
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{
		logger:    logger,
		positions: make(map[StreamKind]int64),
		waiters:   make(map[StreamKind]map[ref.UserID]map[*waiter]struct{}),
	}
}

// OnNewEvent records that the stream has advanced to position and
// wakes the waiters of the affected users. Positions may arrive out of
// order under concurrent appends; the notifier announces the running
// maximum, so observed announcements are strictly increasing.
func (n *Notifier) OnNewEvent(kind StreamKind, position int64, users []ref.UserID) {
	n.mu.Lock()

	if position > n.positions[kind] {
		n.positions[kind] = position
	}
	announced := n.positions[kind]

	var woken int
	streamWaiters := n.waiters[kind]
	for _, user := range users {
		for w := range streamWaiters[user] {
			if announced <= w.since {
				continue
			}
			// Buffered; a waiter is woken at most once.
			w.wakeCh <- announced
			delete(streamWaiters[user], w)
			woken++
		}
		if len(streamWaiters[user]) == 0 {
			delete(streamWaiters, user)
		}
	}
	n.mu.Unlock()

	n.logger.Debug("stream advanced",
		"stream", string(kind),
		"position", announced,
		"users", len(users),
		"woken", woken,
	)
}

// CurrentPosition returns the highest announced position for the
// stream, or 0 if nothing has been announced.
func (n *Notifier) CurrentPosition(kind StreamKind) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.positions[kind]
}

// WaitForStream blocks until the stream advances past since for the
// given user, returning the new position. Returns immediately if the
// stream is already past since. Returns ctx.Err() if the context ends
// first.
func (n *Notifier) WaitForStream(ctx context.Context, kind StreamKind, user ref.UserID, since int64) (int64, error) {
	n.mu.Lock()
	if current := n.positions[kind]; current > since {
		n.mu.Unlock()
		return current, nil
	}

	w := &waiter{
		since:  since,
		wakeCh: make(chan int64, 1),
	}
	if n.waiters[kind] == nil {
		n.waiters[kind] = make(map[ref.UserID]map[*waiter]struct{})
	}
	if n.waiters[kind][user] == nil {
		n.waiters[kind][user] = make(map[*waiter]struct{})
	}
	n.waiters[kind][user][w] = struct{}{}
	n.mu.Unlock()

	select {
	case position := <-w.wakeCh:
		return position, nil
	case <-ctx.Done():
		n.removeWaiter(kind, user, w)
		return 0, ctx.Err()
	}
}

// removeWaiter unregisters a waiter whose context ended before it was
// woken.
func (n *Notifier) removeWaiter(kind StreamKind, user ref.UserID, w *waiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if userWaiters := n.waiters[kind][user]; userWaiters != nil {
		delete(userWaiters, w)
		if len(userWaiters) == 0 {
			delete(n.waiters[kind], user)
		}
	}
}
