// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket admission control for room
// key request traffic, keyed by the acting user and (optionally) the
// acting device.
//
// A disallowed action is dropped by the caller, never queued or
// delayed, and no error is surfaced to the original sender — rate
// limit state is not revealed to a potential attacker probing with
// key-request floods.
package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridian-im/meridian/lib/clock"
	"github.com/meridian-im/meridian/lib/ref"
)

// Key identifies a token bucket. Device is the zero value for actions
// limited per-user rather than per-device (inbound federation key
// requests are keyed by sending user only; the origin server has no
// authenticated device).
type Key struct {
	User   ref.UserID
	Device ref.DeviceID
}

// Config holds the parameters for a Limiter.
type Config struct {
	// PerSecond is the sustained token refill rate. Zero means no
	// refill: each bucket starts with BurstCount tokens and never
	// regains them.
	PerSecond float64

	// BurstCount is the bucket capacity and the initial token count
	// of a fresh bucket. Must be at least 1.
	BurstCount int

	// Clock provides the current time for refill arithmetic. Defaults
	// to the real clock.
	Clock clock.Clock

	// Logger receives sweep statistics. If nil, a no-op logger is
	// used.
	Logger *slog.Logger

	// SweepInterval is how often idle buckets are evicted when
	// RunSweeper is active. Defaults to 15 minutes.
	SweepInterval time.Duration

	// IdleTTL is how long a bucket may go unused before eviction.
	// Defaults to 1 hour.
	IdleTTL time.Duration
}

// Limiter is a table of per-key token buckets. Buckets are created on
// first use and evicted after IdleTTL of disuse by RunSweeper.
//
// Limiter is safe for concurrent use: the check-and-decrement on a
// single bucket is atomic, so two concurrent calls against a bucket
// holding one token admit exactly one of them.
type Limiter struct {
	perSecond float64
	burst     int
	clock     clock.Clock
	logger    *slog.Logger

	sweepInterval time.Duration
	idleTTL       time.Duration

	mu      sync.Mutex
	buckets map[Key]*bucket
}

// bucket pairs a token bucket with its last access time for idle
// eviction.
type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New creates a Limiter. Panics if BurstCount is less than 1 — a
// zero-capacity bucket would silently drop all traffic.
func New(cfg Config) *Limiter {
	if cfg.BurstCount < 1 {
		panic("ratelimit: BurstCount must be at least 1")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Minute
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = time.Hour
	}

	return &Limiter{
		perSecond:     cfg.PerSecond,
		burst:         cfg.BurstCount,
		clock:         clk,
		logger:        logger,
		sweepInterval: sweepInterval,
		idleTTL:       idleTTL,
		buckets:       make(map[Key]*bucket),
	}
}

// CanDoAction reports whether the action identified by key is within
// its rate limit, consuming one token if so. A false return means the
// caller should drop the action silently.
func (l *Limiter) CanDoAction(key Key) bool {
	now := l.clock.Now()

	l.mu.Lock()
	entry, exists := l.buckets[key]
	if !exists {
		entry = &bucket{
			limiter: rate.NewLimiter(rate.Limit(l.perSecond), l.burst),
		}
		l.buckets[key] = entry
	}
	entry.lastAccess = now
	l.mu.Unlock()

	// rate.Limiter holds its own lock; with the explicit timestamp the
	// decision is independent of the wall clock.
	return entry.limiter.AllowN(now, 1)
}

// RunSweeper evicts idle buckets until ctx is cancelled. Run it in its
// own goroutine; without it the bucket table grows without bound under
// abusive key churn.
func (l *Limiter) RunSweeper(ctx context.Context) {
	ticker := l.clock.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes buckets idle for longer than IdleTTL.
func (l *Limiter) sweep() {
	cutoff := l.clock.Now().Add(-l.idleTTL)

	l.mu.Lock()
	before := len(l.buckets)
	for key, entry := range l.buckets {
		if entry.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	evicted := before - len(l.buckets)
	l.mu.Unlock()

	if evicted > 0 {
		l.logger.Debug("rate limiter sweep",
			"evicted", evicted,
			"remaining", before-evicted,
		)
	}
}

// BucketCount returns the number of live buckets. Used by tests and
// diagnostics.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
