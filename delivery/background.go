// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Background runs fire-and-forget tasks detached from the request
// that spawned them. Concurrency is bounded by a semaphore; excess
// tasks queue in their own goroutine until a slot frees. Failures and
// panics are logged and never reach the enclosing request.
type Background struct {
	logger *slog.Logger
	slots  chan struct{}
	wg     sync.WaitGroup
}

// NewBackground creates a runner allowing up to maxConcurrent tasks
// at once. A nil logger is replaced with a no-op one.
func NewBackground(logger *slog.Logger, maxConcurrent int) *Background {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Background{
		logger: logger,
		slots:  make(chan struct{}, maxConcurrent),
	}
}

// Go schedules task to run asynchronously. The task receives a fresh
// background context: it must not inherit the request's deadline,
// since it outlives the request.
func (b *Background) Go(name string, task func(ctx context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.slots <- struct{}{}
		defer func() { <-b.slots }()

		defer func() {
			if recovered := recover(); recovered != nil {
				b.logger.Error("background task panicked",
					"task", name,
					"panic", recovered,
					"stack", string(debug.Stack()),
				)
			}
		}()

		if err := task(context.Background()); err != nil {
			b.logger.Error("background task failed",
				"task", name,
				"error", err,
			)
		}
	}()
}

// Wait blocks until every scheduled task has finished. Called during
// shutdown and by tests.
func (b *Background) Wait() {
	b.wg.Wait()
}
