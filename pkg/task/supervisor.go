// Package task provides a small supervised replacement for bare go
// statements: spawned work returns a handle that can be awaited or
// cancelled, and failures end up in one structured error sink instead of
// being lost inside goroutine closures.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Supervisor spawns background tasks and owns their lifecycle.
type Supervisor struct {
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor routing task failures to the given
// logger. A nil logger falls back to slog.Default.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{logger: logger}
}

// Handle represents one spawned task.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mux sync.Mutex
	err error
}

// Go runs fn on its own goroutine bound to a child of ctx. Panics are
// recovered and reported as errors. The returned handle can be awaited
// or cancelled independently of the supervisor.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) *Handle {
	taskCtx, cancel := context.WithCancel(ctx)

	h := &Handle{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer close(h.done)

		defer func() {
			if r := recover(); r != nil {
				h.setErr(fmt.Errorf("task %s panicked: %v", name, r))
				s.logger.Error("background task panicked", "task", name, "panic", r)
			}
		}()

		if err := fn(taskCtx); err != nil && taskCtx.Err() == nil {
			h.setErr(err)
			s.logger.Error("background task failed", "task", name, "error", err)
		}
	}()

	return h
}

// WaitAll blocks until every spawned task has finished.
func (s *Supervisor) WaitAll() {
	s.wg.Wait()
}

func (h *Handle) setErr(err error) {
	h.mux.Lock()
	h.err = err
	h.mux.Unlock()
}

// Cancel signals the task's context.
func (h *Handle) Cancel() {
	h.cancel()
}

// Wait blocks until the task finishes and returns its error, if any.
func (h *Handle) Wait() error {
	<-h.done

	h.mux.Lock()
	defer h.mux.Unlock()

	return h.err
}

// Done returns a channel closed when the task finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
