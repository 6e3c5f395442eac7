package semaphore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// Executor bounds how many handler tasks run at once. Each task holds one
// unit of a weighted semaphore for its lifetime.
type Executor struct {
	sem     *semaphore.Weighted
	limit   int64
	logger  *slog.Logger
	running atomic.Int64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ ports.Executor = (*Executor)(nil)

func NewExecutor(config domain.ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	limit := int64(config.MaxConcurrent)
	if limit <= 0 {
		limit = int64(domain.DefaultExecutorConfig().MaxConcurrent)
	}
	return &Executor{
		sem:    semaphore.NewWeighted(limit),
		limit:  limit,
		logger: logger.With("component", "executor", "limit", limit),
	}
}

// Submit waits for a free slot and runs task on its own goroutine. A
// panicking task is logged and its slot released.
func (e *Executor) Submit(ctx context.Context, task func()) error {
	if task == nil {
		return domain.NewValidationError("task", nil, "must not be nil")
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return fmt.Errorf("executor: %w", domain.ErrNotStarted)
	}
	e.wg.Add(1)
	e.mu.RUnlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.wg.Done()
		return err
	}

	e.start(task, true)
	return nil
}

// TrySubmit runs task only if a slot is free right now.
func (e *Executor) TrySubmit(task func()) bool {
	e.mu.RLock()
	if e.closed || !e.sem.TryAcquire(1) {
		e.mu.RUnlock()
		return false
	}
	e.wg.Add(1)
	e.mu.RUnlock()

	e.start(task, true)
	return true
}

// Spawn runs task without taking a slot. It serves work started by a task
// that already holds one, such as a nested call its handler awaits; making
// that work wait for a slot could wedge the pool.
func (e *Executor) Spawn(task func()) error {
	if task == nil {
		return domain.NewValidationError("task", nil, "must not be nil")
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return fmt.Errorf("executor: %w", domain.ErrNotStarted)
	}
	e.wg.Add(1)
	e.mu.RUnlock()

	e.start(task, false)
	return nil
}

func (e *Executor) start(task func(), slot bool) {
	e.running.Add(1)
	go func() {
		defer e.wg.Done()
		if slot {
			defer e.sem.Release(1)
		}
		defer e.running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		task()
	}()
}

func (e *Executor) Running() int {
	return int(e.running.Load())
}

func (e *Executor) Limit() int {
	return int(e.limit)
}

// Close rejects further submissions and waits for running tasks until ctx
// ends.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.logger.Warn("executor closed with tasks still running", "running", e.Running())
		return ctx.Err()
	}
}
