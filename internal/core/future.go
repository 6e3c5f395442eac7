package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/eleven-am/mesh/internal/ports"
)

// Future is the eventual outcome of a call. It completes exactly once;
// later completions are ignored.
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	completed bool
	value     interface{}
	err       error
	callbacks []func(interface{}, error)
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future already completed with value.
func Resolved(value interface{}) *Future {
	f := NewFuture()
	f.Resolve(value)
	return f
}

// Rejected returns a future already failed with err.
func Rejected(err error) *Future {
	f := NewFuture()
	f.Reject(err)
	return f
}

func (f *Future) Resolve(value interface{}) bool {
	return f.complete(value, nil)
}

func (f *Future) Reject(err error) bool {
	return f.complete(nil, err)
}

func (f *Future) complete(value interface{}, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, callback := range callbacks {
		callback(value, err)
	}
	return true
}

// onComplete runs callback with the outcome, right away when the future is
// already complete.
func (f *Future) onComplete(callback func(interface{}, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, callback)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	callback(value, err)
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future completes or ctx ends.
func (f *Future) Await(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then chains fn on success. fn runs on executor; a failure skips fn and
// propagates to the returned future.
func (f *Future) Then(executor ports.Executor, fn func(interface{}) (interface{}, error)) *Future {
	next := NewFuture()
	f.onComplete(func(value interface{}, err error) {
		if err != nil {
			next.Reject(err)
			return
		}
		run(executor, next, func() (interface{}, error) { return fn(value) })
	})
	return next
}

// Catch chains fn on failure. A successful outcome passes through
// unchanged.
func (f *Future) Catch(executor ports.Executor, fn func(error) (interface{}, error)) *Future {
	next := NewFuture()
	f.onComplete(func(value interface{}, err error) {
		if err == nil {
			next.Resolve(value)
			return
		}
		run(executor, next, func() (interface{}, error) { return fn(err) })
	})
	return next
}

func run(executor ports.Executor, next *Future, fn func() (interface{}, error)) {
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				next.Reject(fmt.Errorf("continuation panicked: %v", r))
			}
		}()
		next.complete(fn())
	}
	if executor == nil {
		task()
		return
	}
	if err := executor.Submit(context.Background(), task); err != nil {
		next.Reject(err)
	}
}
