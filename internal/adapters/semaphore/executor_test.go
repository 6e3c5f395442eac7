package semaphore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/mesh/internal/domain"
)

func TestExecutor_BoundsConcurrency(t *testing.T) {
	executor := NewExecutor(domain.ExecutorConfig{MaxConcurrent: 2}, nil)

	var current, peak atomic.Int64
	release := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := executor.Submit(context.Background(), func() {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				current.Add(-1)
			})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return executor.Running() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	require.NoError(t, executor.Close(context.Background()))

	assert.Equal(t, int64(2), peak.Load())
	assert.Equal(t, 0, executor.Running())
}

func TestExecutor_SubmitHonoursContext(t *testing.T) {
	executor := NewExecutor(domain.ExecutorConfig{MaxConcurrent: 1}, nil)
	block := make(chan struct{})
	require.NoError(t, executor.Submit(context.Background(), func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := executor.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, executor.TrySubmit(func() {}))

	close(block)
	require.NoError(t, executor.Close(context.Background()))
}

func TestExecutor_RecoversPanics(t *testing.T) {
	executor := NewExecutor(domain.ExecutorConfig{MaxConcurrent: 1}, nil)

	require.NoError(t, executor.Submit(context.Background(), func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, executor.Submit(context.Background(), func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slot of panicking task was not released")
	}
}

func TestExecutor_Close(t *testing.T) {
	executor := NewExecutor(domain.ExecutorConfig{}, nil)
	assert.Equal(t, domain.DefaultExecutorConfig().MaxConcurrent, executor.Limit())

	block := make(chan struct{})
	require.NoError(t, executor.Submit(context.Background(), func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, executor.Close(ctx), context.DeadlineExceeded)

	err := executor.Submit(context.Background(), func() {})
	assert.True(t, domain.IsNotStarted(err))

	close(block)
	require.NoError(t, executor.Close(context.Background()))
	assert.True(t, domain.IsValidationError(NewExecutor(domain.ExecutorConfig{}, nil).Submit(context.Background(), nil)))
}

func TestExecutor_SpawnBypassesLimit(t *testing.T) {
	executor := NewExecutor(domain.ExecutorConfig{MaxConcurrent: 1}, nil)
	block := make(chan struct{})
	require.NoError(t, executor.Submit(context.Background(), func() { <-block }))
	assert.False(t, executor.TrySubmit(func() {}))

	done := make(chan struct{})
	require.NoError(t, executor.Spawn(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawned task waited for a slot")
	}

	close(block)
	require.NoError(t, executor.Close(context.Background()))
	assert.True(t, domain.IsNotStarted(executor.Spawn(func() {})))
	assert.True(t, domain.IsValidationError(NewExecutor(domain.ExecutorConfig{}, nil).Spawn(nil)))
}
