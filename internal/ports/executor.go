package ports

import (
	"context"
)

// Executor runs tasks on a bounded pool. Submit blocks only while the pool
// is saturated and the context is still alive; TrySubmit never blocks.
// Spawn bypasses the bound for work owned by a running task.
type Executor interface {
	Submit(ctx context.Context, task func()) error
	TrySubmit(task func()) bool
	Spawn(task func()) error
	Running() int
	Limit() int
}
