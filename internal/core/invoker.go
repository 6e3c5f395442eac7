package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eleven-am/mesh/internal/adapters/circuit_breaker"
	"github.com/eleven-am/mesh/internal/adapters/metrics"
	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// invoke routes a call to an endpoint and retries on other nodes while the
// call allows it.
func (b *Broker) invoke(c *Context) *Future {
	result := NewFuture()
	b.attempt(c, result, 0, map[string]struct{}{}, nil)
	return result
}

func (b *Broker) attempt(c *Context, result *Future, attempt int, tried map[string]struct{}, lastErr error) {
	endpoint, err := b.selectEndpoint(c, tried)
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		metrics.RecordCall(c.name, "none", "not_found", 0)
		result.Reject(err)
		return
	}

	var breaker ports.CircuitBreaker
	if !endpoint.IsLocal() && b.breakers != nil {
		breaker = b.breakers.Get(circuit_breaker.Key(endpoint.NodeID(), c.name))
		if !breaker.Allow() {
			b.retryOrFail(c, result, attempt, tried, endpoint,
				fmt.Errorf("call %q on node %q: %w", c.name, endpoint.NodeID(), domain.ErrCircuitOpen))
			return
		}
	}

	start := b.now()
	b.dispatch(c, endpoint).onComplete(func(value interface{}, err error) {
		elapsed := b.now().Sub(start)
		b.observe(c, endpoint, breaker, elapsed, err)

		if err != nil {
			b.retryOrFail(c, result, attempt, tried, endpoint, err)
			return
		}
		result.Resolve(value)
	})
}

func (b *Broker) retryOrFail(c *Context, result *Future, attempt int, tried map[string]struct{}, endpoint ports.Endpoint, err error) {
	if !b.canRetry(c, attempt, endpoint, err) {
		result.Reject(err)
		return
	}
	tried[endpoint.NodeID()] = struct{}{}
	b.logger.Debug("retrying call",
		"action", c.name,
		"request_id", c.requestID,
		"failed_node", endpoint.NodeID(),
		"attempt", attempt+1,
		"error", err)
	b.attempt(c, result, attempt+1, tried, err)
}

// canRetry allows another attempt for remote failures while retries and
// the deadline last. Pinned calls are never retried elsewhere.
func (b *Broker) canRetry(c *Context, attempt int, endpoint ports.Endpoint, err error) bool {
	if endpoint.IsLocal() || c.opts.NodeID != "" || attempt >= c.opts.RetryCount {
		return false
	}
	if !domain.IsRetryable(err) {
		return false
	}
	if remaining, ok := c.Remaining(); ok && remaining <= 0 {
		return false
	}
	return true
}

func (b *Broker) selectEndpoint(c *Context, tried map[string]struct{}) (ports.Endpoint, error) {
	if c.opts.NodeID != "" {
		return b.registry.GetEndpoint(c, c.name, c.opts.NodeID)
	}
	return b.registry.Select(c, c.name, func(endpoint ports.Endpoint) bool {
		if endpoint.IsLocal() {
			return false
		}
		if _, failed := tried[endpoint.NodeID()]; failed {
			return true
		}
		return b.breakers != nil && b.breakers.IsOpen(circuit_breaker.Key(endpoint.NodeID(), c.name))
	})
}

func (b *Broker) observe(c *Context, endpoint ports.Endpoint, breaker ports.CircuitBreaker, elapsed time.Duration, err error) {
	target := "remote"
	if endpoint.IsLocal() {
		target = "local"
	}
	status := "success"
	if err != nil {
		status = "error"
		if domain.IsTimeout(err) {
			status = "timeout"
		}
	}
	metrics.RecordCall(c.name, target, status, elapsed.Seconds())

	if endpoint.IsLocal() {
		return
	}
	if breaker != nil {
		breaker.Record(err)
	}
	if err == nil {
		b.factory.ObserveLatency(endpoint.NodeID(), elapsed)
	}
}

func (b *Broker) dispatch(c *Context, endpoint ports.Endpoint) *Future {
	if local, ok := endpoint.(*LocalActionEndpoint); ok {
		return b.dispatchLocal(c, local)
	}
	return b.dispatchRemote(c, endpoint)
}

// dispatchLocal runs the handler on the executor. A deadline rejects the
// future even when the handler keeps running.
func (b *Broker) dispatchLocal(c *Context, endpoint *LocalActionEndpoint) *Future {
	future := NewFuture()

	if deadline := c.Deadline(); !deadline.IsZero() {
		timer := time.AfterFunc(deadline.Sub(b.now()), func() {
			future.Reject(domain.NewRequestTimeoutError(c.name, b.nodeID, c.id))
		})
		future.onComplete(func(interface{}, error) { timer.Stop() })
	}

	task := func() {
		value, err := b.runHandler(c, endpoint)
		future.complete(value, err)
	}
	if err := b.schedule(c, task); err != nil {
		future.Reject(fmt.Errorf("schedule %q: %w", c.name, err))
	}
	return future
}

// schedule picks how local work gets onto the executor. Nested calls run
// beside the slot their caller holds while awaiting them. Work from other
// nodes is shed when the pool is full so the transport never blocks.
func (b *Broker) schedule(c *Context, task func()) error {
	switch {
	case c.nested:
		return b.executor.Spawn(task)
	case c.nodeID != b.nodeID:
		if !b.executor.TrySubmit(task) {
			metrics.RecordShedRequest()
			b.logger.Warn("shed work from busy executor",
				"peer_id", c.nodeID,
				"name", c.name,
				"request_id", c.requestID,
				"limit", b.executor.Limit())
			return fmt.Errorf("node %q: %w", b.nodeID, domain.ErrOverloaded)
		}
		return nil
	default:
		return b.executor.Submit(b.runContext(), task)
	}
}

func (b *Broker) runHandler(c *Context, endpoint *LocalActionEndpoint) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("action handler panicked", "action", c.name, "request_id", c.requestID, "panic", r)
			err = fmt.Errorf("action %q panicked: %v", c.name, r)
		}
	}()
	return endpoint.handler(c)
}

// dispatchRemote registers the call as pending and sends the request. The
// response, a disconnect of the node or the deadline sweep completes it.
func (b *Broker) dispatchRemote(c *Context, endpoint ports.Endpoint) *Future {
	future := NewFuture()
	nodeID := endpoint.NodeID()

	entry, err := b.pending.Register(c.id, nodeID, c.name, c.Deadline())
	if err != nil {
		return Rejected(err)
	}
	go func() {
		<-entry.Done()
		future.complete(entry.Result())
	}()

	ctx := b.runContext()
	if err := b.sender.SendRequestPacket(ctx, nodeID, c); err != nil {
		b.pending.Reject(c.id, err)
		return future
	}
	if c.stream != nil {
		b.relayStream(ctx, nodeID, c)
	}
	return future
}

// relayStream forwards every chunk of the call stream to nodeID as DATA,
// ERR or CLOSE packets with strictly increasing seq.
func (b *Broker) relayStream(ctx context.Context, nodeID string, c *Context) {
	var (
		mu  sync.Mutex
		seq int64
	)
	c.stream.OnPacket(func(data []byte, err error, closed bool) {
		mu.Lock()
		defer mu.Unlock()
		seq++

		var sendErr error
		switch {
		case err != nil:
			sendErr = b.sender.SendErrorPacket(ctx, domain.PacketRequest, nodeID, c, err, seq)
		case closed:
			sendErr = b.sender.SendClosePacket(ctx, domain.PacketRequest, nodeID, c, seq)
		default:
			sendErr = b.sender.SendDataPacket(ctx, domain.PacketRequest, nodeID, c, data, seq)
		}
		if sendErr != nil {
			b.logger.Warn("failed to relay stream chunk", "peer_id", nodeID, "request_id", c.id, "seq", seq, "error", sendErr)
		}
	})
}
