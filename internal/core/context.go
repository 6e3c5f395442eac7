package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// Context is one action call or event delivery. Nested calls made through
// it inherit the request lineage, the metadata and what is left of the
// timeout budget.
type Context struct {
	broker *Broker

	id        string
	requestID string
	parentID  string
	level     int
	name      string
	nodeID    string
	params    domain.Document
	meta      domain.Document
	opts      domain.CallOptions
	startTime time.Time
	stream    *PacketStream
	nested    bool

	eventName   string
	eventGroups []string
}

var _ ports.CallContext = (*Context)(nil)

func (c *Context) ID() string                  { return c.id }
func (c *Context) RequestID() string           { return c.requestID }
func (c *Context) ParentID() string            { return c.parentID }
func (c *Context) Level() int                  { return c.level }
func (c *Context) Name() string                { return c.name }
func (c *Context) NodeID() string              { return c.nodeID }
func (c *Context) Params() domain.Document     { return c.params }
func (c *Context) Meta() domain.Document       { return c.meta }
func (c *Context) Options() domain.CallOptions { return c.opts }
func (c *Context) StartTime() time.Time        { return c.startTime }
func (c *Context) Stream() *PacketStream       { return c.stream }
func (c *Context) EventName() string           { return c.eventName }
func (c *Context) EventGroups() []string       { return c.eventGroups }

// Deadline is when the timeout budget of the call runs out. The zero time
// means the call has no deadline.
func (c *Context) Deadline() time.Time {
	if c.startTime.IsZero() || c.opts.Timeout <= 0 {
		return time.Time{}
	}
	return c.startTime.Add(c.opts.TimeoutDuration())
}

// Remaining returns the unused timeout budget. ok is false when the call
// has no deadline.
func (c *Context) Remaining() (remaining time.Duration, ok bool) {
	deadline := c.Deadline()
	if deadline.IsZero() {
		return 0, false
	}
	return deadline.Sub(c.broker.now()), true
}

// Call invokes an action as a nested call of c.
func (c *Context) Call(action string, params domain.Document, opts *domain.CallOptions) *Future {
	return c.CallStream(action, params, nil, opts)
}

// CallStream invokes an action with a stream relayed alongside the request.
func (c *Context) CallStream(action string, params domain.Document, stream *PacketStream, opts *domain.CallOptions) *Future {
	child, err := c.child(action, params, opts)
	if err != nil {
		return Rejected(err)
	}
	child.stream = stream
	return c.broker.invoke(child)
}

// Emit sends an event to one listener per group, as part of this request.
func (c *Context) Emit(event string, payload domain.Document, groups ...string) error {
	return c.broker.emit(c, event, payload, groups, false)
}

// Broadcast sends an event to every listener, as part of this request.
func (c *Context) Broadcast(event string, payload domain.Document, groups ...string) error {
	return c.broker.emit(c, event, payload, groups, true)
}

// child derives the context of a nested call. The distributed deadline
// shrinks the child timeout to what is left of the parent budget and
// rejects the call outright once the budget is spent.
func (c *Context) child(action string, params domain.Document, opts *domain.CallOptions) (*Context, error) {
	var options domain.CallOptions
	if opts != nil {
		options = *opts
	}

	if remaining, ok := c.Remaining(); ok {
		if remaining <= 0 {
			return nil, domain.NewRequestTimeoutError(action, options.NodeID, c.requestID)
		}
		budget := remaining.Milliseconds()
		if budget < 1 {
			budget = 1
		}
		if options.Timeout < 1 || budget < options.Timeout {
			options.Timeout = budget
		}
	}

	meta, err := domain.MergeDocuments(c.meta, options.Meta)
	if err != nil {
		return nil, fmt.Errorf("merge call meta: %w", err)
	}

	child := &Context{
		broker:    c.broker,
		id:        uuid.NewString(),
		requestID: c.requestID,
		parentID:  c.id,
		level:     c.level + 1,
		name:      action,
		nodeID:    c.broker.nodeID,
		params:    params,
		meta:      meta,
		opts:      options,
		nested:    true,
	}
	if options.Timeout > 0 {
		child.startTime = c.broker.now()
	}
	return child, nil
}

// newRootContext starts a new request.
func newRootContext(broker *Broker, action string, params domain.Document, opts *domain.CallOptions) *Context {
	var options domain.CallOptions
	if opts != nil {
		options = *opts
	}

	id := uuid.NewString()
	c := &Context{
		broker:    broker,
		id:        id,
		requestID: id,
		level:     1,
		name:      action,
		nodeID:    broker.nodeID,
		params:    params,
		meta:      options.Meta.Clone(),
		opts:      options,
	}
	if options.Timeout > 0 {
		c.startTime = broker.now()
	}
	return c
}

// contextFromRequest rebuilds the context of a call received from another
// node. Timeout carries the budget left when the request was sent.
func contextFromRequest(broker *Broker, sender string, body *domain.RequestBody) *Context {
	c := &Context{
		broker:    broker,
		id:        body.ID,
		requestID: body.RequestID,
		parentID:  body.ParentID,
		level:     body.Level,
		name:      body.Action,
		nodeID:    sender,
		params:    body.Params,
		meta:      body.Meta,
		opts:      domain.CallOptions{Timeout: body.Timeout},
	}
	if c.requestID == "" {
		c.requestID = c.id
	}
	if c.level < 1 {
		c.level = 1
	}
	if body.Timeout > 0 {
		c.startTime = broker.now()
	}
	return c
}

// eventContext builds the context a listener receives.
func eventContext(broker *Broker, parent *Context, sender string, body *domain.EventBody) *Context {
	c := &Context{
		broker:      broker,
		id:          body.ID,
		requestID:   body.RequestID,
		parentID:    body.ParentID,
		level:       body.Level,
		name:        body.Event,
		nodeID:      sender,
		params:      body.Data,
		meta:        body.Meta,
		eventName:   body.Event,
		eventGroups: body.Groups,
	}
	if parent != nil {
		c.opts = domain.CallOptions{Timeout: parent.opts.Timeout}
		c.startTime = parent.startTime
	}
	if c.requestID == "" {
		c.requestID = c.id
	}
	if c.level < 1 {
		c.level = 1
	}
	return c
}
