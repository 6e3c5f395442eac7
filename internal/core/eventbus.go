package core

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/eleven-am/mesh/internal/adapters/metrics"
	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// Emit delivers an event to one listener of every group subscribed to it.
// An empty groups list means every subscribed group.
func (b *Broker) Emit(event string, payload domain.Document, groups ...string) error {
	return b.emit(nil, event, payload, groups, false)
}

// Broadcast delivers an event to every subscribed listener on every node.
func (b *Broker) Broadcast(event string, payload domain.Document, groups ...string) error {
	return b.emit(nil, event, payload, groups, true)
}

// BroadcastLocal delivers an event to the listeners of this node only.
func (b *Broker) BroadcastLocal(event string, payload domain.Document, groups ...string) error {
	if event == "" {
		return domain.NewValidationError("event", event, "must not be empty")
	}
	c := b.newEventContext(nil, event, payload, groups)
	for _, listeners := range b.registry.ListenersFor(event, groups) {
		for _, listener := range listeners {
			if local, ok := listener.(*LocalListenerEndpoint); ok {
				b.deliverLocal(c, local)
				metrics.RecordEvent("broadcast_local", "local")
			}
		}
	}
	return nil
}

func (b *Broker) emit(parent *Context, event string, payload domain.Document, groups []string, broadcast bool) error {
	if event == "" {
		return domain.NewValidationError("event", event, "must not be empty")
	}
	if len(groups) == 0 {
		groups = b.registry.ListenerGroups(event)
	}
	if len(groups) == 0 {
		b.logger.Debug("no listeners for event", "event", event)
		return nil
	}

	c := b.newEventContext(parent, event, payload, groups)
	mode := "emit"
	if broadcast {
		mode = "broadcast"
	}

	byGroup := b.registry.ListenersFor(event, groups)
	remote := make(map[string][]string)
	for _, group := range sortedGroups(byGroup) {
		listeners := byGroup[group]
		if !broadcast {
			selected := b.selectListener(c, event, listeners)
			if selected == nil {
				continue
			}
			listeners = []ports.Endpoint{selected}
		}

		for _, listener := range listeners {
			if local, ok := listener.(*LocalListenerEndpoint); ok {
				b.deliverLocal(c, local)
				metrics.RecordEvent(mode, "local")
				continue
			}
			remote[listener.NodeID()] = appendGroup(remote[listener.NodeID()], group)
		}
	}

	ctx := b.runContext()
	var failed []string
	for nodeID, nodeGroups := range remote {
		if err := b.sender.SendEventPacket(ctx, nodeID, c, nodeGroups, broadcast); err != nil {
			failed = append(failed, nodeID)
			b.logger.Warn("failed to send event", "event", event, "peer_id", nodeID, "error", err)
			continue
		}
		metrics.RecordEvent(mode, "remote")
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("event %q not delivered to %v: %w", event, failed, domain.ErrConnection)
	}
	return nil
}

func (b *Broker) selectListener(c *Context, event string, listeners []ports.Endpoint) ports.Endpoint {
	candidates := b.registry.PreferLocal(listeners)
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	}
	strategy := b.registry.Strategy(event)
	if strategy == nil {
		return candidates[0]
	}
	return strategy.Select(c, candidates)
}

// handleEvent invokes the local listeners named by an EVENT packet: one per
// group for an emit, all of them for a broadcast.
func (b *Broker) handleEvent(packet *domain.Packet) {
	body := packet.Event
	if body == nil || body.Event == "" {
		b.logger.Warn("dropped malformed event", "peer_id", packet.Sender)
		return
	}

	c := eventContext(b, nil, packet.Sender, body)
	byGroup := b.registry.ListenersFor(body.Event, body.Groups)
	for _, group := range sortedGroups(byGroup) {
		delivered := false
		for _, listener := range byGroup[group] {
			local, ok := listener.(*LocalListenerEndpoint)
			if !ok {
				continue
			}
			b.deliverLocal(c, local)
			delivered = true
			if !body.Broadcast {
				break
			}
		}
		if !delivered {
			b.logger.Debug("no local listener for event group", "event", body.Event, "group", group, "peer_id", packet.Sender)
		}
	}
}

// deliverLocal runs a listener on the executor, scheduled like an action
// call. Listener failures and panics are logged, never returned to the
// emitter.
func (b *Broker) deliverLocal(c *Context, listener *LocalListenerEndpoint) {
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event listener panicked",
					"event", c.eventName,
					"service", listener.Service(),
					"group", listener.Group(),
					"panic", r)
			}
		}()
		if err := listener.handler(c); err != nil {
			b.logger.Error("event listener failed",
				"event", c.eventName,
				"service", listener.Service(),
				"group", listener.Group(),
				"error", err)
		}
	}
	if err := b.schedule(c, task); err != nil {
		b.logger.Warn("dropped event", "event", c.eventName, "service", listener.Service(), "error", err)
	}
}

func (b *Broker) newEventContext(parent *Context, event string, payload domain.Document, groups []string) *Context {
	body := &domain.EventBody{
		ID:     uuid.NewString(),
		Event:  event,
		Data:   payload,
		Groups: groups,
		Level:  1,
	}
	if parent != nil {
		body.RequestID = parent.requestID
		body.ParentID = parent.id
		body.Level = parent.level + 1
		body.Meta = parent.meta
	}
	c := eventContext(b, parent, b.nodeID, body)
	c.nested = parent != nil
	return c
}

func sortedGroups(byGroup map[string][]ports.Endpoint) []string {
	groups := make([]string, 0, len(byGroup))
	for group := range byGroup {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

func appendGroup(groups []string, group string) []string {
	for _, existing := range groups {
		if existing == group {
			return groups
		}
	}
	return append(groups, group)
}
