package ports

import (
	"time"

	"github.com/eleven-am/mesh/internal/domain"
)

// Endpoint is one selectable target for an action or event name.
type Endpoint interface {
	NodeID() string
	Name() string
	Config() domain.Document
	IsLocal() bool
}

// CallContext is the part of a call a strategy may look at.
type CallContext interface {
	ID() string
	Params() domain.Document
	Meta() domain.Document
}

// Strategy picks one endpoint. The slice is a snapshot: strategies never
// modify it and must cope with its length differing between calls.
type Strategy interface {
	Select(call CallContext, endpoints []Endpoint) Endpoint
}

// StrategyFactory builds a strategy instance for one action name.
type StrategyFactory interface {
	Create(name string) Strategy
}

// LatencyObserver is implemented by strategies that learn from call
// round-trip times.
type LatencyObserver interface {
	ObserveLatency(nodeID string, latency time.Duration)
}

// LoadProvider exposes the gossiped CPU usage of a node.
type LoadProvider interface {
	CPU(nodeID string) (cpu int, known bool)
}
