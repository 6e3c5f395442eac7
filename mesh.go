// Package mesh provides a service mesh runtime for Go applications.
//
// A mesh is a set of nodes that find each other, gossip their membership and
// the services they host, and call each other's actions by name. It provides:
//   - Gossip membership with heartbeats, failure detection and CPU sharing
//   - An endpoint registry with pluggable load balancing strategies
//   - Request/response calls with distributed timeouts and retries
//   - Grouped and broadcast events with wildcard subscriptions
//   - Streams relayed alongside requests
//   - Peer discovery (static, mDNS, UDP)
//
// Basic usage:
//
//	broker, err := mesh.New(mesh.NewConfigFromSimple("node1", "127.0.0.1", 7401, logger))
//	broker.AddService(mesh.Service{
//	    Name: "math",
//	    Actions: []mesh.Action{{
//	        Name: "add",
//	        Handler: func(ctx *mesh.Context) (interface{}, error) {
//	            a, _ := mesh.ToInt64(ctx.Params()["a"])
//	            b, _ := mesh.ToInt64(ctx.Params()["b"])
//	            return a + b, nil
//	        },
//	    }},
//	})
//	broker.Start(context.Background())
//
//	sum, err := broker.Call("math.add", mesh.Document{"a": 1, "b": 2}, nil).Await(ctx)
package mesh

import (
	"github.com/eleven-am/mesh/internal/adapters/transport"
	"github.com/eleven-am/mesh/internal/core"
	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// Broker is a mesh node: it hosts local services, tracks the other nodes
// and routes calls and events between them.
type Broker = core.Broker

// Option customizes a Broker at construction.
type Option = core.Option

// Service groups the actions and event listeners a node hosts under one name.
type Service = core.Service

// Action is a named request handler of a service.
type Action = core.Action

// Listener subscribes a service to an event pattern such as "user.*".
type Listener = core.Listener

// Handler serves one action call.
type Handler = core.Handler

// ListenerHandler receives one event.
type ListenerHandler = core.ListenerHandler

// Context is passed to every handler. It carries the request identity,
// params, meta and the remaining timeout budget, and makes nested calls
// that inherit them.
type Context = core.Context

// Future is the pending result of a call.
type Future = core.Future

// PacketStream carries a byte stream alongside a request.
type PacketStream = core.PacketStream

// Document is the free-form map used for params, meta and node info.
type Document = domain.Document

// CallOptions tune a single call: pinned node, timeout, retries and meta.
type CallOptions = domain.CallOptions

// HealthStatus is what a broker reports about itself.
type HealthStatus = ports.HealthStatus

// Error types returned by calls.
type (
	ValidationError      = domain.ValidationError
	RequestTimeoutError  = domain.RequestTimeoutError
	RemoteError          = domain.RemoteError
	ServiceNotFoundError = domain.ServiceNotFoundError
)

var (
	ErrNotStarted      = domain.ErrNotStarted
	ErrAlreadyStarted  = domain.ErrAlreadyStarted
	ErrTimeout         = domain.ErrTimeout
	ErrConnection      = domain.ErrConnection
	ErrServiceNotFound = domain.ErrServiceNotFound
	ErrCircuitOpen     = domain.ErrCircuitOpen
	ErrOverloaded      = domain.ErrOverloaded
	ErrStreamClosed    = core.ErrStreamClosed
)

// New creates a broker from config. The broker does not join the mesh
// until Start is called.
func New(config *Config, opts ...Option) (*Broker, error) {
	return core.New(config, opts...)
}

// WithTransport replaces the transport selected by the config.
func WithTransport(t ports.TransportPort) Option {
	return core.WithTransport(t)
}

// WithDiscovery adds discovery adapters on top of the configured ones.
func WithDiscovery(adapters ...ports.DiscoveryPort) Option {
	return core.WithDiscovery(adapters...)
}

// WithCPUSampler replaces the CPU usage sampler shared through gossip.
func WithCPUSampler(sampler func() (int, error)) Option {
	return core.WithCPUSampler(sampler)
}

// MemoryHub connects brokers of the same process without a network.
type MemoryHub = transport.Hub

// NewMemoryHub creates a hub. Pair it with TransportMemory in the config
// and WithTransport(hub.NewTransport(nodeID, logger)).
func NewMemoryHub() *MemoryHub {
	return transport.NewHub()
}

func NewPacketStream() *PacketStream {
	return core.NewPacketStream()
}

// ToInt64 converts a numeric param to int64. Numbers decoded from the wire
// arrive as float64.
func ToInt64(value interface{}) (int64, bool) {
	return domain.ToInt64(value)
}

func IsTimeout(err error) bool {
	return domain.IsTimeout(err)
}

func IsConnection(err error) bool {
	return domain.IsConnection(err)
}

func IsServiceNotFound(err error) bool {
	return domain.IsServiceNotFound(err)
}

func IsRemoteError(err error) bool {
	return domain.IsRemoteError(err)
}

// IsOverloaded reports a call refused because the target node had no free
// handler slot. Such calls are retried on other nodes.
func IsOverloaded(err error) bool {
	return domain.IsOverloaded(err)
}

func IsValidationError(err error) bool {
	return domain.IsValidationError(err)
}
