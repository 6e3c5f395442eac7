package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/mesh/internal/adapters/circuit_breaker"
	"github.com/eleven-am/mesh/internal/adapters/discovery"
	"github.com/eleven-am/mesh/internal/adapters/gossip"
	"github.com/eleven-am/mesh/internal/adapters/load_balancer"
	"github.com/eleven-am/mesh/internal/adapters/pending"
	"github.com/eleven-am/mesh/internal/adapters/rate_limiter"
	"github.com/eleven-am/mesh/internal/adapters/registry"
	"github.com/eleven-am/mesh/internal/adapters/semaphore"
	"github.com/eleven-am/mesh/internal/adapters/storage"
	"github.com/eleven-am/mesh/internal/adapters/transport"
	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

const shutdownTimeout = 5 * time.Second

// Broker is one node of the mesh. It hosts local services, routes calls
// and events to local or remote endpoints and keeps cluster membership
// through gossip.
type Broker struct {
	config *domain.Config
	nodeID string
	logger *slog.Logger
	now    func() time.Time

	transport ports.TransportPort
	storage   ports.StoragePort
	limiter   *rate_limiter.KeyedLimiter
	engine    *gossip.Engine
	factory   *load_balancer.Factory
	registry  *registry.Registry
	pending   *pending.Table
	executor  *semaphore.Executor
	breakers  *circuit_breaker.Provider
	locator   *Locator
	sender    *PacketSender
	streams   *streamTable

	mu      sync.Mutex
	local   map[string]*LocalActionEndpoint
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

var (
	_ ports.NodeListener   = (*Broker)(nil)
	_ ports.HealthProvider = (*Broker)(nil)
)

type brokerOptions struct {
	transport ports.TransportPort
	storage   ports.StoragePort
	adapters  []ports.DiscoveryPort
	sampler   gossip.CPUSampler
	now       func() time.Time
}

type Option func(*brokerOptions)

// WithTransport replaces the transport selected by the config, for example
// with a transport of an in-memory hub.
func WithTransport(transport ports.TransportPort) Option {
	return func(o *brokerOptions) {
		o.transport = transport
	}
}

// WithStorage persists node state in storage instead of the store opened
// from the config.
func WithStorage(storage ports.StoragePort) Option {
	return func(o *brokerOptions) {
		o.storage = storage
	}
}

// WithDiscovery adds discovery adapters to the ones built from the config.
func WithDiscovery(adapters ...ports.DiscoveryPort) Option {
	return func(o *brokerOptions) {
		o.adapters = append(o.adapters, adapters...)
	}
}

func WithCPUSampler(sampler gossip.CPUSampler) Option {
	return func(o *brokerOptions) {
		o.sampler = sampler
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *brokerOptions) {
		o.now = now
	}
}

func New(config *domain.Config, opts ...Option) (*Broker, error) {
	if config == nil {
		return nil, domain.NewConfigError("config", domain.ErrInvalidInput)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	options := &brokerOptions{now: time.Now}
	for _, opt := range opts {
		opt(options)
	}

	logger := config.Logger.With("node_id", config.NodeID)

	b := &Broker{
		config:  config,
		nodeID:  config.NodeID,
		logger:  logger.With("component", "broker"),
		now:     options.now,
		streams: newStreamTable(),
		local:   make(map[string]*LocalActionEndpoint),
	}

	if err := b.buildTransport(options, logger); err != nil {
		return nil, err
	}

	if options.storage != nil {
		b.storage = options.storage
	} else if config.Storage.Enabled {
		store, err := storage.Open(config.Storage, config.DataDir, logger)
		if err != nil {
			return nil, err
		}
		b.storage = store
	}

	engineOpts := []gossip.Option{gossip.WithClock(b.now)}
	if b.storage != nil {
		engineOpts = append(engineOpts, gossip.WithStorage(b.storage))
	}
	if config.Gossip.DiscoverRate > 0 {
		b.limiter = rate_limiter.NewRateLimiter("discover", ports.RateLimiterConfig{
			RequestsPerSecond: config.Gossip.DiscoverRate,
			BurstSize:         config.Gossip.DiscoverBurst,
		}, logger)
		engineOpts = append(engineOpts, gossip.WithDiscoverLimiter(b.limiter))
	}
	if options.sampler != nil {
		engineOpts = append(engineOpts, gossip.WithCPUSampler(options.sampler))
	}

	engine, err := gossip.New(config, b.transport, logger, engineOpts...)
	if err != nil {
		b.closeResources()
		return nil, err
	}
	b.engine = engine
	if grpcTransport, ok := b.transport.(*transport.GRPCTransport); ok {
		grpcTransport.SetResolver(engine)
	}

	b.factory = load_balancer.NewFactory(config.Registry, engine, logger)
	b.registry = registry.New(config.Registry, b.factory, logger)
	engine.AddListener(b.registry)
	engine.AddListener(b)

	b.pending = pending.New(config.Pending, logger, pending.WithClock(b.now))
	b.executor = semaphore.NewExecutor(config.Executor, logger)
	if config.CircuitBreaker.Enabled {
		b.breakers = circuit_breaker.NewProvider(config.CircuitBreaker, logger)
	}

	host, port := engine.LocalNode().Address()
	b.sender = NewPacketSender(b.transport, b.nodeID, host, port, logger)

	adapters := options.adapters
	interval := time.Duration(0)
	for _, discoveryConfig := range config.Discovery {
		adapter, err := discovery.New(discoveryConfig, logger)
		if err != nil {
			b.closeResources()
			return nil, err
		}
		adapters = append(adapters, adapter)
		if discoveryConfig.Interval > 0 && (interval == 0 || discoveryConfig.Interval < interval) {
			interval = discoveryConfig.Interval
		}
	}
	b.locator = NewLocator(adapters, engine, interval, logger)

	return b, nil
}

func (b *Broker) buildTransport(options *brokerOptions, logger *slog.Logger) error {
	if options.transport != nil {
		b.transport = options.transport
		return nil
	}
	switch b.config.Transport.Type {
	case domain.TransportGRPC:
		b.transport = transport.NewGRPCTransport(b.config.Host, b.config.Port, b.config.Transport, logger)
		return nil
	default:
		return domain.NewConfigError("transport.type",
			fmt.Errorf("%s transport must be supplied with WithTransport: %w", b.config.Transport.Type, domain.ErrInvalidInput))
	}
}

func (b *Broker) NodeID() string {
	return b.nodeID
}

func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

func (b *Broker) Engine() *gossip.Engine {
	return b.engine
}

func (b *Broker) Executor() ports.Executor {
	return b.executor
}

func (b *Broker) Pending() *pending.Table {
	return b.pending
}

// Start brings the node online: transport first, then gossip, the pending
// sweep and discovery.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return domain.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)

	if err := b.transport.Start(runCtx, ports.PacketHandlerFunc(b.HandlePacket)); err != nil {
		cancel()
		return err
	}

	b.publishServices()

	host, port := b.engine.LocalNode().Address()
	self := ports.ServiceInfo{ID: b.nodeID, Name: "mesh", Address: host, Port: port}
	discoveryConfig := ports.DiscoveryConfig{ServiceName: "mesh", ServicePort: port, Namespace: b.config.Namespace}

	var g errgroup.Group
	g.Go(func() error { return b.engine.Start(runCtx) })
	g.Go(func() error { return b.pending.Start(runCtx) })
	g.Go(func() error { return b.locator.Start(runCtx, self, discoveryConfig) })
	if err := g.Wait(); err != nil {
		cancel()
		b.stopComponents()
		return fmt.Errorf("start broker: %w", err)
	}

	b.ctx = runCtx
	b.cancel = cancel
	b.running = true

	b.logger.Info("broker started",
		"address", b.transport.Address(),
		"services", len(b.registry.LocalInfo()),
		"namespace", b.config.Namespace)
	return nil
}

// Stop announces the departure to peers, fails outstanding requests and
// releases every resource.
func (b *Broker) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return domain.ErrNotStarted
	}
	b.running = false
	b.mu.Unlock()

	err := b.stopComponents()
	b.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if closeErr := b.executor.Close(ctx); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	b.closeResources()

	b.logger.Info("broker stopped")
	return err
}

func (b *Broker) stopComponents() error {
	var errs []error
	ignore := func(err error) {
		if err != nil && !domain.IsNotStarted(err) {
			errs = append(errs, err)
		}
	}

	ignore(b.locator.Stop())
	ignore(b.engine.Stop())
	ignore(b.pending.Stop())
	for _, snap := range b.engine.Nodes() {
		b.pending.RejectNode(snap.NodeID, fmt.Errorf("broker stopped: %w", domain.ErrConnection))
	}
	ignore(b.transport.Stop())
	return errors.Join(errs...)
}

func (b *Broker) closeResources() {
	if b.limiter != nil {
		b.limiter.Close()
	}
	if b.storage != nil {
		if err := b.storage.Close(); err != nil {
			b.logger.Warn("failed to close storage", "error", err)
		}
	}
}

func (b *Broker) runContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return b.ctx
	}
	return context.Background()
}

func (b *Broker) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// AddService registers a local service and republishes the services of
// this node to its peers.
func (b *Broker) AddService(service Service) error {
	local, err := describe(b.nodeID, service)
	if err != nil {
		return err
	}
	if err := b.registry.AddLocalService(local); err != nil {
		return err
	}

	b.mu.Lock()
	for _, endpoint := range local.Actions {
		b.local[endpoint.Name()] = endpoint.(*LocalActionEndpoint)
	}
	running := b.running
	b.mu.Unlock()

	if running {
		b.publishServices()
	}
	return nil
}

// RemoveService unregisters a local service by its full name.
func (b *Broker) RemoveService(name string) bool {
	if !b.registry.RemoveLocalService(name) {
		return false
	}

	b.mu.Lock()
	for action, endpoint := range b.local {
		if !b.hasLocal(action, endpoint) {
			delete(b.local, action)
		}
	}
	running := b.running
	b.mu.Unlock()

	if running {
		b.publishServices()
	}
	return true
}

func (b *Broker) hasLocal(action string, endpoint *LocalActionEndpoint) bool {
	for _, candidate := range b.registry.GetEndpoints(action) {
		if candidate == ports.Endpoint(endpoint) {
			return true
		}
	}
	return false
}

func (b *Broker) localAction(action string) (*LocalActionEndpoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	endpoint, ok := b.local[action]
	return endpoint, ok
}

func (b *Broker) publishServices() {
	seq := b.engine.UpdateLocalInfo(domain.Document{domain.InfoServices: b.registry.LocalInfo()})
	b.logger.Debug("published local services", "seq", seq)
}

// NewContext starts a new request for action.
func (b *Broker) NewContext(action string, params domain.Document, opts *domain.CallOptions) *Context {
	return newRootContext(b, action, params, opts)
}

// Call invokes an action as the root of a new request.
func (b *Broker) Call(action string, params domain.Document, opts *domain.CallOptions) *Future {
	return b.invoke(b.NewContext(action, params, opts))
}

// CallStream invokes an action with stream relayed alongside the request.
func (b *Broker) CallStream(action string, params domain.Document, stream *PacketStream, opts *domain.CallOptions) *Future {
	c := b.NewContext(action, params, opts)
	c.stream = stream
	return b.invoke(c)
}

func (b *Broker) NodeConnected(nodeID string, info domain.Document, reconnected bool) {
	b.logger.Debug("node connected", "peer_id", nodeID, "reconnected", reconnected)
}

func (b *Broker) NodeUpdated(nodeID string, info domain.Document) {}

// NodeDisconnected fails what is still waiting on the node.
func (b *Broker) NodeDisconnected(nodeID string, unexpected bool) {
	rejected := b.pending.RejectNode(nodeID, fmt.Errorf("node %q disconnected: %w", nodeID, domain.ErrConnection))
	streams := b.streams.dropNode(nodeID)
	if b.breakers != nil {
		b.breakers.Remove(nodeID + ":")
	}
	if rejected > 0 || streams > 0 {
		b.logger.Info("released work of disconnected node",
			"peer_id", nodeID,
			"unexpected", unexpected,
			"rejected_requests", rejected,
			"dropped_streams", streams)
	}
}

// Health reports liveness for the metrics server.
func (b *Broker) Health() ports.HealthStatus {
	running := b.IsRunning()
	status := ports.HealthStatus{
		Healthy: running,
		Ready:   running && b.engine.IsRunning(),
		Details: map[string]interface{}{
			"node_id":        b.nodeID,
			"live_nodes":     len(b.engine.LiveNodes()),
			"known_nodes":    len(b.engine.Nodes()),
			"actions":        len(b.registry.Actions()),
			"pending":        b.pending.Len(),
			"executor_tasks": b.executor.Running(),
			"executor_limit": b.executor.Limit(),
		},
	}
	if strategies := b.factory.AlgorithmMetrics(); len(strategies) > 0 {
		status.Details["strategies"] = strategies
	}
	if b.breakers != nil {
		open := 0
		for _, metrics := range b.breakers.AllMetrics() {
			if metrics.State == ports.StateOpen {
				open++
			}
		}
		status.Details["open_circuits"] = open
	}
	if !running {
		status.Error = "broker not running"
	}
	return status
}
