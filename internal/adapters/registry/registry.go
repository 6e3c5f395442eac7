package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// Keys of one entry in the services list of a node info document.
const (
	serviceName     = "name"
	serviceVersion  = "version"
	serviceSettings = "settings"
	serviceActions  = "actions"
	serviceEvents   = "events"
	listenerGroup   = "group"
)

type actionSet struct {
	all   []ports.Endpoint
	local []ports.Endpoint
}

// snapshot is immutable once published. Readers load it without locking.
type snapshot struct {
	actions   map[string]*actionSet
	listeners []ports.ListenerEndpoint
}

type nodeEndpoints struct {
	actions   []ports.Endpoint
	listeners []ports.ListenerEndpoint
}

// Registry maps action and event names to the endpoints that serve them,
// local and remote. Writers rebuild the snapshot under a mutex; lookups are
// lock free.
type Registry struct {
	config   domain.RegistryConfig
	factory  ports.StrategyFactory
	logger   *slog.Logger
	patterns patternCache

	mu      sync.Mutex
	local   map[string]ports.LocalService
	remote  map[string]nodeEndpoints
	current atomic.Pointer[snapshot]
}

var _ ports.NodeListener = (*Registry)(nil)

func New(config domain.RegistryConfig, factory ports.StrategyFactory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		config:  config,
		factory: factory,
		logger:  logger.With("component", "registry"),
		local:   make(map[string]ports.LocalService),
		remote:  make(map[string]nodeEndpoints),
	}
	r.current.Store(&snapshot{actions: map[string]*actionSet{}})
	return r
}

// AddLocalService registers the actions and listeners of a service hosted
// by this node. Action names must be unique across local services.
func (r *Registry) AddLocalService(service ports.LocalService) error {
	if service.Name == "" {
		return domain.NewValidationError("service.name", service.Name, "must not be empty")
	}
	for _, action := range service.Actions {
		if action == nil || action.Name() == "" {
			return domain.NewValidationError("action.name", service.Name, "must not be empty")
		}
	}
	for _, listener := range service.Listeners {
		if listener == nil || listener.Name() == "" {
			return domain.NewValidationError("listener.name", service.Name, "must not be empty")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.local[service.Name]; exists {
		return fmt.Errorf("service %q: %w", service.Name, domain.ErrDuplicate)
	}
	for _, action := range service.Actions {
		for _, other := range r.local {
			for _, existing := range other.Actions {
				if existing.Name() == action.Name() {
					return fmt.Errorf("action %q already provided by service %q: %w", action.Name(), other.Name, domain.ErrDuplicate)
				}
			}
		}
	}

	r.local[service.Name] = service
	r.rebuild()

	r.logger.Info("registered local service",
		"service", service.Name,
		"version", service.Version,
		"actions", len(service.Actions),
		"listeners", len(service.Listeners))
	return nil
}

func (r *Registry) RemoveLocalService(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.local[name]; !exists {
		return false
	}
	delete(r.local, name)
	r.rebuild()

	r.logger.Info("removed local service", "service", name)
	return true
}

func (r *Registry) NodeConnected(nodeID string, info domain.Document, reconnected bool) {
	endpoints := parseServices(nodeID, info)

	r.mu.Lock()
	r.remote[nodeID] = endpoints
	r.rebuild()
	r.mu.Unlock()

	r.logger.Info("registered remote endpoints",
		"peer_id", nodeID,
		"actions", len(endpoints.actions),
		"listeners", len(endpoints.listeners),
		"reconnected", reconnected)
}

func (r *Registry) NodeUpdated(nodeID string, info domain.Document) {
	endpoints := parseServices(nodeID, info)

	r.mu.Lock()
	r.remote[nodeID] = endpoints
	r.rebuild()
	r.mu.Unlock()

	r.logger.Debug("refreshed remote endpoints",
		"peer_id", nodeID,
		"actions", len(endpoints.actions),
		"listeners", len(endpoints.listeners))
}

func (r *Registry) NodeDisconnected(nodeID string, unexpected bool) {
	r.mu.Lock()
	_, known := r.remote[nodeID]
	delete(r.remote, nodeID)
	if known {
		r.rebuild()
	}
	r.mu.Unlock()

	if forgetter, ok := r.factory.(interface{ ForgetNode(string) }); ok {
		forgetter.ForgetNode(nodeID)
	}
	if known {
		r.logger.Info("removed remote endpoints", "peer_id", nodeID, "unexpected", unexpected)
	}
}

// rebuild publishes a fresh snapshot. Callers hold r.mu.
func (r *Registry) rebuild() {
	next := &snapshot{actions: make(map[string]*actionSet)}

	add := func(endpoint ports.Endpoint) {
		set, ok := next.actions[endpoint.Name()]
		if !ok {
			set = &actionSet{}
			next.actions[endpoint.Name()] = set
		}
		set.all = append(set.all, endpoint)
		if endpoint.IsLocal() {
			set.local = append(set.local, endpoint)
		}
	}

	for _, name := range sortedKeys(r.local) {
		service := r.local[name]
		for _, action := range service.Actions {
			add(action)
		}
		next.listeners = append(next.listeners, service.Listeners...)
	}
	for _, nodeID := range sortedKeys(r.remote) {
		endpoints := r.remote[nodeID]
		for _, action := range endpoints.actions {
			add(action)
		}
		next.listeners = append(next.listeners, endpoints.listeners...)
	}

	r.current.Store(next)
}

// GetEndpoints returns every endpoint of an action, narrowed to local ones
// when PreferLocal is set and at least one exists.
func (r *Registry) GetEndpoints(action string) []ports.Endpoint {
	set, ok := r.current.Load().actions[action]
	if !ok {
		return nil
	}
	if r.config.PreferLocal && len(set.local) > 0 {
		return set.local
	}
	return set.all
}

func (r *Registry) HasAction(action string) bool {
	_, ok := r.current.Load().actions[action]
	return ok
}

// GetEndpoint resolves the endpoint a call goes to. A non-empty nodeID pins
// the call and bypasses the strategy.
func (r *Registry) GetEndpoint(call ports.CallContext, action, nodeID string) (ports.Endpoint, error) {
	if nodeID != "" {
		set, ok := r.current.Load().actions[action]
		if ok {
			for _, endpoint := range set.all {
				if endpoint.NodeID() == nodeID {
					return endpoint, nil
				}
			}
		}
		return nil, domain.NewServiceNotFoundError(action, nodeID)
	}
	return r.Select(call, action, nil)
}

// Select runs the strategy of an action over its endpoints, skipping those
// rejected by exclude.
func (r *Registry) Select(call ports.CallContext, action string, exclude func(ports.Endpoint) bool) (ports.Endpoint, error) {
	endpoints := r.GetEndpoints(action)
	if exclude != nil {
		filtered := make([]ports.Endpoint, 0, len(endpoints))
		for _, endpoint := range endpoints {
			if !exclude(endpoint) {
				filtered = append(filtered, endpoint)
			}
		}
		if len(filtered) == 0 && len(endpoints) > 0 && r.config.PreferLocal {
			// Local endpoints are all excluded; fall back to remote ones.
			if set, ok := r.current.Load().actions[action]; ok {
				for _, endpoint := range set.all {
					if !endpoint.IsLocal() && !exclude(endpoint) {
						filtered = append(filtered, endpoint)
					}
				}
			}
		}
		endpoints = filtered
	}

	if len(endpoints) == 0 {
		return nil, domain.NewServiceNotFoundError(action, "")
	}
	if len(endpoints) == 1 || r.factory == nil {
		return endpoints[0], nil
	}

	selected := r.factory.Create(action).Select(call, endpoints)
	if selected == nil {
		return nil, domain.NewServiceNotFoundError(action, "")
	}
	return selected, nil
}

// ListenerGroups returns the distinct groups with at least one listener
// subscribed to event.
func (r *Registry) ListenerGroups(event string) []string {
	seen := make(map[string]struct{})
	for _, listener := range r.current.Load().listeners {
		if r.patterns.match(listener.Name(), event) {
			seen[listener.Group()] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// ListenersFor returns the listeners subscribed to event, keyed by group.
// An empty groups list selects every group.
func (r *Registry) ListenersFor(event string, groups []string) map[string][]ports.Endpoint {
	var wanted map[string]struct{}
	if len(groups) > 0 {
		wanted = make(map[string]struct{}, len(groups))
		for _, group := range groups {
			wanted[group] = struct{}{}
		}
	}

	out := make(map[string][]ports.Endpoint)
	for _, listener := range r.current.Load().listeners {
		if wanted != nil {
			if _, ok := wanted[listener.Group()]; !ok {
				continue
			}
		}
		if r.patterns.match(listener.Name(), event) {
			out[listener.Group()] = append(out[listener.Group()], listener)
		}
	}
	return out
}

// PreferLocal narrows a candidate list to its local members when the
// registry is configured to and any exist.
func (r *Registry) PreferLocal(endpoints []ports.Endpoint) []ports.Endpoint {
	if !r.config.PreferLocal {
		return endpoints
	}
	var local []ports.Endpoint
	for _, endpoint := range endpoints {
		if endpoint.IsLocal() {
			local = append(local, endpoint)
		}
	}
	if len(local) == 0 {
		return endpoints
	}
	return local
}

// Strategy returns the selection strategy used for name.
func (r *Registry) Strategy(name string) ports.Strategy {
	if r.factory == nil {
		return nil
	}
	return r.factory.Create(name)
}

// LocalInfo renders the local services as the services list published in
// the node info document.
func (r *Registry) LocalInfo() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	services := make([]interface{}, 0, len(r.local))
	for _, name := range sortedKeys(r.local) {
		service := r.local[name]

		actions := domain.Document{}
		for _, action := range service.Actions {
			actions[action.Name()] = configOf(action)
		}

		events := domain.Document{}
		for _, listener := range service.Listeners {
			config := configOf(listener)
			config[listenerGroup] = listener.Group()
			events[listener.Name()] = config
		}

		entry := domain.Document{
			serviceName:    service.Name,
			serviceActions: actions,
			serviceEvents:  events,
		}
		if service.Version != "" {
			entry[serviceVersion] = service.Version
		}
		if len(service.Settings) > 0 {
			entry[serviceSettings] = domain.Document(service.Settings).Clone()
		}
		services = append(services, entry)
	}
	return services
}

// Actions lists every action name currently routable.
func (r *Registry) Actions() []string {
	return sortedKeys(r.current.Load().actions)
}

func configOf(endpoint ports.Endpoint) domain.Document {
	config := endpoint.Config().Clone()
	if config == nil {
		config = domain.Document{}
	}
	config[serviceName] = endpoint.Name()
	return config
}

func parseServices(nodeID string, info domain.Document) nodeEndpoints {
	var out nodeEndpoints

	raw, ok := info.Get(domain.InfoServices)
	if !ok {
		return out
	}

	var entries []domain.Document
	switch list := raw.(type) {
	case []interface{}:
		for _, item := range list {
			if doc := domain.AsDocument(item); doc != nil {
				entries = append(entries, doc)
			}
		}
	case []domain.Document:
		entries = list
	}

	for _, service := range entries {
		name, _ := service[serviceName].(string)

		actions := domain.AsDocument(service[serviceActions])
		for _, actionName := range sortedKeys(actions) {
			out.actions = append(out.actions, NewRemoteEndpoint(nodeID, actionName, domain.AsDocument(actions[actionName])))
		}

		events := domain.AsDocument(service[serviceEvents])
		for _, pattern := range sortedKeys(events) {
			config := domain.AsDocument(events[pattern])
			group, _ := config[listenerGroup].(string)
			out.listeners = append(out.listeners, NewRemoteListenerEndpoint(nodeID, name, group, pattern, config))
		}
	}
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
