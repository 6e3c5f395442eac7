package core

import (
	"strings"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// Handler serves one action call. The returned value is sent back to the
// caller; it must be JSON serialisable when the caller is remote.
type Handler func(ctx *Context) (interface{}, error)

// ListenerHandler receives one event. The payload is ctx.Params().
type ListenerHandler func(ctx *Context) error

type Action struct {
	// Name is relative to the service: "add" in service "math" is served as
	// "math.add".
	Name    string
	Handler Handler
	// Timeout in milliseconds, advertised to callers.
	Timeout int64
	Config  domain.Document
}

type Listener struct {
	// Event is the subscription pattern; `*` matches one segment, `**` any
	// number.
	Event string
	// Group defaults to the service name.
	Group   string
	Handler ListenerHandler
}

// Service is a named set of actions and listeners hosted by the broker.
type Service struct {
	Name      string
	Version   string
	Settings  map[string]interface{}
	Actions   []Action
	Listeners []Listener
}

// FullName is the service name as seen by callers, "v2.math" when the
// service carries version 2.
func (s Service) FullName() string {
	if s.Version == "" {
		return s.Name
	}
	version := s.Version
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return version + "." + s.Name
}

// ActionName is the routable name of one of the service actions.
func (s Service) ActionName(action string) string {
	return s.FullName() + "." + action
}

// LocalActionEndpoint is an action hosted by this node.
type LocalActionEndpoint struct {
	nodeID  string
	name    string
	handler Handler
	config  domain.Document
}

var _ ports.Endpoint = (*LocalActionEndpoint)(nil)

func NewLocalActionEndpoint(nodeID, name string, handler Handler, config domain.Document) *LocalActionEndpoint {
	return &LocalActionEndpoint{nodeID: nodeID, name: name, handler: handler, config: config}
}

func (e *LocalActionEndpoint) NodeID() string          { return e.nodeID }
func (e *LocalActionEndpoint) Name() string            { return e.name }
func (e *LocalActionEndpoint) Config() domain.Document { return e.config }
func (e *LocalActionEndpoint) IsLocal() bool           { return true }

// LocalListenerEndpoint is an event listener hosted by this node.
type LocalListenerEndpoint struct {
	nodeID    string
	service   string
	group     string
	subscribe string
	handler   ListenerHandler
	config    domain.Document
}

var _ ports.ListenerEndpoint = (*LocalListenerEndpoint)(nil)

func NewLocalListenerEndpoint(nodeID, service, group, subscribe string, handler ListenerHandler) *LocalListenerEndpoint {
	return &LocalListenerEndpoint{
		nodeID:    nodeID,
		service:   service,
		group:     group,
		subscribe: subscribe,
		handler:   handler,
		config:    domain.Document{"group": group},
	}
}

func (e *LocalListenerEndpoint) NodeID() string          { return e.nodeID }
func (e *LocalListenerEndpoint) Name() string            { return e.subscribe }
func (e *LocalListenerEndpoint) Config() domain.Document { return e.config }
func (e *LocalListenerEndpoint) IsLocal() bool           { return true }
func (e *LocalListenerEndpoint) Service() string         { return e.service }
func (e *LocalListenerEndpoint) Group() string           { return e.group }

// describe turns a service into the endpoints the registry routes to.
func describe(nodeID string, service Service) (ports.LocalService, error) {
	if service.Name == "" {
		return ports.LocalService{}, domain.NewValidationError("service.name", service.Name, "must not be empty")
	}

	local := ports.LocalService{
		Name:     service.FullName(),
		Version:  service.Version,
		Settings: service.Settings,
	}

	for _, action := range service.Actions {
		if action.Name == "" {
			return ports.LocalService{}, domain.NewValidationError("action.name", service.Name, "must not be empty")
		}
		if action.Handler == nil {
			return ports.LocalService{}, domain.NewValidationError("action.handler", action.Name, "must not be nil")
		}
		config := action.Config.Clone()
		if config == nil {
			config = domain.Document{}
		}
		if action.Timeout > 0 {
			config["timeout"] = action.Timeout
		}
		local.Actions = append(local.Actions,
			NewLocalActionEndpoint(nodeID, service.ActionName(action.Name), action.Handler, config))
	}

	for _, listener := range service.Listeners {
		if listener.Event == "" {
			return ports.LocalService{}, domain.NewValidationError("listener.event", service.Name, "must not be empty")
		}
		if listener.Handler == nil {
			return ports.LocalService{}, domain.NewValidationError("listener.handler", listener.Event, "must not be nil")
		}
		group := listener.Group
		if group == "" {
			group = service.Name
		}
		local.Listeners = append(local.Listeners,
			NewLocalListenerEndpoint(nodeID, service.FullName(), group, listener.Event, listener.Handler))
	}

	return local, nil
}
