package registry

import (
	"github.com/eleven-am/mesh/internal/domain"
)

// RemoteEndpoint is an action hosted by another node. It carries no handler;
// the invoker turns a call into a REQ packet addressed to NodeID.
type RemoteEndpoint struct {
	nodeID string
	name   string
	config domain.Document
}

func NewRemoteEndpoint(nodeID, name string, config domain.Document) *RemoteEndpoint {
	return &RemoteEndpoint{nodeID: nodeID, name: name, config: config}
}

func (e *RemoteEndpoint) NodeID() string          { return e.nodeID }
func (e *RemoteEndpoint) Name() string            { return e.name }
func (e *RemoteEndpoint) Config() domain.Document { return e.config }
func (e *RemoteEndpoint) IsLocal() bool           { return false }

// RemoteListenerEndpoint is an event subscription hosted by another node.
type RemoteListenerEndpoint struct {
	nodeID    string
	service   string
	group     string
	subscribe string
	config    domain.Document
}

func NewRemoteListenerEndpoint(nodeID, service, group, subscribe string, config domain.Document) *RemoteListenerEndpoint {
	if group == "" {
		group = service
	}
	return &RemoteListenerEndpoint{
		nodeID:    nodeID,
		service:   service,
		group:     group,
		subscribe: subscribe,
		config:    config,
	}
}

func (e *RemoteListenerEndpoint) NodeID() string          { return e.nodeID }
func (e *RemoteListenerEndpoint) Name() string            { return e.subscribe }
func (e *RemoteListenerEndpoint) Config() domain.Document { return e.config }
func (e *RemoteListenerEndpoint) IsLocal() bool           { return false }
func (e *RemoteListenerEndpoint) Service() string         { return e.service }
func (e *RemoteListenerEndpoint) Group() string           { return e.group }
