package ports

// ListenerEndpoint is an event listener on some node. Name returns the
// subscription pattern, which may contain `*` and `**` wildcards.
type ListenerEndpoint interface {
	Endpoint
	Service() string
	Group() string
}

// LocalService is a service hosted by this node, reduced to the endpoints
// the registry routes to.
type LocalService struct {
	Name      string
	Version   string
	Settings  map[string]interface{}
	Actions   []Endpoint
	Listeners []ListenerEndpoint
}
