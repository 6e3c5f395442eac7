package gossip

import (
	"sort"
	"sync"

	"github.com/eleven-am/mesh/internal/domain"
)

// nodeTable indexes remote descriptors by node id. The table lock only
// guards membership of the map; each descriptor carries its own lock.
type nodeTable struct {
	mu    sync.RWMutex
	nodes map[string]*domain.NodeDescriptor
}

func newNodeTable() *nodeTable {
	return &nodeTable{
		nodes: make(map[string]*domain.NodeDescriptor),
	}
}

func (t *nodeTable) get(nodeID string) *domain.NodeDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[nodeID]
}

// putIfAbsent stores node unless the id is already known, and returns the
// descriptor that ended up in the table.
func (t *nodeTable) putIfAbsent(node *domain.NodeDescriptor) (*domain.NodeDescriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.nodes[node.NodeID()]; ok {
		return existing, false
	}
	t.nodes[node.NodeID()] = node
	return node, true
}

func (t *nodeTable) remove(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[nodeID]; !ok {
		return false
	}
	delete(t.nodes, nodeID)
	return true
}

func (t *nodeTable) all() []*domain.NodeDescriptor {
	t.mu.RLock()
	out := make([]*domain.NodeDescriptor, 0, len(t.nodes))
	for _, node := range t.nodes {
		out = append(out, node)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].NodeID() < out[j].NodeID()
	})
	return out
}

func (t *nodeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// partition splits remote nodes into gossip targets: live nodes, and
// offline ones worth probing (hidden nodes included, they were registered
// with an address but never confirmed).
func (t *nodeTable) partition() (live, offline []string) {
	for _, node := range t.all() {
		if node.IsOnline() {
			live = append(live, node.NodeID())
		} else {
			offline = append(offline, node.NodeID())
		}
	}
	return live, offline
}
