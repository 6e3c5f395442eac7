package ports

import (
	"github.com/eleven-am/mesh/internal/domain"
)

// NodeListener observes membership transitions produced by the gossip
// engine. Callbacks run outside descriptor locks.
type NodeListener interface {
	NodeConnected(nodeID string, info domain.Document, reconnected bool)
	NodeUpdated(nodeID string, info domain.Document)
	NodeDisconnected(nodeID string, unexpected bool)
}
