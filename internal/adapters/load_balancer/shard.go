package load_balancer

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/eleven-am/mesh/internal/ports"
)

const metaKeyPrefix = "#"

// ShardStrategy routes calls carrying the same shard key to the same node
// using a consistent hash ring, so adding or removing a node only moves the
// keys that hashed next to it. Calls without the key fall back to random.
type ShardStrategy struct {
	mu           sync.RWMutex
	shardKey     string
	virtualNodes int
	ring         []hashNode
	signature    string
	logger       *slog.Logger
}

type hashNode struct {
	hash   uint64
	nodeID string
}

func NewShardStrategy(shardKey string, virtualNodes int, logger *slog.Logger) *ShardStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	if virtualNodes < 1 {
		virtualNodes = 64
	}
	return &ShardStrategy{
		shardKey:     shardKey,
		virtualNodes: virtualNodes,
		logger:       logger,
	}
}

func (s *ShardStrategy) Select(call ports.CallContext, endpoints []ports.Endpoint) ports.Endpoint {
	count := len(endpoints)
	if count == 0 {
		return nil
	}

	key, ok := s.keyOf(call)
	if !ok {
		return endpoints[randomIndex(count)]
	}

	byNode := make(map[string]ports.Endpoint, count)
	for _, endpoint := range endpoints {
		byNode[endpoint.NodeID()] = endpoint
	}

	nodeID := s.lookup(key, byNode)
	selected, found := byNode[nodeID]
	if !found {
		return endpoints[randomIndex(count)]
	}

	s.logger.Debug("shard selection",
		"selected_node", nodeID,
		"shard_key", s.shardKey)

	return selected
}

func (s *ShardStrategy) keyOf(call ports.CallContext) (string, bool) {
	if call == nil || s.shardKey == "" {
		return "", false
	}

	var value interface{}
	var found bool
	if strings.HasPrefix(s.shardKey, metaKeyPrefix) {
		value, found = call.Meta().Get(strings.TrimPrefix(s.shardKey, metaKeyPrefix))
	} else {
		value, found = call.Params().Get(s.shardKey)
	}
	if !found || value == nil {
		return "", false
	}
	return fmt.Sprint(value), true
}

func (s *ShardStrategy) lookup(key string, byNode map[string]ports.Endpoint) string {
	nodeIDs := make([]string, 0, len(byNode))
	for nodeID := range byNode {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)
	signature := strings.Join(nodeIDs, ",")

	s.mu.RLock()
	ring := s.ring
	current := s.signature
	s.mu.RUnlock()

	if current != signature {
		ring = s.rebuildRing(nodeIDs)
		s.mu.Lock()
		s.ring = ring
		s.signature = signature
		s.mu.Unlock()
	}

	if len(ring) == 0 {
		return ""
	}

	keyHash := xxhash.Sum64String(key)
	idx := sort.Search(len(ring), func(i int) bool {
		return ring[i].hash >= keyHash
	})
	if idx >= len(ring) {
		idx = 0
	}
	return ring[idx].nodeID
}

func (s *ShardStrategy) rebuildRing(nodeIDs []string) []hashNode {
	ring := make([]hashNode, 0, len(nodeIDs)*s.virtualNodes)
	for _, nodeID := range nodeIDs {
		for i := 0; i < s.virtualNodes; i++ {
			ring = append(ring, hashNode{
				hash:   xxhash.Sum64String(fmt.Sprintf("%s-%d", nodeID, i)),
				nodeID: nodeID,
			})
		}
	}
	sort.Slice(ring, func(i, j int) bool {
		return ring[i].hash < ring[j].hash
	})
	return ring
}

func (s *ShardStrategy) AlgorithmMetrics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"algorithm":     "shard",
		"ring_size":     len(s.ring),
		"virtual_nodes": s.virtualNodes,
	}
}
