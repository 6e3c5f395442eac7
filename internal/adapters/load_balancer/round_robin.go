package load_balancer

import (
	"log/slog"
	"sync/atomic"

	"github.com/eleven-am/mesh/internal/ports"
)

// RoundRobinStrategy walks the endpoint snapshot in order. N consecutive
// selections over N endpoints return each one exactly once.
type RoundRobinStrategy struct {
	counter uint64
	logger  *slog.Logger
}

func NewRoundRobinStrategy(logger *slog.Logger) *RoundRobinStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoundRobinStrategy{
		logger: logger,
	}
}

func (rr *RoundRobinStrategy) Select(call ports.CallContext, endpoints []ports.Endpoint) ports.Endpoint {
	if len(endpoints) == 0 {
		return nil
	}

	index := (atomic.AddUint64(&rr.counter, 1) - 1) % uint64(len(endpoints))
	selected := endpoints[index]

	rr.logger.Debug("round robin selection",
		"selected_node", selected.NodeID(),
		"index", index,
		"total_endpoints", len(endpoints))

	return selected
}

func (rr *RoundRobinStrategy) AlgorithmMetrics() map[string]interface{} {
	return map[string]interface{}{
		"algorithm": "round_robin",
		"counter":   atomic.LoadUint64(&rr.counter),
	}
}
