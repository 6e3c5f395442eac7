package load_balancer

import (
	"log/slog"
	"time"

	"github.com/eleven-am/mesh/internal/ports"
)

// LatencyStrategy samples a few random endpoints and returns the one with
// the lowest observed average latency. Local endpoints have no network hop
// and are treated as the fastest.
type LatencyStrategy struct {
	tracker     *latencyTracker
	sampleCount int
	lowLatency  float64
	logger      *slog.Logger
}

func NewLatencyStrategy(sampleCount int, lowLatencyMs, alpha float64, logger *slog.Logger) *LatencyStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	if sampleCount < 1 {
		sampleCount = 3
	}
	return &LatencyStrategy{
		tracker:     newLatencyTracker(alpha),
		sampleCount: sampleCount,
		lowLatency:  lowLatencyMs,
		logger:      logger,
	}
}

func (s *LatencyStrategy) ObserveLatency(nodeID string, latency time.Duration) {
	s.tracker.observe(nodeID, latency)
}

func (s *LatencyStrategy) Forget(nodeID string) {
	s.tracker.forget(nodeID)
}

func (s *LatencyStrategy) Select(call ports.CallContext, endpoints []ports.Endpoint) ports.Endpoint {
	count := len(endpoints)
	if count == 0 {
		return nil
	}
	if count == 1 {
		return endpoints[0]
	}

	samples := s.sampleCount
	if samples > count {
		samples = count
	}

	var best ports.Endpoint
	bestLatency := 0.0
	for _, index := range sampleIndexes(count, samples) {
		candidate := endpoints[index]
		if candidate.IsLocal() {
			return candidate
		}
		latency, known := s.tracker.get(candidate.NodeID())
		if !known {
			continue
		}
		if latency <= s.lowLatency {
			return candidate
		}
		if best == nil || latency < bestLatency {
			best = candidate
			bestLatency = latency
		}
	}

	if best == nil {
		return endpoints[randomIndex(count)]
	}

	s.logger.Debug("latency selection",
		"selected_node", best.NodeID(),
		"latency_ms", bestLatency,
		"samples", samples)

	return best
}
