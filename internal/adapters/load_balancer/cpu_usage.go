package load_balancer

import (
	"log/slog"

	"github.com/eleven-am/mesh/internal/ports"
)

// CPUUsageStrategy samples a few random endpoints and returns the one whose
// node reported the lowest CPU usage through gossip. A sample at or below
// lowCPU wins immediately.
type CPUUsageStrategy struct {
	load        ports.LoadProvider
	sampleCount int
	lowCPU      int
	logger      *slog.Logger
}

func NewCPUUsageStrategy(load ports.LoadProvider, sampleCount, lowCPU int, logger *slog.Logger) *CPUUsageStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	if sampleCount < 1 {
		sampleCount = 3
	}
	return &CPUUsageStrategy{
		load:        load,
		sampleCount: sampleCount,
		lowCPU:      lowCPU,
		logger:      logger,
	}
}

func (s *CPUUsageStrategy) Select(call ports.CallContext, endpoints []ports.Endpoint) ports.Endpoint {
	count := len(endpoints)
	if count == 0 {
		return nil
	}
	if count == 1 || s.load == nil {
		return endpoints[randomIndex(count)]
	}

	samples := s.sampleCount
	if samples > count {
		samples = count
	}

	var best ports.Endpoint
	bestCPU := 101
	for _, index := range sampleIndexes(count, samples) {
		candidate := endpoints[index]
		cpu, known := s.load.CPU(candidate.NodeID())
		if !known {
			continue
		}
		if cpu <= s.lowCPU {
			return candidate
		}
		if cpu < bestCPU {
			best = candidate
			bestCPU = cpu
		}
	}

	if best == nil {
		return endpoints[randomIndex(count)]
	}

	s.logger.Debug("cpu usage selection",
		"selected_node", best.NodeID(),
		"cpu", bestCPU,
		"samples", samples)

	return best
}

// sampleIndexes returns n distinct indexes below count, starting at a random
// offset.
func sampleIndexes(count, n int) []int {
	if n >= count {
		indexes := make([]int, count)
		for i := range indexes {
			indexes[i] = i
		}
		return indexes
	}
	offset := randomIndex(count)
	indexes := make([]int, n)
	for i := range indexes {
		indexes[i] = (offset + i) % count
	}
	return indexes
}
