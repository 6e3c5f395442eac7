package load_balancer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// Factory builds one strategy instance per action or event name. Instances
// are kept so latency observations and node removals reach every strategy
// that tracks per-node state.
type Factory struct {
	config domain.RegistryConfig
	load   ports.LoadProvider
	logger *slog.Logger

	mu      sync.RWMutex
	created map[string]ports.Strategy
}

func NewFactory(config domain.RegistryConfig, load ports.LoadProvider, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		config:  config,
		load:    load,
		logger:  logger.With("component", "load_balancer"),
		created: make(map[string]ports.Strategy),
	}
}

func (f *Factory) Create(name string) ports.Strategy {
	f.mu.RLock()
	existing, ok := f.created[name]
	f.mu.RUnlock()
	if ok {
		return existing
	}

	strategyType := f.config.Strategy
	if override, found := f.config.Strategies[name]; found {
		strategyType = override
	}
	strategy := f.build(strategyType)

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.created[name]; ok {
		return existing
	}
	f.created[name] = strategy

	f.logger.Debug("created selection strategy", "name", name, "strategy", strategyType)
	return strategy
}

func (f *Factory) build(strategyType domain.StrategyType) ports.Strategy {
	options := f.config.Options
	switch strategyType {
	case domain.StrategyRoundRobin, "":
		return NewRoundRobinStrategy(f.logger)
	case domain.StrategyRandom:
		return NewXorShiftRandomStrategy()
	case domain.StrategyNanoRandom:
		return NewNanoSecRandomStrategy()
	case domain.StrategySecure:
		return NewSecureRandomStrategy()
	case domain.StrategyCPUUsage:
		return NewCPUUsageStrategy(f.load, options.SampleCount, options.LowCPU, f.logger)
	case domain.StrategyLatency:
		return NewLatencyStrategy(options.SampleCount, options.LowLatency, options.LatencyAlpha, f.logger)
	case domain.StrategyShard:
		return NewShardStrategy(options.ShardKey, options.VirtualNodes, f.logger)
	default:
		f.logger.Warn("unknown selection strategy, using round robin", "strategy", strategyType)
		return NewRoundRobinStrategy(f.logger)
	}
}

// ObserveLatency forwards a measured round trip to every latency-aware
// strategy.
func (f *Factory) ObserveLatency(nodeID string, latency time.Duration) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, strategy := range f.created {
		if observer, ok := strategy.(ports.LatencyObserver); ok {
			observer.ObserveLatency(nodeID, latency)
		}
	}
}

// ForgetNode drops per-node state once a node leaves the cluster.
func (f *Factory) ForgetNode(nodeID string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, strategy := range f.created {
		if latency, ok := strategy.(*LatencyStrategy); ok {
			latency.Forget(nodeID)
		}
	}
}

func (f *Factory) AlgorithmMetrics() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()

	metrics := make(map[string]interface{}, len(f.created))
	for name, strategy := range f.created {
		if reporter, ok := strategy.(interface {
			AlgorithmMetrics() map[string]interface{}
		}); ok {
			metrics[name] = reporter.AlgorithmMetrics()
		}
	}
	return metrics
}
