package mesh

import (
	"log/slog"

	"github.com/eleven-am/mesh/internal/domain"
)

type Config = domain.Config

type GossipConfig = domain.GossipConfig

type RegistryConfig = domain.RegistryConfig

type StrategyConfig = domain.StrategyConfig

type PendingConfig = domain.PendingConfig

type TransportConfig = domain.TransportConfig

type DiscoveryConfig = domain.DiscoveryConfig

type StaticPeer = domain.StaticPeer

type StorageConfig = domain.StorageConfig

type CircuitBreakerConfig = domain.CircuitBreakerConfig

type ExecutorConfig = domain.ExecutorConfig

type MetricsConfig = domain.MetricsConfig

type StrategyType = domain.StrategyType

const (
	StrategyRoundRobin StrategyType = domain.StrategyRoundRobin
	StrategyRandom     StrategyType = domain.StrategyRandom
	StrategyNanoRandom StrategyType = domain.StrategyNanoRandom
	StrategySecure     StrategyType = domain.StrategySecure
	StrategyCPUUsage   StrategyType = domain.StrategyCPUUsage
	StrategyLatency    StrategyType = domain.StrategyLatency
	StrategyShard      StrategyType = domain.StrategyShard
)

type TransportType = domain.TransportType

const (
	TransportMemory TransportType = domain.TransportMemory
	TransportGRPC   TransportType = domain.TransportGRPC
)

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// NewConfigFromSimple returns the default config for a node listening on
// host:port. An empty nodeID is generated from the hostname.
func NewConfigFromSimple(nodeID, host string, port int, logger *slog.Logger) *Config {
	return domain.NewConfigFromSimple(nodeID, host, port, logger)
}

// LoadConfig reads a YAML or JSON config file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	return domain.LoadConfig(path)
}

func DefaultNodeID() string {
	return domain.DefaultNodeID()
}
