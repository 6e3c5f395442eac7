package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	NodeID    string       `json:"node_id" yaml:"node_id"`
	Namespace string       `json:"namespace" yaml:"namespace"`
	Host      string       `json:"host" yaml:"host"`
	Port      int          `json:"port" yaml:"port"`
	DataDir   string       `json:"data_dir" yaml:"data_dir"`
	Logger    *slog.Logger `json:"-" yaml:"-"`

	// PreferHostname selects the advertised hostname over the first IP when
	// peers resolve a node's address from its info document.
	PreferHostname bool `json:"prefer_hostname" yaml:"prefer_hostname"`

	Gossip         GossipConfig         `json:"gossip" yaml:"gossip"`
	Registry       RegistryConfig       `json:"registry" yaml:"registry"`
	Pending        PendingConfig        `json:"pending" yaml:"pending"`
	Transport      TransportConfig      `json:"transport" yaml:"transport"`
	Discovery      []DiscoveryConfig    `json:"discovery" yaml:"discovery"`
	Storage        StorageConfig        `json:"storage" yaml:"storage"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Executor       ExecutorConfig       `json:"executor" yaml:"executor"`
	Metrics        MetricsConfig        `json:"metrics" yaml:"metrics"`
}

type GossipConfig struct {
	Interval          time.Duration `json:"interval" yaml:"interval"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	FailureTimeout    time.Duration `json:"failure_timeout" yaml:"failure_timeout"`
	OfflineTimeout    time.Duration `json:"offline_timeout" yaml:"offline_timeout"`
	// DiscoverRate limits DISCOVER packets sent to a single node per second.
	DiscoverRate  float64 `json:"discover_rate" yaml:"discover_rate"`
	DiscoverBurst int     `json:"discover_burst" yaml:"discover_burst"`
}

type StrategyType string

const (
	StrategyRoundRobin StrategyType = "round_robin"
	StrategyRandom     StrategyType = "random"
	StrategyNanoRandom StrategyType = "nano_random"
	StrategySecure     StrategyType = "secure_random"
	StrategyCPUUsage   StrategyType = "cpu_usage"
	StrategyLatency    StrategyType = "latency"
	StrategyShard      StrategyType = "shard"
)

type RegistryConfig struct {
	PreferLocal bool           `json:"prefer_local" yaml:"prefer_local"`
	Strategy    StrategyType   `json:"strategy" yaml:"strategy"`
	Options     StrategyConfig `json:"strategy_options" yaml:"strategy_options"`
	// Strategies overrides the strategy per action name.
	Strategies map[string]StrategyType `json:"strategies,omitempty" yaml:"strategies,omitempty"`
}

type StrategyConfig struct {
	SampleCount  int     `json:"sample_count" yaml:"sample_count"`
	LowCPU       int     `json:"low_cpu" yaml:"low_cpu"`
	LowLatency   float64 `json:"low_latency_ms" yaml:"low_latency_ms"`
	LatencyAlpha float64 `json:"latency_alpha" yaml:"latency_alpha"`
	ShardKey     string  `json:"shard_key" yaml:"shard_key"`
	VirtualNodes int     `json:"virtual_nodes" yaml:"virtual_nodes"`
}

type PendingConfig struct {
	SweepInterval  time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
}

type TransportType string

const (
	TransportMemory TransportType = "memory"
	TransportGRPC   TransportType = "grpc"
)

type TransportConfig struct {
	Type              TransportType `json:"type" yaml:"type"`
	MaxMessageSizeMB  int           `json:"max_message_size_mb" yaml:"max_message_size_mb"`
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	SendTimeout       time.Duration `json:"send_timeout" yaml:"send_timeout"`
}

type DiscoveryType string

const (
	DiscoveryStatic DiscoveryType = "static"
	DiscoveryMDNS   DiscoveryType = "mdns"
	DiscoveryUDP    DiscoveryType = "udp"
)

type DiscoveryConfig struct {
	Type     DiscoveryType `json:"type" yaml:"type"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Static   []StaticPeer  `json:"static,omitempty" yaml:"static,omitempty"`
	MDNS     *MDNSConfig   `json:"mdns,omitempty" yaml:"mdns,omitempty"`
	UDP      *UDPConfig    `json:"udp,omitempty" yaml:"udp,omitempty"`
}

type StaticPeer struct {
	ID      string `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port" yaml:"port"`
}

type MDNSConfig struct {
	Service string `json:"service" yaml:"service"`
	Domain  string `json:"domain" yaml:"domain"`
}

type UDPConfig struct {
	BindAddr      string        `json:"bind_addr" yaml:"bind_addr"`
	Port          int           `json:"port" yaml:"port"`
	Targets       []string      `json:"targets" yaml:"targets"`
	BroadcastRate time.Duration `json:"broadcast_rate" yaml:"broadcast_rate"`
}

type StorageConfig struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	InMemory bool `json:"in_memory" yaml:"in_memory"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout"`
	HalfOpenRequests int           `json:"half_open_requests" yaml:"half_open_requests"`
}

type ExecutorConfig struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}
