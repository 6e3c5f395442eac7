package domain

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

func DefaultConfig() *Config {
	return &Config{
		Namespace:      "",
		Host:           "127.0.0.1",
		Port:           7400,
		PreferHostname: true,
		Gossip:         DefaultGossipConfig(),
		Registry:       DefaultRegistryConfig(),
		Pending:        DefaultPendingConfig(),
		Transport:      DefaultTransportConfig(),
		Discovery:      []DiscoveryConfig{},
		Storage:        DefaultStorageConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Executor:       DefaultExecutorConfig(),
		Metrics:        DefaultMetricsConfig(),
	}
}

func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		Interval:          time.Second,
		HeartbeatInterval: 5 * time.Second,
		FailureTimeout:    30 * time.Second,
		OfflineTimeout:    180 * time.Second,
		DiscoverRate:      1,
		DiscoverBurst:     2,
	}
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		PreferLocal: true,
		Strategy:    StrategyRoundRobin,
		Options:     DefaultStrategyConfig(),
		Strategies:  make(map[string]StrategyType),
	}
}

func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		SampleCount:  3,
		LowCPU:       10,
		LowLatency:   10,
		LatencyAlpha: 0.3,
		VirtualNodes: 64,
	}
}

func DefaultPendingConfig() PendingConfig {
	return PendingConfig{
		SweepInterval:  time.Second,
		DefaultTimeout: 0,
	}
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Type:              TransportGRPC,
		MaxMessageSizeMB:  10,
		ConnectionTimeout: 5 * time.Second,
		SendTimeout:       5 * time.Second,
	}
}

func DefaultMDNSConfig() *MDNSConfig {
	return &MDNSConfig{
		Service: "_mesh._tcp",
		Domain:  "local.",
	}
}

func DefaultUDPConfig() *UDPConfig {
	return &UDPConfig{
		BindAddr:      "0.0.0.0",
		Port:          4445,
		Targets:       []string{"255.255.255.255:4445"},
		BroadcastRate: 5 * time.Second,
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Enabled:  false,
		InMemory: false,
	}
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
		HalfOpenRequests: 1,
	}
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrent: 64,
	}
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: false,
		Addr:    ":9464",
	}
}

// DefaultNodeID mirrors the "<hostname>-<random>" form so two processes on
// one host never collide.
func DefaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s", strings.ToLower(host), uuid.New().String()[:8])
}

func NewConfigFromSimple(nodeID, host string, port int, logger *slog.Logger) *Config {
	config := DefaultConfig()
	config.NodeID = nodeID
	config.Host = host
	config.Port = port
	config.Logger = logger

	if config.NodeID == "" {
		config.NodeID = DefaultNodeID()
	}
	if logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return config
}

func (c *Config) WithStaticPeers(peers ...StaticPeer) *Config {
	c.Discovery = append(c.Discovery, DiscoveryConfig{
		Type:   DiscoveryStatic,
		Static: peers,
	})
	return c
}

func (c *Config) WithMDNS(service, domain string) *Config {
	mdnsConfig := DefaultMDNSConfig()
	if service != "" {
		mdnsConfig.Service = service
	}
	if domain != "" {
		mdnsConfig.Domain = domain
	}
	c.Discovery = append(c.Discovery, DiscoveryConfig{
		Type: DiscoveryMDNS,
		MDNS: mdnsConfig,
	})
	return c
}

func (c *Config) WithUDP(port int, targets ...string) *Config {
	udpConfig := DefaultUDPConfig()
	if port > 0 {
		udpConfig.Port = port
	}
	if len(targets) > 0 {
		udpConfig.Targets = targets
	}
	c.Discovery = append(c.Discovery, DiscoveryConfig{
		Type: DiscoveryUDP,
		UDP:  udpConfig,
	})
	return c
}

func (c *Config) WithStorage(dataDir string) *Config {
	c.DataDir = dataDir
	c.Storage.Enabled = true
	return c
}

func (c *Config) Validate() error {
	if c.NodeID == "" {
		return NewConfigError("node_id", ErrInvalidInput)
	}
	if c.Host == "" {
		return NewConfigError("host", ErrInvalidInput)
	}
	if c.Port < 1 || c.Port > 65535 {
		return NewConfigError("port", ErrInvalidInput)
	}
	if c.Logger == nil {
		return NewConfigError("logger", ErrInvalidInput)
	}
	if c.Gossip.Interval <= 0 {
		return NewConfigError("gossip.interval", ErrInvalidInput)
	}
	if c.Gossip.OfflineTimeout > 0 && c.Gossip.OfflineTimeout < c.Gossip.FailureTimeout {
		return NewConfigError("gossip.offline_timeout", fmt.Errorf("must not be shorter than failure_timeout (%s)", c.Gossip.FailureTimeout))
	}
	if c.Pending.SweepInterval <= 0 {
		return NewConfigError("pending.sweep_interval", ErrInvalidInput)
	}
	if c.Executor.MaxConcurrent <= 0 {
		return NewConfigError("executor.max_concurrent", ErrInvalidInput)
	}
	if c.Storage.Enabled && !c.Storage.InMemory && c.DataDir == "" {
		return NewConfigError("data_dir", ErrInvalidInput)
	}

	switch c.Transport.Type {
	case TransportMemory, TransportGRPC:
	default:
		return NewConfigError("transport.type", ErrInvalidInput)
	}

	for _, discovery := range c.Discovery {
		if err := validateDiscoveryConfig(&discovery); err != nil {
			return NewConfigError("discovery", err)
		}
	}

	return nil
}

func validateDiscoveryConfig(config *DiscoveryConfig) error {
	switch config.Type {
	case DiscoveryMDNS:
		if config.MDNS == nil {
			return NewConfigError("mdns", ErrInvalidInput)
		}
		if config.MDNS.Service == "" {
			return NewConfigError("mdns.service", ErrInvalidInput)
		}
	case DiscoveryUDP:
		if config.UDP == nil {
			return NewConfigError("udp", ErrInvalidInput)
		}
		if config.UDP.Port <= 0 {
			return NewConfigError("udp.port", ErrInvalidInput)
		}
	case DiscoveryStatic:
		for _, peer := range config.Static {
			if peer.Address == "" {
				return NewConfigError("static.address", ErrInvalidInput)
			}
			if peer.Port <= 0 {
				return NewConfigError("static.port", ErrInvalidInput)
			}
		}
	default:
		return NewConfigError("discovery.type", ErrInvalidInput)
	}
	return nil
}
