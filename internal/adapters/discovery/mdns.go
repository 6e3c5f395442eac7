package discovery

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/eleven-am/mesh/internal/adapters/metrics"
	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

const (
	mdnsQueryTimeout = 3 * time.Second
	mdnsMaxBackoff   = time.Minute
	txtNodeID        = "node_id="
	txtNamespace     = "namespace="
)

// Resolver queries the network for mesh nodes.
type Resolver interface {
	Lookup(ctx context.Context, service, domain string, timeout time.Duration) ([]*mdns.ServiceEntry, error)
}

type mdnsResolver struct {
	logger *slog.Logger
}

func (r *mdnsResolver) Lookup(ctx context.Context, service, domain string, timeout time.Duration) ([]*mdns.ServiceEntry, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	var entries []*mdns.ServiceEntry
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entriesCh {
			entries = append(entries, entry)
		}
	}()

	params := mdns.DefaultParams(service)
	params.Domain = strings.TrimSuffix(domain, ".")
	params.Timeout = timeout
	params.Entries = entriesCh
	params.DisableIPv6 = true

	err := mdns.QueryContext(ctx, params)
	close(entriesCh)
	<-done

	if err != nil && !isNetworkUnavailable(err) {
		return nil, err
	}
	return entries, nil
}

func isNetworkUnavailable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "address not available")
}

// MDNSAdapter announces the local node on multicast DNS and browses for
// other nodes of the same namespace.
type MDNSAdapter struct {
	config   domain.MDNSConfig
	interval time.Duration
	resolver Resolver
	logger   *slog.Logger

	mu        sync.RWMutex
	started   bool
	namespace string
	server    *mdns.Server
	self      *ports.ServiceInfo
	peers     map[string]ports.Peer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ ports.DiscoveryPort = (*MDNSAdapter)(nil)

type MDNSOption func(*MDNSAdapter)

// WithResolver replaces the network resolver, mainly for tests.
func WithResolver(resolver Resolver) MDNSOption {
	return func(m *MDNSAdapter) {
		if resolver != nil {
			m.resolver = resolver
		}
	}
}

func NewMDNSAdapter(config *domain.MDNSConfig, interval time.Duration, logger *slog.Logger, opts ...MDNSOption) *MDNSAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = domain.DefaultMDNSConfig()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m := &MDNSAdapter{
		config:   *config,
		interval: interval,
		logger:   logger.With("component", "discovery", "adapter", "mdns"),
		peers:    make(map[string]ports.Peer),
	}
	m.resolver = &mdnsResolver{logger: m.logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MDNSAdapter) Start(ctx context.Context, config ports.DiscoveryConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return domain.NewDiscoveryError("mdns", "start", domain.ErrAlreadyStarted)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.namespace = config.Namespace
	m.started = true

	m.wg.Add(1)
	go m.browseLoop(runCtx)

	metrics.RecordDiscoveryOperation("mdns", "start", "success")
	m.logger.Info("mdns discovery started", "service", m.config.Service, "domain", m.config.Domain)
	return nil
}

func (m *MDNSAdapter) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return domain.NewDiscoveryError("mdns", "stop", domain.ErrNotStarted)
	}
	m.started = false
	m.cancel()
	server := m.server
	m.server = nil
	m.self = nil
	m.peers = make(map[string]ports.Peer)
	m.mu.Unlock()

	m.wg.Wait()
	if server != nil {
		if err := server.Shutdown(); err != nil {
			m.logger.Warn("mdns server shutdown failed", "error", err)
		}
	}
	m.logger.Info("mdns discovery stopped")
	return nil
}

// Advertise (re)registers the local node as an mDNS service instance.
func (m *MDNSAdapter) Advertise(info ports.ServiceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return domain.NewDiscoveryError("mdns", "advertise", domain.ErrNotStarted)
	}

	var ips []net.IP
	if ip := net.ParseIP(info.Address); ip != nil && !ip.IsUnspecified() {
		ips = []net.IP{ip}
	}

	txt := []string{txtNodeID + info.ID, txtNamespace + m.namespace}
	service, err := mdns.NewMDNSService(info.ID, m.config.Service, m.config.Domain, "", info.Port, ips, txt)
	if err != nil {
		metrics.RecordDiscoveryOperation("mdns", "advertise", "error")
		return domain.NewDiscoveryError("mdns", "advertise", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		metrics.RecordDiscoveryOperation("mdns", "advertise", "error")
		return domain.NewDiscoveryError("mdns", "advertise", err)
	}

	if m.server != nil {
		_ = m.server.Shutdown()
	}
	m.server = server
	m.self = &info

	metrics.RecordDiscoveryOperation("mdns", "advertise", "success")
	m.logger.Info("mdns service advertised", "node_id", info.ID, "port", info.Port)
	return nil
}

func (m *MDNSAdapter) Discover() ([]ports.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.started {
		return nil, domain.NewDiscoveryError("mdns", "discover", domain.ErrNotStarted)
	}
	peers := make([]ports.Peer, 0, len(m.peers))
	for _, peer := range m.peers {
		peers = append(peers, peer)
	}
	return peers, nil
}

func (m *MDNSAdapter) browseLoop(ctx context.Context) {
	defer m.wg.Done()

	wait := m.interval
	failures := 0
	for {
		if err := m.browse(ctx); err != nil {
			failures++
			wait = time.Duration(float64(wait) * 1.5)
			if wait > mdnsMaxBackoff {
				wait = mdnsMaxBackoff
			}
			m.logger.Warn("mdns query failed, backing off", "error", err, "backoff", wait, "failures", failures)
		} else {
			if failures > 0 {
				m.logger.Info("mdns discovery recovered", "previous_failures", failures)
			}
			failures = 0
			wait = m.interval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *MDNSAdapter) browse(ctx context.Context) error {
	entries, err := m.resolver.Lookup(ctx, m.config.Service, m.config.Domain, mdnsQueryTimeout)
	if err != nil {
		metrics.RecordDiscoveryOperation("mdns", "discover", "error")
		return err
	}
	metrics.RecordDiscoveryOperation("mdns", "discover", "success")

	m.mu.Lock()
	defer m.mu.Unlock()

	found := make(map[string]ports.Peer, len(entries))
	for _, entry := range entries {
		peer, ok := m.peerFromEntry(entry)
		if !ok {
			continue
		}
		if _, known := m.peers[peer.ID]; !known {
			m.logger.Info("new peer discovered", "peer_id", peer.ID, "address", peer.Address, "port", peer.Port)
		}
		found[peer.ID] = peer
	}
	m.peers = found
	metrics.SetPeersFound("mdns", len(found))
	return nil
}

// peerFromEntry keeps entries of the same namespace that are not this node.
// Called with m.mu held.
func (m *MDNSAdapter) peerFromEntry(entry *mdns.ServiceEntry) (ports.Peer, bool) {
	var nodeID, namespace string
	for _, field := range entry.InfoFields {
		switch {
		case strings.HasPrefix(field, txtNodeID):
			nodeID = strings.TrimPrefix(field, txtNodeID)
		case strings.HasPrefix(field, txtNamespace):
			namespace = strings.TrimPrefix(field, txtNamespace)
		}
	}
	if namespace != m.namespace {
		return ports.Peer{}, false
	}

	var address string
	switch {
	case entry.AddrV4 != nil:
		address = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		address = entry.AddrV6.String()
	default:
		address = strings.TrimSuffix(entry.Host, ".")
	}
	if address == "" || entry.Port <= 0 {
		return ports.Peer{}, false
	}
	if nodeID == "" {
		nodeID = net.JoinHostPort(address, strconv.Itoa(entry.Port))
	}
	if m.self != nil && nodeID == m.self.ID {
		return ports.Peer{}, false
	}

	return ports.Peer{
		ID:      nodeID,
		Address: address,
		Port:    entry.Port,
		Metadata: map[string]string{
			"source": "mdns",
			"host":   entry.Host,
			"name":   entry.Name,
		},
	}, true
}
