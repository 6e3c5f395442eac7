package discovery

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/eleven-am/mesh/internal/adapters/metrics"
	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

const beaconSeparator = "|"

type beaconPeer struct {
	peer     ports.Peer
	lastSeen time.Time
}

// UDPAdapter broadcasts "namespace|nodeID|port" beacons to the configured
// targets and collects the beacons of other nodes. Packets travel over a
// memberlist NetTransport bound to the beacon port.
type UDPAdapter struct {
	config domain.UDPConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	started   bool
	namespace string
	transport *memberlist.NetTransport
	self      *ports.ServiceInfo
	peers     map[string]*beaconPeer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ ports.DiscoveryPort = (*UDPAdapter)(nil)

func NewUDPAdapter(config *domain.UDPConfig, logger *slog.Logger) *UDPAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = domain.DefaultUDPConfig()
	}
	cfg := *config
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	if cfg.BroadcastRate <= 0 {
		cfg.BroadcastRate = domain.DefaultUDPConfig().BroadcastRate
	}
	return &UDPAdapter{
		config: cfg,
		logger: logger.With("component", "discovery", "adapter", "udp"),
		now:    time.Now,
		peers:  make(map[string]*beaconPeer),
	}
}

func (u *UDPAdapter) Start(ctx context.Context, config ports.DiscoveryConfig) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.started {
		return domain.NewDiscoveryError("udp", "start", domain.ErrAlreadyStarted)
	}

	transport, err := memberlist.NewNetTransport(&memberlist.NetTransportConfig{
		BindAddrs: []string{u.config.BindAddr},
		BindPort:  u.config.Port,
		Logger:    slog.NewLogLogger(u.logger.Handler(), slog.LevelDebug),
	})
	if err != nil {
		metrics.RecordDiscoveryOperation("udp", "start", "error")
		return domain.NewDiscoveryError("udp", "bind", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	u.transport = transport
	u.namespace = config.Namespace
	u.cancel = cancel
	u.started = true

	u.wg.Add(2)
	go u.receiveLoop(runCtx, transport)
	go u.beaconLoop(runCtx)

	metrics.RecordDiscoveryOperation("udp", "start", "success")
	u.logger.Info("udp discovery started",
		"bind_addr", u.config.BindAddr,
		"port", transport.GetAutoBindPort(),
		"targets", u.config.Targets)
	return nil
}

func (u *UDPAdapter) Stop() error {
	u.mu.Lock()
	if !u.started {
		u.mu.Unlock()
		return domain.NewDiscoveryError("udp", "stop", domain.ErrNotStarted)
	}
	u.started = false
	u.cancel()
	transport := u.transport
	u.transport = nil
	u.self = nil
	u.peers = make(map[string]*beaconPeer)
	u.mu.Unlock()

	err := transport.Shutdown()
	u.wg.Wait()
	if err != nil {
		return domain.NewDiscoveryError("udp", "stop", err)
	}
	u.logger.Info("udp discovery stopped")
	return nil
}

// BoundPort is the port beacons are received on. Useful when configured
// with port 0.
func (u *UDPAdapter) BoundPort() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.transport == nil {
		return 0
	}
	return u.transport.GetAutoBindPort()
}

// SetTargets replaces the addresses beacons are sent to.
func (u *UDPAdapter) SetTargets(targets []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.config.Targets = append([]string(nil), targets...)
}

// Advertise sets the identity carried by beacons and sends one right away.
func (u *UDPAdapter) Advertise(info ports.ServiceInfo) error {
	u.mu.Lock()
	if !u.started {
		u.mu.Unlock()
		return domain.NewDiscoveryError("udp", "advertise", domain.ErrNotStarted)
	}
	u.self = &info
	u.mu.Unlock()

	u.sendBeacon()
	metrics.RecordDiscoveryOperation("udp", "advertise", "success")
	return nil
}

// Discover returns nodes whose beacon arrived within three broadcast
// periods.
func (u *UDPAdapter) Discover() ([]ports.Peer, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if !u.started {
		return nil, domain.NewDiscoveryError("udp", "discover", domain.ErrNotStarted)
	}

	cutoff := u.now().Add(-3 * u.config.BroadcastRate)
	peers := make([]ports.Peer, 0, len(u.peers))
	for _, seen := range u.peers {
		if seen.lastSeen.Before(cutoff) {
			continue
		}
		peers = append(peers, seen.peer)
	}
	metrics.SetPeersFound("udp", len(peers))
	return peers, nil
}

func (u *UDPAdapter) beaconLoop(ctx context.Context) {
	defer u.wg.Done()

	ticker := time.NewTicker(u.config.BroadcastRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.sendBeacon()
		}
	}
}

func (u *UDPAdapter) sendBeacon() {
	u.mu.RLock()
	transport := u.transport
	self := u.self
	namespace := u.namespace
	targets := u.config.Targets
	u.mu.RUnlock()

	if transport == nil || self == nil {
		return
	}

	beacon := []byte(EncodeBeacon(namespace, self.ID, self.Port))
	for _, target := range targets {
		if _, err := transport.WriteTo(beacon, target); err != nil {
			u.logger.Debug("failed to send beacon", "target", target, "error", err)
		}
	}
}

func (u *UDPAdapter) receiveLoop(ctx context.Context, transport *memberlist.NetTransport) {
	defer u.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-transport.PacketCh():
			if !ok {
				return
			}
			u.handleBeacon(packet)
		}
	}
}

func (u *UDPAdapter) handleBeacon(packet *memberlist.Packet) {
	namespace, nodeID, port, err := DecodeBeacon(string(packet.Buf))
	if err != nil {
		u.logger.Debug("dropped malformed beacon", "from", packet.From, "error", err)
		return
	}

	host, _, err := net.SplitHostPort(packet.From.String())
	if err != nil {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if namespace != u.namespace || (u.self != nil && nodeID == u.self.ID) {
		return
	}

	seen, known := u.peers[nodeID]
	if !known || seen.peer.Address != host || seen.peer.Port != port {
		u.logger.Info("new peer discovered", "peer_id", nodeID, "address", host, "port", port)
	}
	u.peers[nodeID] = &beaconPeer{
		peer: ports.Peer{
			ID:       nodeID,
			Address:  host,
			Port:     port,
			Metadata: map[string]string{"source": "udp"},
		},
		lastSeen: u.now(),
	}
}

func EncodeBeacon(namespace, nodeID string, port int) string {
	return namespace + beaconSeparator + nodeID + beaconSeparator + strconv.Itoa(port)
}

func DecodeBeacon(beacon string) (namespace, nodeID string, port int, err error) {
	parts := strings.Split(beacon, beaconSeparator)
	if len(parts) != 3 {
		return "", "", 0, domain.NewValidationError("beacon", beacon, "expected namespace|nodeID|port")
	}
	if parts[1] == "" {
		return "", "", 0, domain.NewValidationError("beacon.node_id", beacon, "must not be empty")
	}
	port, err = strconv.Atoi(parts[2])
	if err != nil || port < 1 || port > 65535 {
		return "", "", 0, domain.NewValidationError("beacon.port", parts[2], "must be between 1 and 65535")
	}
	return parts[0], parts[1], port, nil
}
