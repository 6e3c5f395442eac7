package gossip

import (
	"context"
	"log/slog"
	mrand "math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/eleven-am/mesh/internal/adapters/metrics"
	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

const disconnectTimeout = time.Second

// Engine keeps the local view of cluster membership eventually consistent
// with every other node through periodic push/pull gossip rounds.
type Engine struct {
	config         domain.GossipConfig
	nodeID         string
	preferHostname bool
	local          *domain.NodeDescriptor
	nodes          *nodeTable
	transport      ports.TransportPort
	storage        ports.StoragePort
	limiter        ports.RateLimiter
	sampler        CPUSampler
	now            func() time.Time
	logger         *slog.Logger

	listenersMu sync.RWMutex
	listeners   []ports.NodeListener
	// connected holds the ids of nodes that were usable at least once.
	connected sync.Map

	mu      sync.Mutex
	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithStorage(storage ports.StoragePort) Option {
	return func(e *Engine) {
		e.storage = storage
	}
}

// WithDiscoverLimiter throttles DISCOVER packets per target node.
func WithDiscoverLimiter(limiter ports.RateLimiter) Option {
	return func(e *Engine) {
		e.limiter = limiter
	}
}

func WithCPUSampler(sampler CPUSampler) Option {
	return func(e *Engine) {
		e.sampler = sampler
	}
}

func New(config *domain.Config, transport ports.TransportPort, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if config == nil {
		return nil, domain.NewConfigError("config", domain.ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		config:         config.Gossip,
		nodeID:         config.NodeID,
		preferHostname: config.PreferHostname,
		nodes:          newNodeTable(),
		transport:      transport,
		sampler:        NewHostCPUSampler(),
		now:            time.Now,
		logger:         logger.With("component", "gossip", "node_id", config.NodeID),
	}
	for _, opt := range opts {
		opt(e)
	}

	var ips []string
	if ip := net.ParseIP(config.Host); ip != nil {
		ips = append(ips, ip.String())
	}
	info := domain.NewNodeInfo(config.Host, ips, config.Port, nil)

	local, err := domain.NewLocalNode(config.NodeID, config.Host, config.Port, info, e.nodeOptions()...)
	if err != nil {
		return nil, err
	}
	e.local = local

	return e, nil
}

func (e *Engine) nodeOptions() []domain.NodeOption {
	return []domain.NodeOption{
		domain.WithNodeClock(e.now),
		domain.WithPreferHostname(e.preferHostname),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return domain.ErrAlreadyStarted
	}

	if err := e.restore(); err != nil {
		e.logger.Warn("failed to restore persisted gossip state", "error", err)
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.stopped = false

	e.wg.Add(2)
	go e.loop(e.config.Interval, e.gossipRound)
	go e.loop(e.heartbeatInterval(), e.heartbeat)

	e.logger.Info("gossip engine started",
		"seq", e.local.Seq(),
		"interval", e.config.Interval,
		"known_nodes", e.nodes.len())

	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return domain.ErrNotStarted
	}
	e.running = false
	e.stopped = true
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.broadcastDisconnect()
	e.persistSeq(e.local.Seq())

	e.logger.Info("gossip engine stopped")
	return nil
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) heartbeatInterval() time.Duration {
	if e.config.HeartbeatInterval > 0 {
		return e.config.HeartbeatInterval
	}
	return 5 * e.config.Interval
}

func (e *Engine) loop(interval time.Duration, tick func(ctx context.Context)) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			tick(e.ctx)
		}
	}
}

// runContext returns the engine lifetime context, or a background context
// when the engine is used without Start (tests, one-shot tools).
func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return e.ctx
	}
	return context.Background()
}

func (e *Engine) NodeID() string {
	return e.nodeID
}

// LocalNode returns the descriptor of this process.
func (e *Engine) LocalNode() *domain.NodeDescriptor {
	return e.local
}

// RegisterAsNewNode records a node learned out of band (discovery, inbound
// connection). Unknown nodes start offline and hidden until gossip confirms
// them.
func (e *Engine) RegisterAsNewNode(nodeID, host string, port int) (*domain.NodeDescriptor, error) {
	node, err := domain.NewRemoteNode(nodeID, host, port, e.nodeOptions()...)
	if err != nil {
		return nil, err
	}
	if nodeID == e.nodeID {
		return e.local, nil
	}

	stored, added := e.nodes.putIfAbsent(node)
	if added {
		e.logger.Debug("registered new node", "peer_id", nodeID, "host", host, "port", port)
		e.persistPeer(nodeID, host, port)
	}
	return stored, nil
}

func (e *Engine) lookup(nodeID string) *domain.NodeDescriptor {
	if nodeID == e.nodeID {
		return e.local
	}
	return e.nodes.get(nodeID)
}

// Node returns the snapshot of one node, including the local one.
func (e *Engine) Node(nodeID string) (domain.NodeSnapshot, bool) {
	node := e.lookup(nodeID)
	if node == nil {
		return domain.NodeSnapshot{}, false
	}
	return node.Snapshot(), true
}

// Nodes returns snapshots of every known node, the local one first.
func (e *Engine) Nodes() []domain.NodeSnapshot {
	remotes := e.nodes.all()
	out := make([]domain.NodeSnapshot, 0, len(remotes)+1)
	out = append(out, e.local.Snapshot())
	for _, node := range remotes {
		out = append(out, node.Snapshot())
	}
	return out
}

// LiveNodes returns remote nodes that are online and not hidden.
func (e *Engine) LiveNodes() []domain.NodeSnapshot {
	var out []domain.NodeSnapshot
	for _, node := range e.nodes.all() {
		snap := node.Snapshot()
		if snap.Online() && !snap.Hidden() {
			out = append(out, snap)
		}
	}
	return out
}

// CPU reports the last known load of a node.
func (e *Engine) CPU(nodeID string) (int, bool) {
	node := e.lookup(nodeID)
	if node == nil {
		return 0, false
	}
	snap := node.Snapshot()
	if !snap.Online() || (snap.CPUSeq == 0 && !snap.Local) {
		return 0, false
	}
	return snap.CPU, true
}

func (e *Engine) ResolveAddress(nodeID string) (string, int, bool) {
	node := e.lookup(nodeID)
	if node == nil {
		return "", 0, false
	}
	host, port := node.Address()
	return host, port, host != "" && port > 0
}

func (e *Engine) AddListener(listener ports.NodeListener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, listener)
}

func (e *Engine) snapshotListeners() []ports.NodeListener {
	e.listenersMu.RLock()
	defer e.listenersMu.RUnlock()
	out := make([]ports.NodeListener, len(e.listeners))
	copy(out, e.listeners)
	return out
}

// UpdateLocalInfo replaces top-level keys of the local info document and
// advances the local seq so peers pick up the change.
func (e *Engine) UpdateLocalInfo(overlay domain.Document) int64 {
	info := e.local.Info()
	if info == nil {
		info = domain.Document{}
	}
	for key, value := range overlay {
		info[key] = value
	}
	seq := e.local.UpdateInfo(info)
	e.persistSeq(seq)

	e.logger.Debug("local info updated", "seq", seq)
	return seq
}

func (e *Engine) UpdateLocalCPU(cpu int) error {
	return e.local.RefreshCPU(cpu, e.loadRefresh())
}

// loadRefresh is how often the local load clock advances while the value
// is unchanged. Peers watch that clock in their failure detectors.
func (e *Engine) loadRefresh() time.Duration {
	if e.config.FailureTimeout <= 0 {
		return 0
	}
	return e.config.FailureTimeout / 3
}

// MarkOffline applies a graceful status change, typically a DISCONNECT
// packet from the node itself.
func (e *Engine) MarkOffline(nodeID string) bool {
	return e.markOffline(nodeID, false)
}

func (e *Engine) markOffline(nodeID string, unexpected bool) bool {
	if nodeID == e.nodeID {
		return false
	}
	node := e.nodes.get(nodeID)
	if node == nil {
		return false
	}

	before := node.Snapshot()
	if !node.MarkAsOffline() {
		return false
	}
	e.applyTransition(before, node.Snapshot(), unexpected)
	return true
}

// BuildRequest lists every non-hidden node with its compact state: online
// nodes as [seq, cpuSeq, cpu], offline ones by seq.
func (e *Engine) BuildRequest() *domain.GossipMessage {
	msg := domain.NewGossipMessage(e.nodeID)

	snaps := []domain.NodeSnapshot{e.local.Snapshot()}
	for _, node := range e.nodes.all() {
		snaps = append(snaps, node.Snapshot())
	}

	for _, snap := range snaps {
		switch {
		case snap.Hidden():
		case snap.Online():
			msg.Online[snap.NodeID] = compactEntry(snap)
		default:
			msg.Offline[snap.NodeID] = snap.Seq
		}
	}
	return msg
}

// gossipRound sends the request to one random live peer and, with
// probability offline/(live+1), to one offline peer as a reconnection probe.
func (e *Engine) gossipRound(ctx context.Context) {
	live, offline := e.nodes.partition()
	metrics.SetMembers(len(live), len(offline))

	if len(live) == 0 && len(offline) == 0 {
		return
	}

	request := e.BuildRequest()

	if len(live) > 0 {
		e.sendGossipRequest(ctx, live[mrand.IntN(len(live))], request)
	}

	if len(offline) > 0 {
		probability := float64(len(offline)) / float64(len(live)+1)
		if mrand.Float64() < probability {
			e.sendGossipRequest(ctx, offline[mrand.IntN(len(offline))], request)
		}
	}
}

func (e *Engine) sendGossipRequest(ctx context.Context, nodeID string, request *domain.GossipMessage) {
	packet := e.packet(domain.PacketGossipReq)
	packet.Gossip = request
	e.send(ctx, nodeID, packet)
}

// HandlePacket processes the membership packets: gossip requests and
// responses, DISCOVER, INFO and DISCONNECT.
func (e *Engine) HandlePacket(ctx context.Context, packet *domain.Packet) {
	if packet == nil || packet.Sender == "" || packet.Sender == e.nodeID {
		return
	}
	if e.isStopped() {
		// A stopped node must not refute the offline state it announced.
		return
	}
	if packet.Ver != domain.ProtocolVersion {
		e.dropIncompatible(packet.Sender, packet.Ver)
		return
	}

	metrics.RecordGossipMessage("in", string(packet.Type))
	e.observeSender(packet)

	switch packet.Type {
	case domain.PacketGossipReq:
		response, err := e.ProcessRequest(packet.Gossip)
		if err != nil {
			e.logProcessError(packet, err)
			return
		}
		if response.IsEmpty() {
			return
		}
		reply := e.packet(domain.PacketGossipRsp)
		reply.Gossip = response
		e.send(ctx, packet.Sender, reply)

	case domain.PacketGossipRsp:
		if err := e.ProcessResponse(packet.Gossip); err != nil {
			e.logProcessError(packet, err)
		}

	case domain.PacketDiscover:
		reply := e.packet(domain.PacketInfo)
		reply.Info = e.local.Info()
		e.send(ctx, packet.Sender, reply)

	case domain.PacketInfo:
		if err := e.ProcessInfo(packet.Sender, packet.Info); err != nil {
			e.logger.Warn("rejected node info", "peer_id", packet.Sender, "error", err)
		}

	case domain.PacketDisconnect:
		if e.MarkOffline(packet.Sender) {
			e.logger.Info("node disconnected", "peer_id", packet.Sender)
		}
	}
}

func (e *Engine) logProcessError(packet *domain.Packet, err error) {
	if domain.IsValidationError(err) {
		e.logger.Warn("dropped malformed gossip message", "peer_id", packet.Sender, "type", packet.Type, "error", err)
		return
	}
	e.logger.Warn("dropped gossip message", "peer_id", packet.Sender, "type", packet.Type, "error", err)
}

func (e *Engine) dropIncompatible(sender, version string) {
	metrics.RecordVersionMismatch()
	e.logger.Warn("dropped message with incompatible protocol version",
		"peer_id", sender,
		"version", version,
		"expected_version", domain.ProtocolVersion)
}

// observeSender records direct contact and makes an unknown sender
// reachable for the reply.
func (e *Engine) observeSender(packet *domain.Packet) {
	node := e.nodes.get(packet.Sender)
	if node == nil && packet.Host != "" && packet.Port > 0 {
		registered, err := e.RegisterAsNewNode(packet.Sender, packet.Host, packet.Port)
		if err != nil {
			e.logger.Debug("could not register sender", "peer_id", packet.Sender, "error", err)
			return
		}
		node = registered
	}
	if node != nil {
		node.Touch()
	}
}

func (e *Engine) packet(packetType domain.PacketType) *domain.Packet {
	host, port := e.local.Address()
	return &domain.Packet{
		Type:   packetType,
		Ver:    domain.ProtocolVersion,
		Sender: e.nodeID,
		Host:   host,
		Port:   port,
	}
}

func (e *Engine) send(ctx context.Context, nodeID string, packet *domain.Packet) {
	if e.transport == nil {
		return
	}
	if err := e.transport.Send(ctx, nodeID, packet); err != nil {
		e.logger.Debug("failed to send packet", "peer_id", nodeID, "type", packet.Type, "error", err)
		return
	}
	metrics.RecordGossipMessage("out", string(packet.Type))
}

// requestInfo asks a node for its full info document after a compact entry
// revealed a newer seq.
func (e *Engine) requestInfo(nodeID string) {
	if e.transport == nil {
		return
	}
	if e.limiter != nil && !e.limiter.Allow(nodeID) {
		e.logger.Debug("discover throttled", "peer_id", nodeID)
		return
	}

	ctx := e.runContext()
	go e.send(ctx, nodeID, e.packet(domain.PacketDiscover))
}

func (e *Engine) broadcastDisconnect() {
	live := e.LiveNodes()
	if len(live) == 0 || e.transport == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	for _, snap := range live {
		e.send(ctx, snap.NodeID, e.packet(domain.PacketDisconnect))
	}
}
