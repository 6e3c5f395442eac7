package gossip

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentPacket struct {
	to     string
	packet *domain.Packet
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (t *recordingTransport) Start(context.Context, ports.PacketHandler) error { return nil }
func (t *recordingTransport) Stop() error                                      { return nil }
func (t *recordingTransport) Address() string                                  { return "recording" }

func (t *recordingTransport) Send(_ context.Context, nodeID string, packet *domain.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentPacket{to: nodeID, packet: packet})
	return nil
}

func (t *recordingTransport) packets(packetType domain.PacketType) []sentPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sentPacket
	for _, sent := range t.sent {
		if sent.packet.Type == packetType {
			out = append(out, sent)
		}
	}
	return out
}

type listenerRecorder struct {
	mu     sync.Mutex
	events []string
}

func (l *listenerRecorder) NodeConnected(nodeID string, _ domain.Document, reconnected bool) {
	l.record(fmt.Sprintf("connected:%s:%t", nodeID, reconnected))
}

func (l *listenerRecorder) NodeUpdated(nodeID string, _ domain.Document) {
	l.record("updated:" + nodeID)
}

func (l *listenerRecorder) NodeDisconnected(nodeID string, unexpected bool) {
	l.record(fmt.Sprintf("disconnected:%s:%t", nodeID, unexpected))
}

func (l *listenerRecorder) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *listenerRecorder) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string][]byte)}
}

func (s *memStorage) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	return value, ok, nil
}

func (s *memStorage) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStorage) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ports.KeyValue
	for key, value := range s.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ports.KeyValue{Key: key, Value: value})
		}
	}
	return out, nil
}

func (s *memStorage) Close() error { return nil }

func testConfig(nodeID string) *domain.Config {
	config := domain.NewConfigFromSimple(nodeID, "127.0.0.1", 7400, nil)
	config.Gossip.Interval = time.Hour
	config.Gossip.HeartbeatInterval = time.Hour
	return config
}

func newTestEngine(t *testing.T, transport ports.TransportPort, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithCPUSampler(nil)}, opts...)
	engine, err := New(testConfig("node1"), transport, nil, opts...)
	require.NoError(t, err)
	return engine
}

func remoteInfo(nodeID string, seq interface{}) domain.Document {
	info := domain.NewNodeInfo(nodeID+".local", []string{"10.0.0.9"}, 7400, nil)
	info[domain.InfoSeq] = seq
	return info
}

// addOnline puts an online remote node with the given seq into the table.
func addOnline(t *testing.T, e *Engine, nodeID string, seq int64) *domain.NodeDescriptor {
	t.Helper()
	node, err := domain.NewRemoteNodeFromInfo(nodeID, remoteInfo(nodeID, seq), e.nodeOptions()...)
	require.NoError(t, err)
	node.Touch()
	stored, added := e.nodes.putIfAbsent(node)
	require.True(t, added)
	e.connected.Store(nodeID, struct{}{})
	return stored
}

func TestEngine_New(t *testing.T) {
	engine := newTestEngine(t, nil)

	local := engine.LocalNode().Snapshot()
	assert.Equal(t, "node1", engine.NodeID())
	assert.True(t, local.Local)
	assert.True(t, local.Online())
	assert.Equal(t, int64(1), local.Seq)
	assert.Equal(t, "127.0.0.1", local.Info.String(domain.InfoHostname))

	_, newErr := New(nil, nil, nil)
	assert.True(t, domain.IsInvalidConfig(newErr))
}

func TestEngine_BuildRequest(t *testing.T) {
	engine := newTestEngine(t, nil)

	node2 := addOnline(t, engine, "node2", 1)
	require.NoError(t, errOf(node2.UpdateCPUSeq(3, 42)))

	node3 := addOnline(t, engine, "node3", 1)
	require.True(t, node3.MarkAsOffline())

	_, regErr := engine.RegisterAsNewNode("node4", "10.0.0.4", 7400)
	require.NoError(t, regErr)

	require.NoError(t, engine.UpdateLocalCPU(12))

	request := engine.BuildRequest()
	assert.Equal(t, domain.ProtocolVersion, request.Ver)
	assert.Equal(t, "node1", request.Sender)
	assert.Equal(t, []interface{}{int64(1), int64(1), 12}, request.Online["node1"])
	assert.Equal(t, []interface{}{int64(1), int64(3), 42}, request.Online["node2"])
	assert.Equal(t, map[string]int64{"node3": 2}, request.Offline)
	assert.NotContains(t, request.Online, "node4")
}

func errOf(_ bool, err error) error { return err }

func TestEngine_RegisterAsNewNode(t *testing.T) {
	engine := newTestEngine(t, nil)

	node, regErr := engine.RegisterAsNewNode("node2", "10.0.0.2", 7400)
	require.NoError(t, regErr)
	assert.True(t, node.IsHidden())
	assert.False(t, node.IsOnline())

	again, regErr := engine.RegisterAsNewNode("node2", "10.0.0.99", 7500)
	require.NoError(t, regErr)
	assert.Same(t, node, again)

	self, regErr := engine.RegisterAsNewNode("node1", "127.0.0.1", 7400)
	require.NoError(t, regErr)
	assert.Same(t, engine.LocalNode(), self)

	_, regErr = engine.RegisterAsNewNode("node5", "", 7400)
	assert.True(t, domain.IsValidationError(regErr))
	_, regErr = engine.RegisterAsNewNode("node5", "10.0.0.5", 0)
	assert.True(t, domain.IsValidationError(regErr))

	assert.Empty(t, engine.LiveNodes())
}

func TestProcessRequest_StaleSenderGetsFullInfo(t *testing.T) {
	engine := newTestEngine(t, nil)
	addOnline(t, engine, "node2", 3)

	request := domain.NewGossipMessage("node2")
	request.Online["node1"] = []interface{}{int64(1), int64(0), 0}
	request.Online["node2"] = []interface{}{int64(1), int64(0), 0}

	response, procErr := engine.ProcessRequest(request)
	require.NoError(t, procErr)

	require.Contains(t, response.Online, "node2")
	info := domain.AsDocument(response.Online["node2"][0])
	require.NotNil(t, info)
	seq, _ := info.Int64(domain.InfoSeq)
	assert.Equal(t, int64(3), seq)
	assert.NotContains(t, response.Online, "node1")
}

func TestProcessRequest_IncludesUnlistedNodes(t *testing.T) {
	engine := newTestEngine(t, nil)
	addOnline(t, engine, "node2", 1)
	node3 := addOnline(t, engine, "node3", 1)
	node3.MarkAsOffline()
	_, _ = engine.RegisterAsNewNode("node4", "10.0.0.4", 7400)

	response, procErr := engine.ProcessRequest(domain.NewGossipMessage("node5"))
	require.NoError(t, procErr)

	assert.Contains(t, response.Online, "node1")
	assert.Contains(t, response.Online, "node2")
	assert.Equal(t, int64(2), response.Offline["node3"])
	assert.NotContains(t, response.Online, "node4")
	assert.NotContains(t, response.Offline, "node4")
}

func TestProcessRequest_NewerSeqIsAdoptedAndDiscovered(t *testing.T) {
	transport := &recordingTransport{}
	engine := newTestEngine(t, transport)
	addOnline(t, engine, "node2", 1)

	request := domain.NewGossipMessage("node3")
	request.Online["node1"] = []interface{}{int64(1), int64(0), 0}
	request.Online["node2"] = []interface{}{int64(3), int64(2), 25}

	response, procErr := engine.ProcessRequest(request)
	require.NoError(t, procErr)
	assert.NotContains(t, response.Online, "node2")

	snap, ok := engine.Node("node2")
	require.True(t, ok)
	assert.Equal(t, int64(3), snap.Seq)
	assert.True(t, snap.InfoStale)
	assert.Equal(t, 25, snap.CPU)

	require.Eventually(t, func() bool {
		discovers := transport.packets(domain.PacketDiscover)
		return len(discovers) == 1 && discovers[0].to == "node2"
	}, time.Second, 10*time.Millisecond)
}

func TestProcessRequest_StaleInfoEchoedCompact(t *testing.T) {
	engine := newTestEngine(t, &recordingTransport{})
	node2 := addOnline(t, engine, "node2", 1)
	_, adoptErr := node2.AdoptSeq(4)
	require.NoError(t, adoptErr)

	request := domain.NewGossipMessage("node3")
	request.Online["node1"] = []interface{}{int64(1), int64(0), 0}
	request.Online["node2"] = []interface{}{int64(3), int64(0), 0}

	response, procErr := engine.ProcessRequest(request)
	require.NoError(t, procErr)
	assert.Equal(t, []interface{}{int64(4), int64(0), 0}, response.Online["node2"])
}

func TestProcessRequest_RefutesRumorsAboutSelf(t *testing.T) {
	engine := newTestEngine(t, nil)

	request := domain.NewGossipMessage("node2")
	request.Offline["node1"] = 1

	response, procErr := engine.ProcessRequest(request)
	require.NoError(t, procErr)
	assert.Equal(t, int64(2), engine.LocalNode().Seq())
	info := domain.AsDocument(response.Online["node1"][0])
	seq, _ := info.Int64(domain.InfoSeq)
	assert.Equal(t, int64(2), seq)

	request = domain.NewGossipMessage("node2")
	request.Online["node1"] = []interface{}{int64(5), int64(0), 0}
	_, procErr = engine.ProcessRequest(request)
	require.NoError(t, procErr)
	assert.Equal(t, int64(6), engine.LocalNode().Seq())
}

func TestProcessRequest_ReconcilesLoad(t *testing.T) {
	engine := newTestEngine(t, nil)
	node2 := addOnline(t, engine, "node2", 1)
	_, cpuErr := node2.UpdateCPUSeq(2, 30)
	require.NoError(t, cpuErr)

	request := domain.NewGossipMessage("node3")
	request.Online["node1"] = []interface{}{int64(1), int64(0), 0}
	request.Online["node2"] = []interface{}{int64(1), int64(5), 70}
	response, procErr := engine.ProcessRequest(request)
	require.NoError(t, procErr)
	assert.NotContains(t, response.Online, "node2")

	cpu, cpuSeq := node2.CPU()
	assert.Equal(t, 70, cpu)
	assert.Equal(t, int64(5), cpuSeq)

	request = domain.NewGossipMessage("node3")
	request.Online["node1"] = []interface{}{int64(1), int64(0), 0}
	request.Online["node2"] = []interface{}{int64(1), int64(1), 10}
	response, procErr = engine.ProcessRequest(request)
	require.NoError(t, procErr)
	assert.Equal(t, []interface{}{int64(5), 70}, response.Online["node2"])
}

func TestProcessRequest_SkipsOwnLoadClockFromPreviousIncarnation(t *testing.T) {
	engine := newTestEngine(t, nil)
	require.NoError(t, engine.UpdateLocalCPU(20))

	request := domain.NewGossipMessage("node2")
	request.Online["node1"] = []interface{}{int64(1), int64(9), 50}
	response, procErr := engine.ProcessRequest(request)
	require.NoError(t, procErr)

	cpu, cpuSeq := engine.LocalNode().CPU()
	assert.Equal(t, 20, cpu)
	assert.Equal(t, int64(10), cpuSeq)
	assert.Equal(t, []interface{}{int64(10), 20}, response.Online["node1"])
}

func TestProcessRequest_EchoesOfflineAtEqualSeq(t *testing.T) {
	engine := newTestEngine(t, nil)
	node2 := addOnline(t, engine, "node2", 1)
	require.True(t, node2.MarkAsOffline())

	request := domain.NewGossipMessage("node2")
	request.Online["node1"] = []interface{}{int64(1), int64(0), 0}
	request.Online["node2"] = []interface{}{int64(2), int64(1), 5}

	response, procErr := engine.ProcessRequest(request)
	require.NoError(t, procErr)
	assert.Equal(t, int64(2), response.Offline["node2"])
	assert.NotContains(t, response.Online, "node2")

	snap, _ := engine.Node("node2")
	assert.False(t, snap.Online())
	assert.Equal(t, int64(2), snap.Seq)
}

func TestProcessResponse_EqualSeqOfflineEchoIsRefuted(t *testing.T) {
	subject, err := New(testConfig("node2"), nil, nil, WithCPUSampler(nil))
	require.NoError(t, err)
	seq := subject.LocalNode().Seq()

	response := domain.NewGossipMessage("node1")
	response.Offline["node2"] = seq
	require.NoError(t, subject.ProcessResponse(response))
	assert.Greater(t, subject.LocalNode().Seq(), seq)
}

func TestProcessRequest_IgnoresUnknownNodes(t *testing.T) {
	engine := newTestEngine(t, nil)

	request := domain.NewGossipMessage("node2")
	request.Online["ghost"] = []interface{}{int64(4), int64(0), 0}
	request.Offline["phantom"] = 3

	_, procErr := engine.ProcessRequest(request)
	require.NoError(t, procErr)

	_, ok := engine.Node("ghost")
	assert.False(t, ok)
	_, ok = engine.Node("phantom")
	assert.False(t, ok)
}

func TestProcessRequest_OfflineEntryDisconnects(t *testing.T) {
	engine := newTestEngine(t, nil)
	listener := &listenerRecorder{}
	engine.AddListener(listener)
	addOnline(t, engine, "node2", 1)

	request := domain.NewGossipMessage("node3")
	request.Online["node1"] = []interface{}{int64(1), int64(0), 0}
	request.Offline["node2"] = 2

	response, procErr := engine.ProcessRequest(request)
	require.NoError(t, procErr)
	assert.NotContains(t, response.Offline, "node2")

	snap, _ := engine.Node("node2")
	assert.False(t, snap.Online())
	assert.Equal(t, int64(2), snap.Seq)
	assert.Equal(t, []string{"disconnected:node2:true"}, listener.all())
}

func TestProcessRequest_Validation(t *testing.T) {
	engine := newTestEngine(t, nil)

	_, procErr := engine.ProcessRequest(nil)
	assert.True(t, domain.IsValidationError(procErr))

	request := domain.NewGossipMessage("node2")
	request.Ver = "3"
	_, procErr = engine.ProcessRequest(request)
	assert.ErrorIs(t, procErr, domain.ErrVersionMismatch)

	request = domain.NewGossipMessage("node2")
	request.Online["node1"] = []interface{}{"bogus", "entry", "here", "x"}
	_, procErr = engine.ProcessRequest(request)
	assert.NoError(t, procErr)
	assert.Equal(t, int64(1), engine.LocalNode().Seq())
}

func TestProcessResponse_CreatesUnknownNodeFromInfo(t *testing.T) {
	engine := newTestEngine(t, nil)
	listener := &listenerRecorder{}
	engine.AddListener(listener)

	response := domain.NewGossipMessage("node2")
	response.Online["node5"] = []interface{}{remoteInfo("node5", float64(2)), float64(3), float64(40)}

	require.NoError(t, engine.ProcessResponse(response))

	snap, ok := engine.Node("node5")
	require.True(t, ok)
	assert.True(t, snap.Online())
	assert.Equal(t, int64(2), snap.Seq)
	assert.Equal(t, 40, snap.CPU)
	assert.Equal(t, "node5.local", snap.Host)
	assert.Equal(t, []string{"connected:node5:false"}, listener.all())
}

func TestProcessResponse_AcceptsStringSeq(t *testing.T) {
	engine := newTestEngine(t, nil)
	listener := &listenerRecorder{}
	engine.AddListener(listener)
	addOnline(t, engine, "node2", 2)

	response := domain.NewGossipMessage("node3")
	response.Online["node2"] = []interface{}{remoteInfo("node2", "4")}
	require.NoError(t, engine.ProcessResponse(response))

	snap, _ := engine.Node("node2")
	assert.Equal(t, int64(4), snap.Seq)
	assert.Equal(t, []string{"updated:node2"}, listener.all())
}

func TestProcessResponse_RefutesSelf(t *testing.T) {
	engine := newTestEngine(t, nil)

	response := domain.NewGossipMessage("node2")
	response.Offline["node1"] = 1
	require.NoError(t, engine.ProcessResponse(response))
	assert.Equal(t, int64(2), engine.LocalNode().Seq())
	assert.True(t, engine.LocalNode().IsOnline())

	response = domain.NewGossipMessage("node2")
	response.Online["node1"] = []interface{}{int64(4), int64(0), 0}
	require.NoError(t, engine.ProcessResponse(response))
	assert.Equal(t, int64(5), engine.LocalNode().Seq())
}

func TestProcessResponse_IgnoresStaleAndUnknownOffline(t *testing.T) {
	engine := newTestEngine(t, nil)
	addOnline(t, engine, "node2", 3)

	response := domain.NewGossipMessage("node3")
	response.Offline["node2"] = 2
	response.Offline["ghost"] = 9
	require.NoError(t, engine.ProcessResponse(response))

	snap, _ := engine.Node("node2")
	assert.True(t, snap.Online())
	_, ok := engine.Node("ghost")
	assert.False(t, ok)
}

func TestProcessResponse_LoadCorrection(t *testing.T) {
	engine := newTestEngine(t, nil)
	node2 := addOnline(t, engine, "node2", 1)

	response := domain.NewGossipMessage("node3")
	response.Online["node2"] = []interface{}{float64(4), float64(55)}
	require.NoError(t, engine.ProcessResponse(response))

	cpu, cpuSeq := node2.CPU()
	assert.Equal(t, 55, cpu)
	assert.Equal(t, int64(4), cpuSeq)

	cpuValue, known := engine.CPU("node2")
	assert.True(t, known)
	assert.Equal(t, 55, cpuValue)
}

func TestProcessInfo(t *testing.T) {
	engine := newTestEngine(t, &recordingTransport{})
	listener := &listenerRecorder{}
	engine.AddListener(listener)

	node2, regErr := engine.RegisterAsNewNode("node2", "10.0.0.2", 7400)
	require.NoError(t, regErr)
	_, adoptErr := node2.AdoptSeq(3)
	require.NoError(t, adoptErr)

	require.NoError(t, engine.ProcessInfo("node2", remoteInfo("node2", 3)))
	snap, _ := engine.Node("node2")
	assert.False(t, snap.InfoStale)
	assert.Equal(t, "node2.local", snap.Host)
	assert.Equal(t, []string{"connected:node2:false"}, listener.all())

	assert.True(t, domain.IsValidationError(engine.ProcessInfo("", remoteInfo("x", 1))))
	assert.True(t, domain.IsValidationError(engine.ProcessInfo("node3", nil)))
	assert.NoError(t, engine.ProcessInfo("node1", remoteInfo("node1", 9)))
	assert.Equal(t, int64(1), engine.LocalNode().Seq())
}

func TestEngine_ReconnectedFlag(t *testing.T) {
	engine := newTestEngine(t, nil)
	listener := &listenerRecorder{}
	engine.AddListener(listener)

	response := domain.NewGossipMessage("node3")
	response.Online["node2"] = []interface{}{remoteInfo("node2", 1)}
	require.NoError(t, engine.ProcessResponse(response))

	assert.True(t, engine.MarkOffline("node2"))
	assert.False(t, engine.MarkOffline("node2"))

	response = domain.NewGossipMessage("node3")
	response.Online["node2"] = []interface{}{remoteInfo("node2", 5)}
	require.NoError(t, engine.ProcessResponse(response))

	assert.Equal(t, []string{
		"connected:node2:false",
		"disconnected:node2:false",
		"connected:node2:true",
	}, listener.all())
}

func TestEngine_HandlePacket(t *testing.T) {
	transport := &recordingTransport{}
	engine := newTestEngine(t, transport)
	ctx := context.Background()

	request := domain.NewGossipMessage("node2")
	engine.HandlePacket(ctx, &domain.Packet{
		Type:   domain.PacketGossipReq,
		Ver:    domain.ProtocolVersion,
		Sender: "node2",
		Host:   "10.0.0.2",
		Port:   7400,
		Gossip: request,
	})

	replies := transport.packets(domain.PacketGossipRsp)
	require.Len(t, replies, 1)
	assert.Equal(t, "node2", replies[0].to)
	assert.Contains(t, replies[0].packet.Gossip.Online, "node1")
	assert.Equal(t, "127.0.0.1", replies[0].packet.Host)

	host, port, ok := engine.ResolveAddress("node2")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", host)
	assert.Equal(t, 7400, port)

	engine.HandlePacket(ctx, &domain.Packet{Type: domain.PacketDiscover, Ver: domain.ProtocolVersion, Sender: "node2"})
	infos := transport.packets(domain.PacketInfo)
	require.Len(t, infos, 1)
	seq, _ := infos[0].packet.Info.Int64(domain.InfoSeq)
	assert.Equal(t, int64(1), seq)

	engine.HandlePacket(ctx, &domain.Packet{Type: domain.PacketDiscover, Ver: "3", Sender: "node2"})
	assert.Len(t, transport.packets(domain.PacketInfo), 1)

	engine.HandlePacket(ctx, &domain.Packet{Type: domain.PacketDiscover, Ver: domain.ProtocolVersion, Sender: "node1"})
	assert.Len(t, transport.packets(domain.PacketInfo), 1)
}

func TestEngine_DisconnectPacket(t *testing.T) {
	engine := newTestEngine(t, &recordingTransport{})
	listener := &listenerRecorder{}
	engine.AddListener(listener)
	addOnline(t, engine, "node2", 1)

	engine.HandlePacket(context.Background(), &domain.Packet{
		Type:   domain.PacketDisconnect,
		Ver:    domain.ProtocolVersion,
		Sender: "node2",
	})

	snap, _ := engine.Node("node2")
	assert.False(t, snap.Online())
	assert.Equal(t, []string{"disconnected:node2:false"}, listener.all())
}

func TestEngine_GossipRoundProbesSeeds(t *testing.T) {
	transport := &recordingTransport{}
	engine := newTestEngine(t, transport)
	_, regErr := engine.RegisterAsNewNode("seed", "10.0.0.2", 7400)
	require.NoError(t, regErr)

	engine.gossipRound(context.Background())

	requests := transport.packets(domain.PacketGossipReq)
	require.Len(t, requests, 1)
	assert.Equal(t, "seed", requests[0].to)
	assert.Contains(t, requests[0].packet.Gossip.Online, "node1")
	assert.NotContains(t, requests[0].packet.Gossip.Online, "seed")
}

func TestEngine_GossipRoundAlwaysContactsALivePeer(t *testing.T) {
	transport := &recordingTransport{}
	engine := newTestEngine(t, transport)
	addOnline(t, engine, "node2", 1)

	for i := 0; i < 5; i++ {
		engine.gossipRound(context.Background())
	}

	requests := transport.packets(domain.PacketGossipReq)
	require.Len(t, requests, 5)
	for _, request := range requests {
		assert.Equal(t, "node2", request.to)
	}
}

func TestEngine_FailureDetectionAndEviction(t *testing.T) {
	clock := newFakeClock()
	storage := newMemStorage()
	engine := newTestEngine(t, nil, WithClock(clock.Now), WithStorage(storage))
	listener := &listenerRecorder{}
	engine.AddListener(listener)

	addOnline(t, engine, "node2", 1)
	node3 := addOnline(t, engine, "node3", 1)
	engine.persistPeer("node2", "10.0.0.2", 7400)

	clock.Advance(20 * time.Second)
	node3.Touch()
	clock.Advance(15 * time.Second)

	failed := engine.DetectFailures(clock.Now())
	assert.Equal(t, []string{"node2"}, failed)
	assert.Equal(t, []string{"disconnected:node2:true"}, listener.all())

	snap, _ := engine.Node("node3")
	assert.True(t, snap.Online())

	assert.Empty(t, engine.EvictOffline(clock.Now().Add(time.Minute)))

	clock.Advance(181 * time.Second)
	evicted := engine.EvictOffline(clock.Now())
	assert.Equal(t, []string{"node2"}, evicted)

	_, ok := engine.Node("node2")
	assert.False(t, ok)
	_, exists, _ := storage.Get(peerKeyPrefix + "node2")
	assert.False(t, exists)
}

func TestEngine_GossipedLoadKeepsNodeAlive(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, nil, WithClock(clock.Now))
	node2 := addOnline(t, engine, "node2", 1)

	clock.Advance(25 * time.Second)
	_, cpuErr := node2.UpdateCPUSeq(1, 10)
	require.NoError(t, cpuErr)
	clock.Advance(10 * time.Second)

	assert.Empty(t, engine.DetectFailures(clock.Now()))
}

func TestEngine_SteadyLoadStillAdvancesLoadClock(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, nil, WithClock(clock.Now))

	require.NoError(t, engine.UpdateLocalCPU(10))
	_, first := engine.LocalNode().CPU()

	clock.Advance(5 * time.Second)
	require.NoError(t, engine.UpdateLocalCPU(10))
	_, cpuSeq := engine.LocalNode().CPU()
	assert.Equal(t, first, cpuSeq)

	clock.Advance(6 * time.Second)
	require.NoError(t, engine.UpdateLocalCPU(10))
	_, cpuSeq = engine.LocalNode().CPU()
	assert.Equal(t, first+1, cpuSeq)

	observer := newTestEngine(t, nil, WithClock(clock.Now))
	peer := addOnline(t, observer, "node1-peer", 1)
	clock.Advance(25 * time.Second)

	request := domain.NewGossipMessage("node3")
	request.Online["node1"] = []interface{}{int64(1), int64(0), 0}
	request.Online["node1-peer"] = []interface{}{int64(1), cpuSeq, 10}
	_, procErr := observer.ProcessRequest(request)
	require.NoError(t, procErr)
	assert.Equal(t, clock.Now().UnixMilli(), peer.Snapshot().CPUWhen)

	clock.Advance(10 * time.Second)
	assert.Empty(t, observer.DetectFailures(clock.Now()))
}

func TestEngine_PersistenceRestoresSeqAndPeers(t *testing.T) {
	storage := newMemStorage()
	require.NoError(t, storage.Put(seqKeyPrefix+"node1", []byte("7")))
	require.NoError(t, storage.Put(peerKeyPrefix+"node2", []byte(`{"host":"10.0.0.2","port":7400}`)))
	require.NoError(t, storage.Put(peerKeyPrefix+"broken", []byte(`{`)))

	engine := newTestEngine(t, &recordingTransport{}, WithStorage(storage))
	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop()

	assert.Equal(t, int64(8), engine.LocalNode().Seq())
	value, _, _ := storage.Get(seqKeyPrefix + "node1")
	assert.Equal(t, "8", string(value))

	snap, ok := engine.Node("node2")
	require.True(t, ok)
	assert.True(t, snap.Hidden())
	assert.Equal(t, "10.0.0.2", snap.Host)

	seq := engine.UpdateLocalInfo(domain.Document{domain.InfoServices: []interface{}{"math"}})
	assert.Equal(t, int64(9), seq)
	value, _, _ = storage.Get(seqKeyPrefix + "node1")
	assert.Equal(t, "9", string(value))
}

func TestEngine_StartStop(t *testing.T) {
	engine := newTestEngine(t, &recordingTransport{})

	require.NoError(t, engine.Start(context.Background()))
	assert.True(t, engine.IsRunning())
	assert.ErrorIs(t, engine.Start(context.Background()), domain.ErrAlreadyStarted)

	require.NoError(t, engine.Stop())
	assert.False(t, engine.IsRunning())
	assert.ErrorIs(t, engine.Stop(), domain.ErrNotStarted)
}

func TestEngine_StopAnnouncesDisconnect(t *testing.T) {
	transport := &recordingTransport{}
	engine := newTestEngine(t, transport)
	addOnline(t, engine, "node2", 1)

	require.NoError(t, engine.Start(context.Background()))
	require.NoError(t, engine.Stop())

	disconnects := transport.packets(domain.PacketDisconnect)
	require.Len(t, disconnects, 1)
	assert.Equal(t, "node2", disconnects[0].to)
}
