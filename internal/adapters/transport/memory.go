package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

const inboxSize = 1024

var _ ports.TransportPort = (*MemoryTransport)(nil)

// Hub connects in-process transports by node id. Packets are encoded and
// decoded on every hop so receivers never share memory with senders.
type Hub struct {
	mu         sync.RWMutex
	transports map[string]*MemoryTransport
	isolated   map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		transports: make(map[string]*MemoryTransport),
		isolated:   make(map[string]bool),
	}
}

func (h *Hub) NewTransport(nodeID string, logger *slog.Logger) *MemoryTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryTransport{
		hub:    h,
		nodeID: nodeID,
		logger: logger.With("component", "transport", "adapter", "memory", "node_id", nodeID),
	}
}

// Isolate drops every packet sent to or from nodeID until Heal is called.
func (h *Hub) Isolate(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isolated[nodeID] = true
}

func (h *Hub) Heal(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.isolated, nodeID)
}

func (h *Hub) attach(t *MemoryTransport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.transports[t.nodeID]; exists {
		return fmt.Errorf("node %q: %w", t.nodeID, domain.ErrDuplicate)
	}
	h.transports[t.nodeID] = t
	return nil
}

func (h *Hub) detach(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.transports, nodeID)
}

func (h *Hub) route(from, to string) (*MemoryTransport, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.isolated[from] || h.isolated[to] {
		return nil, domain.ErrConnection
	}
	target, ok := h.transports[to]
	if !ok {
		return nil, domain.ErrConnection
	}
	return target, nil
}

type MemoryTransport struct {
	hub     *Hub
	nodeID  string
	logger  *slog.Logger
	mu      sync.Mutex
	handler ports.PacketHandler
	inbox   chan *domain.Packet
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func (t *MemoryTransport) Start(ctx context.Context, handler ports.PacketHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return domain.NewTransportError("memory", "start", domain.ErrAlreadyStarted)
	}
	if handler == nil {
		return domain.NewTransportError("memory", "start", domain.ErrInvalidInput)
	}
	if err := t.hub.attach(t); err != nil {
		return domain.NewTransportError("memory", "start", err)
	}

	t.handler = handler
	t.inbox = make(chan *domain.Packet, inboxSize)
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.running = true

	t.wg.Add(1)
	go t.deliver()

	t.logger.Debug("memory transport started")
	return nil
}

func (t *MemoryTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return domain.NewTransportError("memory", "stop", domain.ErrNotStarted)
	}
	t.running = false
	t.hub.detach(t.nodeID)
	t.cancel()
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Debug("memory transport stopped")
	return nil
}

func (t *MemoryTransport) deliver() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case packet := <-t.inbox:
			t.handler.HandlePacket(t.ctx, packet)
		}
	}
}

func (t *MemoryTransport) Send(ctx context.Context, nodeID string, packet *domain.Packet) error {
	data, err := EncodePacket(packet)
	if err != nil {
		return domain.NewTransportError("memory", "send", err)
	}

	target, err := t.hub.route(t.nodeID, nodeID)
	if err != nil {
		return domain.NewTransportError("memory", "send", err)
	}

	decoded, err := DecodePacket(data)
	if err != nil {
		return domain.NewTransportError("memory", "send", err)
	}

	return target.enqueue(ctx, decoded)
}

func (t *MemoryTransport) enqueue(ctx context.Context, packet *domain.Packet) error {
	t.mu.Lock()
	running, inbox, done := t.running, t.inbox, t.ctx
	t.mu.Unlock()

	if !running {
		return domain.NewTransportError("memory", "send", domain.ErrConnection)
	}

	select {
	case inbox <- packet:
		return nil
	case <-ctx.Done():
		return domain.NewTransportError("memory", "send", ctx.Err())
	case <-done.Done():
		return domain.NewTransportError("memory", "send", domain.ErrConnection)
	}
}

func (t *MemoryTransport) Address() string {
	return "memory://" + t.nodeID
}
