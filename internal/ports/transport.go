package ports

import (
	"context"

	"github.com/eleven-am/mesh/internal/domain"
)

// PacketHandler receives every inbound packet. Implementations must not
// block the transport for long; heavy work belongs on an executor.
type PacketHandler interface {
	HandlePacket(ctx context.Context, packet *domain.Packet)
}

type PacketHandlerFunc func(ctx context.Context, packet *domain.Packet)

func (f PacketHandlerFunc) HandlePacket(ctx context.Context, packet *domain.Packet) {
	f(ctx, packet)
}

// AddressResolver tells a transport where a node can be reached.
type AddressResolver interface {
	ResolveAddress(nodeID string) (host string, port int, ok bool)
}

// TransportPort moves packets between nodes. Delivery is unreliable and
// unordered; the core copes with loss through gossip and deadlines.
type TransportPort interface {
	Start(ctx context.Context, handler PacketHandler) error
	Stop() error
	Send(ctx context.Context, nodeID string, packet *domain.Packet) error
	Address() string
}
