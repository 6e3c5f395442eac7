package core

import (
	"context"

	"github.com/eleven-am/mesh/internal/adapters/metrics"
	"github.com/eleven-am/mesh/internal/domain"
)

// HandlePacket is the inbound entry point of the transport. Call, stream
// and event packets are served here; membership packets go to the gossip
// engine.
func (b *Broker) HandlePacket(ctx context.Context, packet *domain.Packet) {
	if packet == nil {
		return
	}

	switch packet.Type {
	case domain.PacketRequest, domain.PacketResponse, domain.PacketEvent,
		domain.PacketData, domain.PacketError, domain.PacketClose:
	default:
		b.engine.HandlePacket(ctx, packet)
		return
	}

	if packet.Sender == "" || packet.Sender == b.nodeID {
		return
	}
	if packet.Ver != domain.ProtocolVersion {
		metrics.RecordVersionMismatch()
		b.logger.Warn("dropped message with incompatible protocol version",
			"peer_id", packet.Sender,
			"type", packet.Type,
			"version", packet.Ver,
			"expected_version", domain.ProtocolVersion)
		return
	}

	switch packet.Type {
	case domain.PacketRequest:
		b.handleRequest(packet)
	case domain.PacketResponse:
		b.handleResponse(packet)
	case domain.PacketEvent:
		b.handleEvent(packet)
	default:
		b.handleStream(packet)
	}
}

// handleRequest runs a local action for a remote caller and answers with a
// RES packet.
func (b *Broker) handleRequest(packet *domain.Packet) {
	body := packet.Request
	if body == nil || body.ID == "" {
		b.logger.Warn("dropped malformed request", "peer_id", packet.Sender)
		return
	}

	c := contextFromRequest(b, packet.Sender, body)
	if body.Stream {
		c.stream = b.streams.open(packet.Sender, body.ID)
	}

	b.logger.Debug("received request",
		"peer_id", packet.Sender,
		"action", body.Action,
		"request_id", body.RequestID,
		"level", body.Level)

	var future *Future
	if endpoint, ok := b.localAction(body.Action); ok {
		future = b.dispatchLocal(c, endpoint)
	} else {
		future = Rejected(domain.NewServiceNotFoundError(body.Action, b.nodeID))
	}

	future.onComplete(func(value interface{}, err error) {
		if body.Stream {
			b.streams.remove(packet.Sender, body.ID)
		}
		if sendErr := b.sender.SendResponsePacket(b.runContext(), packet.Sender, body.ID, value, c.meta, err); sendErr != nil {
			b.logger.Warn("failed to send response",
				"peer_id", packet.Sender,
				"action", body.Action,
				"request_id", body.ID,
				"error", sendErr)
		}
	})
}

// handleResponse completes the pending entry of a remote call. Responses
// for unknown ids, already swept or answered, are dropped.
func (b *Broker) handleResponse(packet *domain.Packet) {
	body := packet.Response
	if body == nil || body.ID == "" {
		b.logger.Warn("dropped malformed response", "peer_id", packet.Sender)
		return
	}

	entry, ok := b.pending.Get(body.ID)
	if !ok || entry.NodeID != packet.Sender {
		b.logger.Debug("dropped response without pending request", "peer_id", packet.Sender, "request_id", body.ID)
		return
	}

	if body.Success {
		b.pending.Resolve(body.ID, body.Data)
		return
	}
	b.pending.Reject(body.ID, remoteError(packet.Sender, entry.Action, body.ID, body.Error))
}

func (b *Broker) handleStream(packet *domain.Packet) {
	body := packet.Stream
	if body == nil || body.ID == "" || body.Seq < 1 {
		b.logger.Warn("dropped malformed stream packet", "peer_id", packet.Sender, "type", packet.Type)
		return
	}
	b.streams.push(packet.Sender, packet.Type, body)
}
