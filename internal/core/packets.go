package core

import (
	"context"
	"errors"
	"log/slog"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// PacketSender builds and sends the call, stream and event packets of this
// node. Membership packets are sent by the gossip engine.
type PacketSender struct {
	transport ports.TransportPort
	nodeID    string
	host      string
	port      int
	logger    *slog.Logger
}

func NewPacketSender(transport ports.TransportPort, nodeID, host string, port int, logger *slog.Logger) *PacketSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &PacketSender{
		transport: transport,
		nodeID:    nodeID,
		host:      host,
		port:      port,
		logger:    logger.With("component", "packet_sender"),
	}
}

func (s *PacketSender) packet(packetType domain.PacketType) *domain.Packet {
	return &domain.Packet{
		Type:   packetType,
		Ver:    domain.ProtocolVersion,
		Sender: s.nodeID,
		Host:   s.host,
		Port:   s.port,
	}
}

func (s *PacketSender) send(ctx context.Context, nodeID string, packet *domain.Packet) error {
	if err := s.transport.Send(ctx, nodeID, packet); err != nil {
		s.logger.Debug("failed to send packet", "peer_id", nodeID, "type", packet.Type, "error", err)
		return err
	}
	return nil
}

// SendRequestPacket sends the REQ of a call. The timeout sent is the budget
// left at send time.
func (s *PacketSender) SendRequestPacket(ctx context.Context, nodeID string, call *Context) error {
	var timeout int64
	if remaining, ok := call.Remaining(); ok {
		timeout = remaining.Milliseconds()
		if timeout < 1 {
			timeout = 1
		}
	}

	packet := s.packet(domain.PacketRequest)
	packet.Request = &domain.RequestBody{
		ID:        call.id,
		Action:    call.name,
		Params:    call.params,
		Meta:      call.meta,
		Timeout:   timeout,
		Level:     call.level,
		ParentID:  call.parentID,
		RequestID: call.requestID,
		Stream:    call.stream != nil,
	}
	return s.send(ctx, nodeID, packet)
}

// SendDataPacket sends one chunk of the stream attached to call.
func (s *PacketSender) SendDataPacket(ctx context.Context, requestType domain.PacketType, nodeID string, call *Context, data []byte, seq int64) error {
	packet := s.packet(domain.PacketData)
	packet.Stream = &domain.StreamBody{ID: call.id, RequestType: requestType, Seq: seq, Data: data}
	return s.send(ctx, nodeID, packet)
}

func (s *PacketSender) SendErrorPacket(ctx context.Context, requestType domain.PacketType, nodeID string, call *Context, cause error, seq int64) error {
	packet := s.packet(domain.PacketError)
	packet.Stream = &domain.StreamBody{ID: call.id, RequestType: requestType, Seq: seq, Error: cause.Error()}
	return s.send(ctx, nodeID, packet)
}

func (s *PacketSender) SendClosePacket(ctx context.Context, requestType domain.PacketType, nodeID string, call *Context, seq int64) error {
	packet := s.packet(domain.PacketClose)
	packet.Stream = &domain.StreamBody{ID: call.id, RequestType: requestType, Seq: seq}
	return s.send(ctx, nodeID, packet)
}

// SendResponsePacket answers the request id with either data or err.
func (s *PacketSender) SendResponsePacket(ctx context.Context, nodeID, id string, data interface{}, meta domain.Document, err error) error {
	packet := s.packet(domain.PacketResponse)
	body := &domain.ResponseBody{ID: id, Success: err == nil, Meta: meta}
	if err != nil {
		body.Error = s.errorDetail(err)
	} else {
		body.Data = data
	}
	packet.Response = body
	return s.send(ctx, nodeID, packet)
}

// SendEventPacket delivers an event to the listed groups of one node.
func (s *PacketSender) SendEventPacket(ctx context.Context, nodeID string, event *Context, groups []string, broadcast bool) error {
	packet := s.packet(domain.PacketEvent)
	packet.Event = &domain.EventBody{
		ID:        event.id,
		Event:     event.eventName,
		Data:      event.params,
		Meta:      event.meta,
		Groups:    groups,
		Broadcast: broadcast,
		Level:     event.level,
		ParentID:  event.parentID,
		RequestID: event.requestID,
	}
	return s.send(ctx, nodeID, packet)
}

func (s *PacketSender) errorDetail(err error) *domain.ErrorDetail {
	detail := &domain.ErrorDetail{
		Name:    "Error",
		Message: err.Error(),
		Code:    domain.CodeUnknown,
		NodeID:  s.nodeID,
	}

	var remote *domain.RemoteError
	switch {
	case errors.As(err, &remote):
		detail.Name = remote.Name
		detail.Message = remote.Message
		detail.Code = remote.Code
		detail.NodeID = remote.NodeID
		detail.Data = remote.Data
	case domain.IsValidationError(err):
		detail.Name = "ValidationError"
		detail.Code = domain.CodeValidation
	case domain.IsServiceNotFound(err):
		detail.Name = "ServiceNotFoundError"
		detail.Code = domain.CodeNotFound
	case domain.IsTimeout(err):
		detail.Name = "RequestTimeoutError"
		detail.Code = domain.CodeTimeout
	case domain.IsOverloaded(err):
		detail.Name = "OverloadedError"
		detail.Code = domain.CodeOverloaded
	}
	return detail
}

// remoteError turns the error detail of a response to request id back into
// an error.
func remoteError(sender, action, id string, detail *domain.ErrorDetail) *domain.RemoteError {
	if detail == nil {
		return &domain.RemoteError{NodeID: sender, Action: action, RequestID: id, Message: "remote call failed", Code: domain.CodeUnknown}
	}
	nodeID := detail.NodeID
	if nodeID == "" {
		nodeID = sender
	}
	return &domain.RemoteError{
		NodeID:    nodeID,
		Action:    action,
		RequestID: id,
		Name:      detail.Name,
		Message:   detail.Message,
		Code:      detail.Code,
		Data:      detail.Data,
	}
}
