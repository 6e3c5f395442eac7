package transport

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/eleven-am/mesh/internal/domain"
)

// EncodePacket serializes a packet for the wire.
func EncodePacket(packet *domain.Packet) ([]byte, error) {
	if packet == nil {
		return nil, domain.NewValidationError("packet", nil, "must not be nil")
	}
	data, err := json.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("encode %s packet: %w", packet.Type, err)
	}
	return data, nil
}

func DecodePacket(data []byte) (*domain.Packet, error) {
	if len(data) == 0 {
		return nil, domain.NewValidationError("packet", nil, "empty payload")
	}
	var packet domain.Packet
	if err := json.Unmarshal(data, &packet); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	if packet.Type == "" || packet.Sender == "" {
		return nil, domain.NewValidationError("packet", packet.Type, "missing type or sender")
	}
	return &packet, nil
}
