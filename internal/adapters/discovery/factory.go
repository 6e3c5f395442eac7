package discovery

import (
	"log/slog"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// New builds the adapter described by one discovery config entry.
func New(config domain.DiscoveryConfig, logger *slog.Logger) (ports.DiscoveryPort, error) {
	switch config.Type {
	case domain.DiscoveryStatic:
		return NewStaticAdapter(config.Static, logger), nil
	case domain.DiscoveryMDNS:
		return NewMDNSAdapter(config.MDNS, config.Interval, logger), nil
	case domain.DiscoveryUDP:
		return NewUDPAdapter(config.UDP, logger), nil
	default:
		return nil, domain.NewConfigError("discovery.type", domain.ErrInvalidInput)
	}
}
