package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

const defaultLocateInterval = 5 * time.Second

// NodeRegistrar is the part of the gossip engine the locator feeds.
type NodeRegistrar interface {
	Node(nodeID string) (domain.NodeSnapshot, bool)
	RegisterAsNewNode(nodeID, host string, port int) (*domain.NodeDescriptor, error)
}

// Locator polls discovery adapters and hands peers it has never seen to the
// gossip engine, which then probes them.
type Locator struct {
	adapters  []ports.DiscoveryPort
	registrar NodeRegistrar
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	self    ports.ServiceInfo
	started []ports.DiscoveryPort
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewLocator(adapters []ports.DiscoveryPort, registrar NodeRegistrar, interval time.Duration, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultLocateInterval
	}
	return &Locator{
		adapters:  adapters,
		registrar: registrar,
		interval:  interval,
		logger:    logger.With("component", "locator"),
	}
}

// Start starts every adapter, advertises self and begins polling. Adapters
// that fail to start are logged and skipped.
func (l *Locator) Start(ctx context.Context, self ports.ServiceInfo, config ports.DiscoveryConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return domain.ErrAlreadyStarted
	}

	l.self = self
	l.started = nil
	for _, adapter := range l.adapters {
		if err := adapter.Start(ctx, config); err != nil {
			l.logger.Error("failed to start discovery adapter", "error", err)
			continue
		}
		if err := adapter.Advertise(self); err != nil {
			l.logger.Warn("failed to advertise node", "error", err)
		}
		l.started = append(l.started, adapter)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true

	l.wg.Add(1)
	go l.loop(runCtx)

	l.logger.Info("locator started", "adapters", len(l.started), "interval", l.interval)
	return nil
}

func (l *Locator) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return domain.ErrNotStarted
	}
	l.running = false
	l.cancel()
	started := l.started
	l.started = nil
	l.mu.Unlock()

	l.wg.Wait()

	var errs []error
	for _, adapter := range started {
		if err := adapter.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	l.logger.Info("locator stopped")
	return errors.Join(errs...)
}

func (l *Locator) loop(ctx context.Context) {
	defer l.wg.Done()

	l.Poll()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Poll()
		}
	}
}

// Poll queries every started adapter once and returns how many new nodes
// were registered.
func (l *Locator) Poll() int {
	l.mu.Lock()
	adapters := append([]ports.DiscoveryPort(nil), l.started...)
	self := l.self.ID
	l.mu.Unlock()

	registered := 0
	for _, adapter := range adapters {
		peers, err := adapter.Discover()
		if err != nil {
			l.logger.Warn("discovery failed", "error", err)
			continue
		}
		for _, peer := range peers {
			if peer.ID == "" || peer.ID == self {
				continue
			}
			if _, known := l.registrar.Node(peer.ID); known {
				continue
			}
			if _, err := l.registrar.RegisterAsNewNode(peer.ID, peer.Address, peer.Port); err != nil {
				l.logger.Warn("rejected discovered peer", "peer_id", peer.ID, "address", peer.Address, "port", peer.Port, "error", err)
				continue
			}
			registered++
			l.logger.Info("discovered node", "peer_id", peer.ID, "address", peer.Address, "port", peer.Port)
		}
	}
	return registered
}
