package circuit_breaker

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

// Provider hands out one breaker per name, created on first use with the
// shared configuration. Callers name breakers "<nodeID>:<action>".
type Provider struct {
	config ports.CircuitBreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	breakers map[string]*circuitBreaker
}

var _ ports.CircuitBreakerProvider = (*Provider)(nil)

func NewProvider(config domain.CircuitBreakerConfig, logger *slog.Logger) *Provider {
	return newProvider(config, logger, time.Now)
}

func newProvider(config domain.CircuitBreakerConfig, logger *slog.Logger, now func() time.Time) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		config: ports.CircuitBreakerConfig{
			FailureThreshold: config.FailureThreshold,
			SuccessThreshold: config.SuccessThreshold,
			OpenTimeout:      config.OpenTimeout,
			MaxRequests:      config.HalfOpenRequests,
		},
		logger:   logger.With("component", "circuit-breaker-provider"),
		now:      now,
		breakers: make(map[string]*circuitBreaker),
	}
}

// Key builds the breaker name guarding action on nodeID.
func Key(nodeID, action string) string {
	return nodeID + ":" + action
}

func (p *Provider) Get(name string) ports.CircuitBreaker {
	p.mu.RLock()
	breaker, exists := p.breakers[name]
	p.mu.RUnlock()
	if exists {
		return breaker
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, exists := p.breakers[name]; exists {
		return existing
	}
	breaker = newCircuitBreaker(name, p.config, p.logger, p.now)
	p.breakers[name] = breaker

	p.logger.Debug("created circuit breaker",
		"name", name,
		"failure_threshold", p.config.FailureThreshold,
		"open_timeout", p.config.OpenTimeout)
	return breaker
}

// IsOpen reports whether name's breaker would reject a request right now.
// It does not create a breaker or consume a half-open slot.
func (p *Provider) IsOpen(name string) bool {
	p.mu.RLock()
	breaker, exists := p.breakers[name]
	p.mu.RUnlock()
	if !exists {
		return false
	}

	breaker.mu.RLock()
	defer breaker.mu.RUnlock()
	switch breaker.state {
	case ports.StateOpen:
		return breaker.now().Before(breaker.nextRetry)
	case ports.StateHalfOpen:
		return breaker.halfOpenRequests >= int64(breaker.config.MaxRequests)
	default:
		return false
	}
}

// Remove drops every breaker whose name starts with prefix, typically all
// breakers of a node that left.
func (p *Provider) Remove(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for name := range p.breakers {
		if strings.HasPrefix(name, prefix) {
			delete(p.breakers, name)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("removed circuit breakers", "prefix", prefix, "count", removed)
	}
}

func (p *Provider) AllMetrics() map[string]ports.CircuitBreakerMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]ports.CircuitBreakerMetrics, len(p.breakers))
	for name, breaker := range p.breakers {
		out[name] = breaker.Metrics()
	}
	return out
}
