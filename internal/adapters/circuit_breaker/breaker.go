package circuit_breaker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/mesh/internal/adapters/metrics"
	"github.com/eleven-am/mesh/internal/ports"
)

type circuitBreaker struct {
	name   string
	config ports.CircuitBreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu                 sync.RWMutex
	state              ports.CircuitBreakerState
	failureCount       int64
	successCount       int64
	consecutiveSuccess int64
	consecutiveFailure int64
	lastStateChange    time.Time
	nextRetry          time.Time
	requestsRejected   int64

	halfOpenRequests int64
}

func NewCircuitBreaker(name string, config ports.CircuitBreakerConfig, logger *slog.Logger) ports.CircuitBreaker {
	return newCircuitBreaker(name, config, logger, time.Now)
}

func newCircuitBreaker(name string, config ports.CircuitBreakerConfig, logger *slog.Logger, now func() time.Time) *circuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}

	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 10 * time.Second
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}

	return &circuitBreaker{
		name:            name,
		config:          config,
		logger:          logger.With("component", "circuit-breaker", "name", name),
		now:             now,
		state:           ports.StateClose,
		lastStateChange: now(),
	}
}

// Allow reports whether a request may go through, moving an open breaker
// to half-open once OpenTimeout has passed.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == ports.StateOpen && !cb.now().Before(cb.nextRetry) {
		cb.setState(ports.StateHalfOpen)
	}

	switch cb.state {
	case ports.StateClose:
		return true
	case ports.StateHalfOpen:
		if cb.halfOpenRequests < int64(cb.config.MaxRequests) {
			cb.halfOpenRequests++
			return true
		}
	}
	atomic.AddInt64(&cb.requestsRejected, 1)
	return false
}

// Record reports the outcome of a request admitted by Allow.
func (cb *circuitBreaker) Record(err error) {
	if err != nil {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *circuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.consecutiveSuccess++
	cb.consecutiveFailure = 0

	if cb.state == ports.StateHalfOpen {
		cb.halfOpenRequests--
		if cb.consecutiveSuccess >= int64(cb.config.SuccessThreshold) {
			cb.setState(ports.StateClose)
		}
	}
}

func (cb *circuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.consecutiveFailure++
	cb.consecutiveSuccess = 0

	switch cb.state {
	case ports.StateClose:
		if cb.consecutiveFailure >= int64(cb.config.FailureThreshold) {
			cb.setState(ports.StateOpen)
		}
	case ports.StateHalfOpen:
		cb.setState(ports.StateOpen)
	}
}

// setState is called with cb.mu held.
func (cb *circuitBreaker) setState(newState ports.CircuitBreakerState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.logger.Info("circuit breaker state change",
		"from", oldState.String(),
		"to", newState.String(),
		"consecutive_failures", cb.consecutiveFailure,
		"consecutive_successes", cb.consecutiveSuccess)

	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0

	switch newState {
	case ports.StateOpen:
		cb.nextRetry = cb.now().Add(cb.config.OpenTimeout)
		cb.consecutiveSuccess = 0
	case ports.StateHalfOpen:
		cb.consecutiveFailure = 0
	case ports.StateClose:
		cb.nextRetry = time.Time{}
		cb.consecutiveFailure = 0
	}

	metrics.RecordCircuitStateChange(newState.String())
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, oldState, newState)
	}
}

func (cb *circuitBreaker) State() ports.CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *circuitBreaker) Metrics() ports.CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return ports.CircuitBreakerMetrics{
		State:              cb.state,
		FailureCount:       cb.failureCount,
		SuccessCount:       cb.successCount,
		ConsecutiveSuccess: cb.consecutiveSuccess,
		ConsecutiveFailure: cb.consecutiveFailure,
		LastStateChange:    cb.lastStateChange,
		RequestsRejected:   atomic.LoadInt64(&cb.requestsRejected),
	}
}
