package ports

import (
	"time"
)

type CircuitBreakerState int

const (
	StateClose CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClose:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout"`
	MaxRequests      int           `json:"max_requests" yaml:"max_requests"`
	OnStateChange    func(name string, from, to CircuitBreakerState)
}

type CircuitBreakerMetrics struct {
	State              CircuitBreakerState `json:"state"`
	FailureCount       int64               `json:"failure_count"`
	SuccessCount       int64               `json:"success_count"`
	ConsecutiveSuccess int64               `json:"consecutive_success"`
	ConsecutiveFailure int64               `json:"consecutive_failure"`
	LastStateChange    time.Time           `json:"last_state_change"`
	RequestsRejected   int64               `json:"requests_rejected"`
}

// CircuitBreaker guards one remote endpoint. Callers ask Allow before a
// request and report its outcome with Record.
type CircuitBreaker interface {
	Allow() bool
	Record(err error)
	State() CircuitBreakerState
	Metrics() CircuitBreakerMetrics
}

type CircuitBreakerProvider interface {
	Get(name string) CircuitBreaker
	IsOpen(name string) bool
	Remove(prefix string)
	AllMetrics() map[string]CircuitBreakerMetrics
}
