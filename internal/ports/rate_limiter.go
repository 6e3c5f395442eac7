package ports

import (
	"time"
)

type RateLimiterConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	KeyExpiry         time.Duration `json:"key_expiry" yaml:"key_expiry"`
}

// RateLimiter throttles work per key, e.g. per remote node.
type RateLimiter interface {
	Allow(key string) bool
	Forget(key string)
	Close()
}
