package rate_limiter

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/eleven-am/mesh/internal/ports"
)

type entry struct {
	limiter      *rate.Limiter
	lastActivity atomic.Int64
	allowed      atomic.Int64
	denied       atomic.Int64
}

// KeyedLimiter keeps one token bucket per key. Buckets idle for longer than
// KeyExpiry are dropped by a background sweep.
type KeyedLimiter struct {
	name    string
	config  ports.RateLimiterConfig
	logger  *slog.Logger
	now     func() time.Time
	buckets sync.Map
	done    chan struct{}
	once    sync.Once
}

func NewRateLimiter(name string, config ports.RateLimiterConfig, logger *slog.Logger) *KeyedLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 100
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond)
		if config.BurstSize < 1 {
			config.BurstSize = 1
		}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.KeyExpiry <= 0 {
		config.KeyExpiry = 10 * time.Minute
	}

	rl := &KeyedLimiter{
		name:   name,
		config: config,
		logger: logger.With("component", "rate-limiter", "name", name),
		now:    time.Now,
		done:   make(chan struct{}),
	}

	go rl.cleanupExpiredKeys()

	return rl
}

func (rl *KeyedLimiter) getEntry(key string) *entry {
	if value, ok := rl.buckets.Load(key); ok {
		return value.(*entry)
	}

	fresh := &entry{
		limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
	}
	value, _ := rl.buckets.LoadOrStore(key, fresh)
	return value.(*entry)
}

func (rl *KeyedLimiter) Allow(key string) bool {
	e := rl.getEntry(key)
	e.lastActivity.Store(rl.now().UnixNano())

	if e.limiter.Allow() {
		e.allowed.Add(1)
		return true
	}
	e.denied.Add(1)
	return false
}

func (rl *KeyedLimiter) Forget(key string) {
	if value, ok := rl.buckets.LoadAndDelete(key); ok {
		e := value.(*entry)
		rl.logger.Debug("reset rate limiter", "key", key, "allowed", e.allowed.Load(), "denied", e.denied.Load())
	}
}

func (rl *KeyedLimiter) Close() {
	rl.once.Do(func() {
		close(rl.done)
	})
}

// Keys returns the number of tracked buckets.
func (rl *KeyedLimiter) Keys() int {
	count := 0
	rl.buckets.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (rl *KeyedLimiter) cleanupExpiredKeys() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.performCleanup()
		}
	}
}

func (rl *KeyedLimiter) performCleanup() {
	now := rl.now().UnixNano()
	expiry := rl.config.KeyExpiry.Nanoseconds()
	deleted := 0

	rl.buckets.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		if now-e.lastActivity.Load() > expiry {
			rl.buckets.Delete(key)
			deleted++
		}
		return true
	})

	if deleted > 0 {
		rl.logger.Debug("cleaned up expired keys", "deleted", deleted)
	}
}
