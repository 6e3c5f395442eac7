package load_balancer

import (
	"sync"
	"time"
)

func UpdateEWMA(oldValue, newValue, alpha float64) float64 {
	if oldValue == 0 {
		return newValue
	}
	return oldValue*(1-alpha) + newValue*alpha
}

// latencyTracker keeps an exponentially weighted moving average of call
// round-trip times per node, in milliseconds.
type latencyTracker struct {
	mu      sync.RWMutex
	alpha   float64
	average map[string]float64
	updated map[string]time.Time
}

func newLatencyTracker(alpha float64) *latencyTracker {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &latencyTracker{
		alpha:   alpha,
		average: make(map[string]float64),
		updated: make(map[string]time.Time),
	}
}

func (t *latencyTracker) observe(nodeID string, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	if ms <= 0 {
		ms = 0.001
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.average[nodeID] = UpdateEWMA(t.average[nodeID], ms, t.alpha)
	t.updated[nodeID] = time.Now()
}

func (t *latencyTracker) get(nodeID string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	value, ok := t.average[nodeID]
	return value, ok
}

func (t *latencyTracker) forget(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.average, nodeID)
	delete(t.updated, nodeID)
}
