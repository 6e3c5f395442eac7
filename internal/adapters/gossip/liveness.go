package gossip

import (
	"context"
	"time"
)

// heartbeat samples local load and runs the failure detector and the
// eviction of long-offline nodes.
func (e *Engine) heartbeat(ctx context.Context) {
	if e.sampler != nil {
		cpu, err := e.sampler()
		if err != nil {
			e.logger.Debug("cpu sample failed", "error", err)
		} else if err := e.UpdateLocalCPU(cpu); err != nil {
			e.logger.Debug("cpu sample rejected", "cpu", cpu, "error", err)
		}
	}

	now := e.now()
	e.DetectFailures(now)
	e.EvictOffline(now)
}

// DetectFailures marks remote nodes offline when neither direct contact nor
// a gossiped load update was observed within FailureTimeout. The resulting
// offline entry spreads through gossip and a live node refutes it.
func (e *Engine) DetectFailures(now time.Time) []string {
	if e.config.FailureTimeout <= 0 {
		return nil
	}
	deadline := now.Add(-e.config.FailureTimeout).UnixMilli()

	var failed []string
	for _, node := range e.nodes.all() {
		snap := node.Snapshot()
		if !snap.Online() || snap.Hidden() {
			continue
		}
		last := snap.LastSeen
		if snap.CPUWhen > last {
			last = snap.CPUWhen
		}
		if last == 0 || last >= deadline {
			continue
		}
		if e.markOffline(snap.NodeID, true) {
			e.logger.Warn("node failed to report in time",
				"peer_id", snap.NodeID,
				"last_seen_ms", now.UnixMilli()-last)
			failed = append(failed, snap.NodeID)
		}
	}
	return failed
}

// EvictOffline removes remote nodes that stayed offline longer than
// OfflineTimeout.
func (e *Engine) EvictOffline(now time.Time) []string {
	if e.config.OfflineTimeout <= 0 {
		return nil
	}
	deadline := now.Add(-e.config.OfflineTimeout).UnixMilli()

	var evicted []string
	for _, node := range e.nodes.all() {
		snap := node.Snapshot()
		if snap.Online() || snap.OfflineSince > deadline {
			continue
		}
		if !e.nodes.remove(snap.NodeID) {
			continue
		}
		e.forgetPeer(snap.NodeID)
		e.connected.Delete(snap.NodeID)
		if e.limiter != nil {
			e.limiter.Forget(snap.NodeID)
		}
		e.logger.Info("evicted offline node",
			"peer_id", snap.NodeID,
			"offline_for", now.Sub(time.UnixMilli(snap.OfflineSince)))
		evicted = append(evicted, snap.NodeID)
	}
	return evicted
}
