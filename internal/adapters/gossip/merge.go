package gossip

import (
	"github.com/eleven-am/mesh/internal/adapters/metrics"
	"github.com/eleven-am/mesh/internal/domain"
)

// ProcessRequest merges an incoming gossip request and returns the
// corrections the sender needs. Nodes both sides agree on are omitted, so
// an empty response means the views already match.
func (e *Engine) ProcessRequest(msg *domain.GossipMessage) (*domain.GossipMessage, error) {
	if err := checkVersion(msg); err != nil {
		if !domain.IsValidationError(err) {
			metrics.RecordVersionMismatch()
		}
		return nil, err
	}

	response := domain.NewGossipMessage(e.nodeID)
	listed := make(map[string]struct{}, len(msg.Online)+len(msg.Offline))

	for nodeID, raw := range msg.Online {
		listed[nodeID] = struct{}{}
		entry, err := parseOnlineEntry(raw)
		if err != nil || entry.kind != entryCompact || entry.seq < 1 {
			e.logger.Debug("skipped malformed online entry", "peer_id", msg.Sender, "node", nodeID, "error", err)
			continue
		}
		node := e.lookup(nodeID)
		if node == nil {
			continue
		}
		e.mergeRequestOnline(response, node, entry)
	}

	for nodeID, seq := range msg.Offline {
		listed[nodeID] = struct{}{}
		if seq < 1 {
			continue
		}
		node := e.lookup(nodeID)
		if node == nil {
			continue
		}
		e.mergeRequestOffline(response, node, seq)
	}

	if _, ok := listed[e.nodeID]; !ok {
		appendState(response, e.local.Snapshot())
	}
	for _, node := range e.nodes.all() {
		if _, ok := listed[node.NodeID()]; ok {
			continue
		}
		appendState(response, node.Snapshot())
	}

	return response, nil
}

func (e *Engine) mergeRequestOnline(response *domain.GossipMessage, node *domain.NodeDescriptor, entry onlineEntry) {
	local := node.Snapshot()

	switch {
	case entry.seq < local.Seq:
		appendState(response, local)

	case entry.seq > local.Seq:
		if node.IsLocal() {
			e.refute(entry.seq)
			appendState(response, e.local.Snapshot())
			return
		}
		if _, err := node.AdoptSeq(entry.seq); err != nil {
			return
		}
		e.adoptLoad(node, entry)
		after := node.Snapshot()
		e.applyTransition(local, after, false)
		if after.InfoStale {
			e.requestInfo(node.NodeID())
		}

	default:
		if !local.Online() {
			// Same seq, but we saw the node fail. Echo the offline entry so
			// the node itself learns of it and refutes.
			response.Offline[local.NodeID] = local.Seq
			return
		}
		switch {
		case entry.cpuSeq > local.CPUSeq:
			if node.IsLocal() {
				// Peers remember a load clock from a previous incarnation;
				// jump past it so our own samples are accepted again.
				_, _ = node.UpdateCPUSeq(entry.cpuSeq+1, local.CPU)
				response.Online[local.NodeID] = loadEntry(node.Snapshot())
				return
			}
			e.adoptLoad(node, entry)
		case entry.cpuSeq < local.CPUSeq:
			response.Online[local.NodeID] = loadEntry(local)
		}
	}
}

func (e *Engine) mergeRequestOffline(response *domain.GossipMessage, node *domain.NodeDescriptor, seq int64) {
	local := node.Snapshot()

	if node.IsLocal() {
		if seq >= local.Seq {
			e.refute(seq)
		}
		appendState(response, e.local.Snapshot())
		return
	}

	switch {
	case seq > local.Seq:
		if _, err := node.MarkAsOfflineSeq(seq); err != nil {
			return
		}
		e.applyTransition(local, node.Snapshot(), true)
	case seq < local.Seq:
		appendState(response, local)
	}
}

// ProcessResponse applies the corrections a peer sent back. It never
// produces further messages except DISCOVER requests for missing info.
func (e *Engine) ProcessResponse(msg *domain.GossipMessage) error {
	if err := checkVersion(msg); err != nil {
		if !domain.IsValidationError(err) {
			metrics.RecordVersionMismatch()
		}
		return err
	}

	for nodeID, raw := range msg.Online {
		entry, err := parseOnlineEntry(raw)
		if err != nil {
			e.logger.Debug("skipped malformed online entry", "peer_id", msg.Sender, "node", nodeID, "error", err)
			continue
		}
		e.mergeResponseOnline(nodeID, entry)
	}

	for nodeID, seq := range msg.Offline {
		if seq < 1 {
			continue
		}
		node := e.lookup(nodeID)
		if node == nil {
			continue
		}
		local := node.Snapshot()
		if node.IsLocal() {
			if seq >= local.Seq {
				e.refute(seq)
			}
			continue
		}
		changed, err := node.MarkAsOfflineSeq(seq)
		if err != nil || !changed {
			continue
		}
		e.applyTransition(local, node.Snapshot(), true)
	}

	return nil
}

func (e *Engine) mergeResponseOnline(nodeID string, entry onlineEntry) {
	node := e.lookup(nodeID)

	if node != nil && node.IsLocal() {
		if entry.kind != entryLoad && entry.seq > node.Seq() {
			e.refute(entry.seq)
		}
		return
	}

	switch entry.kind {
	case entryFull:
		if node == nil {
			e.createFromInfo(nodeID, entry)
			return
		}
		before := node.Snapshot()
		if _, err := node.MarkAsOnline(entry.info); err != nil {
			e.logger.Debug("rejected info entry", "node", nodeID, "error", err)
			return
		}
		e.adoptLoad(node, entry)
		after := node.Snapshot()
		if before.Host != after.Host || before.Port != after.Port {
			e.persistPeer(nodeID, after.Host, after.Port)
		}
		e.applyTransition(before, after, false)

	case entryLoad:
		if node == nil {
			return
		}
		e.adoptLoad(node, entry)

	case entryCompact:
		if node == nil || entry.seq < 1 {
			return
		}
		before := node.Snapshot()
		switch {
		case entry.seq > before.Seq:
			if _, err := node.AdoptSeq(entry.seq); err != nil {
				return
			}
			e.adoptLoad(node, entry)
			after := node.Snapshot()
			e.applyTransition(before, after, false)
			if after.InfoStale {
				e.requestInfo(nodeID)
			}
		case entry.seq == before.Seq:
			e.adoptLoad(node, entry)
		}
	}
}

func (e *Engine) createFromInfo(nodeID string, entry onlineEntry) {
	created, err := domain.NewRemoteNodeFromInfo(nodeID, entry.info, e.nodeOptions()...)
	if err != nil {
		e.logger.Debug("rejected info for unknown node", "node", nodeID, "error", err)
		return
	}
	e.adoptLoad(created, entry)

	node, added := e.nodes.putIfAbsent(created)
	if !added {
		// Lost a race with another merge; apply the entry to the winner.
		e.mergeResponseOnline(nodeID, entry)
		return
	}
	node.Touch()

	snap := node.Snapshot()
	e.persistPeer(nodeID, snap.Host, snap.Port)
	e.applyTransition(domain.NodeSnapshot{NodeID: nodeID}, snap, false)
}

// ProcessInfo applies a full info document pushed in an INFO packet.
func (e *Engine) ProcessInfo(sender string, info domain.Document) error {
	if sender == "" {
		return domain.NewValidationError("sender", sender, "must not be empty")
	}
	if sender == e.nodeID {
		return nil
	}
	if info.IsEmpty() {
		return domain.NewValidationError("info", info, "must not be empty")
	}

	node := e.nodes.get(sender)
	if node == nil {
		seq, _ := info.Int64(domain.InfoSeq)
		e.createFromInfo(sender, onlineEntry{kind: entryFull, info: info, seq: seq})
		if e.nodes.get(sender) == nil {
			return domain.NewValidationError("info", sender, "could not build node from info")
		}
		return nil
	}

	before := node.Snapshot()
	changed, err := node.MarkAsOnline(info)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	after := node.Snapshot()
	e.persistPeer(sender, after.Host, after.Port)
	e.applyTransition(before, after, false)
	return nil
}

func (e *Engine) adoptLoad(node *domain.NodeDescriptor, entry onlineEntry) {
	if !entry.hasLoad() {
		return
	}
	if _, err := node.UpdateCPUSeq(entry.cpuSeq, entry.cpu); err != nil {
		e.logger.Debug("rejected load entry", "node", node.NodeID(), "error", err)
	}
}

// refute answers a rumor about this node by moving its seq past the rumored
// value.
func (e *Engine) refute(rumored int64) {
	seq := e.local.Refute(rumored)
	e.persistSeq(seq)
	e.logger.Info("refuted rumor about local node", "rumored_seq", rumored, "seq", seq)
}

// usable reports whether endpoints of a node may be routed to.
func usable(snap domain.NodeSnapshot) bool {
	return snap.Online() && !snap.Hidden() && !snap.InfoStale
}

// applyTransition compares two snapshots of the same node and tells the
// listeners what changed. Called without holding any descriptor lock.
func (e *Engine) applyTransition(before, after domain.NodeSnapshot, unexpected bool) {
	wasUsable := usable(before)
	isUsable := usable(after)

	if after.Online() && !before.Online() {
		// Start the failure detector clock at the transition.
		if node := e.nodes.get(after.NodeID); node != nil {
			node.Touch()
		}
	}

	switch {
	case !wasUsable && isUsable:
		_, reconnected := e.connected.LoadOrStore(after.NodeID, struct{}{})
		if reconnected {
			metrics.RecordNodeTransition("reconnected")
		} else {
			metrics.RecordNodeTransition("connected")
		}
		e.logger.Info("node connected",
			"peer_id", after.NodeID,
			"seq", after.Seq,
			"host", after.Host,
			"port", after.Port,
			"reconnected", reconnected)
		for _, listener := range e.snapshotListeners() {
			listener.NodeConnected(after.NodeID, after.Info, reconnected)
		}

	case wasUsable && !after.Online():
		metrics.RecordNodeTransition("disconnected")
		if e.limiter != nil {
			e.limiter.Forget(after.NodeID)
		}
		e.logger.Info("node disconnected",
			"peer_id", after.NodeID,
			"seq", after.Seq,
			"unexpected", unexpected)
		for _, listener := range e.snapshotListeners() {
			listener.NodeDisconnected(after.NodeID, unexpected)
		}

	case wasUsable && isUsable && after.Seq != before.Seq:
		metrics.RecordNodeTransition("updated")
		e.logger.Debug("node updated", "peer_id", after.NodeID, "seq", after.Seq)
		for _, listener := range e.snapshotListeners() {
			listener.NodeUpdated(after.NodeID, after.Info)
		}
	}
}
