package gossip

import (
	"strconv"

	json "github.com/goccy/go-json"
)

const (
	seqKeyPrefix  = "mesh/seq/"
	peerKeyPrefix = "mesh/peers/"
)

type peerRecord struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// restore lifts the local seq past the last persisted one and re-registers
// known peers as hidden nodes.
func (e *Engine) restore() error {
	if e.storage == nil {
		return nil
	}

	value, exists, err := e.storage.Get(seqKeyPrefix + e.nodeID)
	if err != nil {
		return err
	}
	if exists {
		previous, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return err
		}
		seq := e.local.RestoreSeq(previous)
		e.persistSeq(seq)
		e.logger.Info("restored local seq", "previous_seq", previous, "seq", seq)
	}

	peers, err := e.storage.ListByPrefix(peerKeyPrefix)
	if err != nil {
		return err
	}
	for _, kv := range peers {
		nodeID := kv.Key[len(peerKeyPrefix):]
		var record peerRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			e.logger.Debug("skipped unreadable peer record", "peer_id", nodeID, "error", err)
			continue
		}
		if _, err := e.RegisterAsNewNode(nodeID, record.Host, record.Port); err != nil {
			e.logger.Debug("skipped invalid peer record", "peer_id", nodeID, "error", err)
		}
	}
	return nil
}

func (e *Engine) persistSeq(seq int64) {
	if e.storage == nil {
		return
	}
	if err := e.storage.Put(seqKeyPrefix+e.nodeID, []byte(strconv.FormatInt(seq, 10))); err != nil {
		e.logger.Warn("failed to persist local seq", "seq", seq, "error", err)
	}
}

func (e *Engine) persistPeer(nodeID, host string, port int) {
	if e.storage == nil || host == "" || port < 1 {
		return
	}
	data, err := json.Marshal(peerRecord{Host: host, Port: port})
	if err != nil {
		return
	}
	if err := e.storage.Put(peerKeyPrefix+nodeID, data); err != nil {
		e.logger.Warn("failed to persist peer", "peer_id", nodeID, "error", err)
	}
}

func (e *Engine) forgetPeer(nodeID string) {
	if e.storage == nil {
		return
	}
	if err := e.storage.Delete(peerKeyPrefix + nodeID); err != nil {
		e.logger.Warn("failed to delete peer", "peer_id", nodeID, "error", err)
	}
}
