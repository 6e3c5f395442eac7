package gossip

import (
	"fmt"

	"github.com/eleven-am/mesh/internal/domain"
)

type entryKind int

const (
	// [seq, cpuSeq, cpu]
	entryCompact entryKind = iota
	// [info, cpuSeq?, cpu?]
	entryFull
	// [cpuSeq, cpu]
	entryLoad
)

type onlineEntry struct {
	kind   entryKind
	info   domain.Document
	seq    int64
	cpuSeq int64
	cpu    int
}

func (e onlineEntry) hasLoad() bool {
	return e.cpuSeq > 0
}

func parseOnlineEntry(raw []interface{}) (onlineEntry, error) {
	if len(raw) == 0 {
		return onlineEntry{}, fmt.Errorf("empty online entry")
	}

	if info := domain.AsDocument(raw[0]); info != nil {
		entry := onlineEntry{kind: entryFull, info: info}
		seq, _ := info.Int64(domain.InfoSeq)
		entry.seq = seq
		if len(raw) >= 3 {
			cpuSeq, cpu, err := parseLoad(raw[1], raw[2])
			if err != nil {
				return onlineEntry{}, err
			}
			entry.cpuSeq = cpuSeq
			entry.cpu = cpu
		}
		return entry, nil
	}

	switch len(raw) {
	case 2:
		cpuSeq, cpu, err := parseLoad(raw[0], raw[1])
		if err != nil {
			return onlineEntry{}, err
		}
		return onlineEntry{kind: entryLoad, cpuSeq: cpuSeq, cpu: cpu}, nil
	case 3:
		seq, ok := domain.ToInt64(raw[0])
		if !ok {
			return onlineEntry{}, fmt.Errorf("malformed seq %v", raw[0])
		}
		cpuSeq, cpu, err := parseLoad(raw[1], raw[2])
		if err != nil {
			return onlineEntry{}, err
		}
		return onlineEntry{kind: entryCompact, seq: seq, cpuSeq: cpuSeq, cpu: cpu}, nil
	default:
		return onlineEntry{}, fmt.Errorf("unexpected online entry of length %d", len(raw))
	}
}

func parseLoad(rawSeq, rawCPU interface{}) (int64, int, error) {
	cpuSeq, ok := domain.ToInt64(rawSeq)
	if !ok {
		return 0, 0, fmt.Errorf("malformed cpuSeq %v", rawSeq)
	}
	cpu, ok := domain.ToInt64(rawCPU)
	if !ok {
		return 0, 0, fmt.Errorf("malformed cpu %v", rawCPU)
	}
	return cpuSeq, int(cpu), nil
}

func compactEntry(snap domain.NodeSnapshot) []interface{} {
	return []interface{}{snap.Seq, snap.CPUSeq, snap.CPU}
}

// fullEntry carries the info document, plus load when any was ever
// recorded. Nodes whose info is still pending fall back to the compact form.
func fullEntry(snap domain.NodeSnapshot) []interface{} {
	if snap.InfoStale || snap.Info.IsEmpty() {
		return compactEntry(snap)
	}
	entry := []interface{}{snap.Info}
	if snap.CPUSeq > 0 {
		entry = append(entry, snap.CPUSeq, snap.CPU)
	}
	return entry
}

func loadEntry(snap domain.NodeSnapshot) []interface{} {
	return []interface{}{snap.CPUSeq, snap.CPU}
}

// appendState adds the authoritative local view of a node to msg. Hidden
// nodes are never advertised.
func appendState(msg *domain.GossipMessage, snap domain.NodeSnapshot) {
	switch {
	case snap.Hidden():
		return
	case snap.Online():
		msg.Online[snap.NodeID] = fullEntry(snap)
	default:
		msg.Offline[snap.NodeID] = snap.Seq
	}
}

func checkVersion(msg *domain.GossipMessage) error {
	if msg == nil {
		return domain.NewValidationError("message", nil, "must not be nil")
	}
	if msg.Ver != domain.ProtocolVersion {
		return fmt.Errorf("%w: got %q from %s, want %q", domain.ErrVersionMismatch, msg.Ver, msg.Sender, domain.ProtocolVersion)
	}
	return nil
}
