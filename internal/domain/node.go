package domain

import (
	"sync"
	"time"
)

// NodeDescriptor is the mutable record of one cluster member. Presence and
// info are versioned by seq, load is versioned independently by cpuSeq. All
// access goes through the embedded lock.
type NodeDescriptor struct {
	mu sync.RWMutex

	nodeID         string
	local          bool
	preferHostname bool
	now            func() time.Time

	host string
	port int

	seq          int64
	info         Document
	offlineSince int64
	infoStale    bool

	cpu      int
	cpuSeq   int64
	cpuWhen  int64
	cpuSeqAt int64

	lastSeen int64
}

// NodeSnapshot is a consistent copy of a descriptor taken under its read lock.
type NodeSnapshot struct {
	NodeID       string
	Local        bool
	Host         string
	Port         int
	Seq          int64
	Info         Document
	OfflineSince int64
	InfoStale    bool
	CPU          int
	CPUSeq       int64
	CPUWhen      int64
	LastSeen     int64
}

func (s NodeSnapshot) Online() bool {
	return s.OfflineSince == 0
}

func (s NodeSnapshot) Hidden() bool {
	return s.Seq == 0
}

type NodeOption func(*NodeDescriptor)

func WithNodeClock(now func() time.Time) NodeOption {
	return func(n *NodeDescriptor) {
		if now != nil {
			n.now = now
		}
	}
}

func WithPreferHostname(prefer bool) NodeOption {
	return func(n *NodeDescriptor) {
		n.preferHostname = prefer
	}
}

// NewLocalNode creates the descriptor of the running process. It starts
// online with seq 1.
func NewLocalNode(nodeID, host string, port int, info Document, opts ...NodeOption) (*NodeDescriptor, error) {
	if err := validateEndpoint(nodeID, host, port); err != nil {
		return nil, err
	}

	n := newDescriptor(nodeID, true, opts...)
	n.host = host
	n.port = port
	n.seq = 1
	n.info = info.Clone()
	if n.info == nil {
		n.info = Document{}
	}
	n.info[InfoSeq] = n.seq
	return n, nil
}

// NewRemoteNode creates a descriptor for a node that was registered but has
// never been confirmed. It stays offline and hidden (seq 0) until info or a
// newer seq arrives.
func NewRemoteNode(nodeID, host string, port int, opts ...NodeOption) (*NodeDescriptor, error) {
	if err := validateEndpoint(nodeID, host, port); err != nil {
		return nil, err
	}

	n := newDescriptor(nodeID, false, opts...)
	n.host = host
	n.port = port
	n.offlineSince = n.millis()
	return n, nil
}

// NewRemoteNodeFromInfo creates a descriptor from a full info document
// received in a gossip response.
func NewRemoteNodeFromInfo(nodeID string, info Document, opts ...NodeOption) (*NodeDescriptor, error) {
	if nodeID == "" {
		return nil, NewValidationError("nodeID", nodeID, "must not be empty")
	}

	n := newDescriptor(nodeID, false, opts...)
	n.offlineSince = n.millis()
	if _, err := n.MarkAsOnline(info); err != nil {
		return nil, err
	}
	return n, nil
}

func newDescriptor(nodeID string, local bool, opts ...NodeOption) *NodeDescriptor {
	n := &NodeDescriptor{
		nodeID:         nodeID,
		local:          local,
		preferHostname: true,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func validateEndpoint(nodeID, host string, port int) error {
	if nodeID == "" {
		return NewValidationError("nodeID", nodeID, "must not be empty")
	}
	if host == "" {
		return NewValidationError("host", host, "must not be empty")
	}
	if port < 1 {
		return NewValidationError("port", port, "must be at least 1")
	}
	return nil
}

func validateCPU(cpu int) error {
	if cpu < 0 || cpu > 100 {
		return NewValidationError("cpu", cpu, "must be between 0 and 100")
	}
	return nil
}

func (n *NodeDescriptor) millis() int64 {
	return n.now().UnixMilli()
}

func (n *NodeDescriptor) NodeID() string {
	return n.nodeID
}

func (n *NodeDescriptor) IsLocal() bool {
	return n.local
}

func (n *NodeDescriptor) IsOnline() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.offlineSince == 0
}

func (n *NodeDescriptor) IsHidden() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.seq == 0
}

func (n *NodeDescriptor) Seq() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.seq
}

func (n *NodeDescriptor) CPU() (cpu int, cpuSeq int64) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cpu, n.cpuSeq
}

func (n *NodeDescriptor) Info() Document {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info.Clone()
}

func (n *NodeDescriptor) Address() (string, int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.host, n.port
}

func (n *NodeDescriptor) Snapshot() NodeSnapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return NodeSnapshot{
		NodeID:       n.nodeID,
		Local:        n.local,
		Host:         n.host,
		Port:         n.port,
		Seq:          n.seq,
		Info:         n.info.Clone(),
		OfflineSince: n.offlineSince,
		InfoStale:    n.infoStale,
		CPU:          n.cpu,
		CPUSeq:       n.cpuSeq,
		CPUWhen:      n.cpuWhen,
		LastSeen:     n.lastSeen,
	}
}

// Touch records direct contact with the node.
func (n *NodeDescriptor) Touch() {
	n.mu.Lock()
	n.lastSeen = n.millis()
	n.mu.Unlock()
}

// UpdateCPU stores a locally measured load value. cpuSeq advances only when
// the value changes.
func (n *NodeDescriptor) UpdateCPU(cpu int) error {
	return n.RefreshCPU(cpu, 0)
}

// RefreshCPU is UpdateCPU that also advances cpuSeq once every interval
// while the value holds still, so that peers keep receiving newer load
// entries from a node under steady load.
func (n *NodeDescriptor) RefreshCPU(cpu int, every time.Duration) error {
	if err := validateCPU(cpu); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.millis()
	due := every > 0 && now-n.cpuSeqAt >= every.Milliseconds()
	if n.cpu != cpu || due {
		n.cpu = cpu
		n.cpuSeq++
		n.cpuSeqAt = now
	}
	n.cpuWhen = now
	return nil
}

// UpdateCPUSeq applies a gossiped load value. It is accepted only when
// cpuSeq is strictly greater than the stored one.
func (n *NodeDescriptor) UpdateCPUSeq(cpuSeq int64, cpu int) (bool, error) {
	if err := validateCPU(cpu); err != nil {
		return false, err
	}
	if cpuSeq < 1 {
		return false, NewValidationError("cpuSeq", cpuSeq, "must be at least 1")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if cpuSeq <= n.cpuSeq {
		return false, nil
	}
	n.cpu = cpu
	n.cpuSeq = cpuSeq
	n.cpuWhen = n.millis()
	return true, nil
}

// MarkAsOffline performs a local status change and advances seq so the
// transition wins against older online entries.
func (n *NodeDescriptor) MarkAsOffline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.offlineSince != 0 {
		return false
	}
	n.offlineSince = n.millis()
	n.seq++
	n.stampInfoSeq()
	return true
}

// MarkAsOfflineSeq applies a gossiped offline entry.
func (n *NodeDescriptor) MarkAsOfflineSeq(seq int64) (bool, error) {
	if seq < 1 {
		return false, NewValidationError("seq", seq, "must be at least 1")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if seq <= n.seq {
		return false, nil
	}
	n.seq = seq
	n.stampInfoSeq()
	if n.offlineSince == 0 {
		n.offlineSince = n.millis()
	}
	return true, nil
}

// MarkAsOnline applies a full info document. The document carries its own
// seq which must be strictly greater than the stored one, or equal while the
// stored info is known to be stale.
func (n *NodeDescriptor) MarkAsOnline(info Document) (bool, error) {
	if info.IsEmpty() {
		return false, NewValidationError("info", info, "must not be empty")
	}
	seq, ok := info.Int64(InfoSeq)
	if !ok || seq < 1 {
		return false, NewValidationError("seq", info[InfoSeq], "must be at least 1")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if seq < n.seq || (seq == n.seq && !n.infoStale) {
		return false, nil
	}

	host := HostOf(info, n.preferHostname)
	if host == "" {
		return false, NewValidationError("hostname", host, "missing or empty hostname")
	}
	port64, _ := info.Int64(InfoPort)
	if port64 < 1 {
		return false, NewValidationError("port", port64, "must be at least 1")
	}

	n.seq = seq
	n.info = info.Clone()
	n.host = host
	n.port = int(port64)
	n.offlineSince = 0
	n.infoStale = false
	return true, nil
}

// AdoptSeq applies a compact online entry carrying a newer seq. The node is
// considered online but its info is stale until a full document arrives.
func (n *NodeDescriptor) AdoptSeq(seq int64) (bool, error) {
	if seq < 1 {
		return false, NewValidationError("seq", seq, "must be at least 1")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if seq <= n.seq {
		return false, nil
	}
	n.seq = seq
	n.offlineSince = 0
	n.infoStale = true
	return true, nil
}

// Refute answers a rumor about this node. When the rumored seq is not older
// than the stored one, seq jumps past it so the next exchange overrides the
// rumor. Returns the resulting seq.
func (n *NodeDescriptor) Refute(rumored int64) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if rumored >= n.seq {
		n.seq = rumored + 1
	}
	n.offlineSince = 0
	n.stampInfoSeq()
	return n.seq
}

// UpdateInfo replaces the info of the local node and advances seq.
func (n *NodeDescriptor) UpdateInfo(info Document) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seq++
	n.info = info.Clone()
	if n.info == nil {
		n.info = Document{}
	}
	n.stampInfoSeq()
	return n.seq
}

// RestoreSeq lifts the seq of a freshly created local node past a value
// persisted by a previous incarnation.
func (n *NodeDescriptor) RestoreSeq(previous int64) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if previous >= n.seq {
		n.seq = previous + 1
		n.stampInfoSeq()
	}
	return n.seq
}

func (n *NodeDescriptor) stampInfoSeq() {
	if n.info != nil {
		n.info[InfoSeq] = n.seq
	}
}
