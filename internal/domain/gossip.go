package domain

// GossipMessage is both the gossip request and the gossip response.
//
// Online entries take one of three shapes:
//
//	[seq, cpuSeq, cpu]      compact state, used in requests
//	[info, cpuSeq, cpu]     full info document, cpu part optional
//	[cpuSeq, cpu]           load correction only
//
// Offline entries carry the seq at which the node went offline.
type GossipMessage struct {
	Ver     string                   `json:"ver"`
	Sender  string                   `json:"sender"`
	Online  map[string][]interface{} `json:"online,omitempty"`
	Offline map[string]int64         `json:"offline,omitempty"`
}

func NewGossipMessage(sender string) *GossipMessage {
	return &GossipMessage{
		Ver:     ProtocolVersion,
		Sender:  sender,
		Online:  make(map[string][]interface{}),
		Offline: make(map[string]int64),
	}
}

func (m *GossipMessage) IsEmpty() bool {
	return m == nil || (len(m.Online) == 0 && len(m.Offline) == 0)
}
