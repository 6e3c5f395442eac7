package domain

const (
	// ProtocolVersion is carried in every packet. Peers speaking another
	// version are treated as incompatible.
	ProtocolVersion = "4"
	RuntimeVersion  = "0.4.0"
)

type PacketType string

const (
	PacketRequest    PacketType = "REQ"
	PacketResponse   PacketType = "RES"
	PacketData       PacketType = "DATA"
	PacketError      PacketType = "ERR"
	PacketClose      PacketType = "CLOSE"
	PacketEvent      PacketType = "EVENT"
	PacketGossipReq  PacketType = "GOSSIP_REQ"
	PacketGossipRsp  PacketType = "GOSSIP_RSP"
	PacketDiscover   PacketType = "DISCOVER"
	PacketInfo       PacketType = "INFO"
	PacketDisconnect PacketType = "DISCONNECT"
)

// Packet is the envelope moved by transports. Exactly one body is set,
// matching Type.
type Packet struct {
	Type     PacketType     `json:"type"`
	Ver      string         `json:"ver"`
	Sender   string         `json:"sender"`
	// Host and Port tell the receiver how to reach the sender when it is not
	// yet part of its node table.
	Host     string         `json:"host,omitempty"`
	Port     int            `json:"port,omitempty"`
	Request  *RequestBody   `json:"request,omitempty"`
	Response *ResponseBody  `json:"response,omitempty"`
	Stream   *StreamBody    `json:"stream,omitempty"`
	Event    *EventBody     `json:"event,omitempty"`
	Gossip   *GossipMessage `json:"gossip,omitempty"`
	Info     Document       `json:"info,omitempty"`
}

type RequestBody struct {
	ID        string   `json:"id"`
	Action    string   `json:"action"`
	Params    Document `json:"params,omitempty"`
	Meta      Document `json:"meta,omitempty"`
	Timeout   int64    `json:"timeout"`
	Level     int      `json:"level"`
	ParentID  string   `json:"parentID,omitempty"`
	RequestID string   `json:"requestID"`
	Stream    bool     `json:"stream"`
}

type ResponseBody struct {
	ID      string       `json:"id"`
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Meta    Document     `json:"meta,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

type ErrorDetail struct {
	Name    string   `json:"name"`
	Message string   `json:"message"`
	Code    int      `json:"code"`
	NodeID  string   `json:"nodeID"`
	Data    Document `json:"data,omitempty"`
}

// StreamBody carries one DATA, ERROR or CLOSE packet of a request stream.
// Seq increases strictly per stream so the receiver can reorder chunks.
type StreamBody struct {
	ID          string     `json:"id"`
	RequestType PacketType `json:"requestType"`
	Seq         int64      `json:"seq"`
	Data        []byte     `json:"data,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type EventBody struct {
	ID        string   `json:"id"`
	Event     string   `json:"event"`
	Data      Document `json:"data,omitempty"`
	Meta      Document `json:"meta,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	Broadcast bool     `json:"broadcast"`
	Level     int      `json:"level"`
	ParentID  string   `json:"parentID,omitempty"`
	RequestID string   `json:"requestID"`
}
