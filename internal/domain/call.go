package domain

import "time"

// CallOptions tune a single action call.
type CallOptions struct {
	// NodeID pins the call to one node and bypasses endpoint selection.
	NodeID string `json:"nodeID,omitempty"`
	// Timeout in milliseconds. Zero means no deadline.
	Timeout int64 `json:"timeout,omitempty"`
	// RetryCount bounds how many other endpoints are tried after a failure.
	RetryCount int `json:"retryCount,omitempty"`
	// Meta is merged into the metadata inherited from the parent call.
	Meta Document `json:"meta,omitempty"`
}

func (o CallOptions) TimeoutDuration() time.Duration {
	return time.Duration(o.Timeout) * time.Millisecond
}
