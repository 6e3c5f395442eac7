package ports

// HealthStatus is what the metrics server reports on /health and /ready.
type HealthStatus struct {
	Healthy bool                   `json:"healthy"`
	Ready   bool                   `json:"ready"`
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type HealthProvider interface {
	Health() HealthStatus
}
