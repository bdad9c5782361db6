// Package health provides periodic health verification and the HTTP front
// door for the bridge.
package health

import "time"

// SystemStatus represents the overall health state.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Snapshot is the result of one verification pass.
type Snapshot struct {
	Status        SystemStatus `json:"status"`
	ConnectionOK  bool         `json:"connection_ok"`
	CredentialsOK bool         `json:"credentials_ok"`
	ResourcesOK   bool         `json:"resources_ok"`
	BackendOK     bool         `json:"backend_ok"`
	MemoryUsage   float64      `json:"memory_usage"`
	Timestamp     time.Time    `json:"timestamp"`
}
