package http

import (
	"time"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// ErrorResponse is the body of every non-2xx JSON reply
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                   `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time                `json:"timestamp"`
	Uptime    string                   `json:"uptime"`
	Version   string                   `json:"version"`
	System    SystemInfo               `json:"system"`
	Database  *persistence.HealthCheck `json:"database,omitempty"`
	Checks    map[string]CheckResult   `json:"checks"`
}

// SystemInfo provides process-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// CheckResult represents one health check
type CheckResult struct {
	Status   string        `json:"status"` // "pass", "warn", "fail"
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// RunResponse is the latest run with its gate outcomes and ticket pointer
type RunResponse struct {
	Run      domain.Run          `json:"run"`
	Gates    []domain.GateResult `json:"gates"`
	TicketID string              `json:"ticket_id,omitempty"`
	Decision domain.TicketType   `json:"decision_type,omitempty"`
}
