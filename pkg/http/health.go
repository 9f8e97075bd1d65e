package http

import (
	"net/http"
	"runtime"
	"time"

	"voice-relay/pkg/version"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines  int    `json:"goroutines"`
	MemoryMB    uint64 `json:"memory_mb"`
	CPUCount    int    `json:"cpu_count"`
	ActiveCalls int64  `json:"active_calls"`
}

// HealthHandler handles health check requests. A disconnected broker only
// degrades the service; calls still work without event publishing.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    make(map[string]CheckResult),
	}

	if s.relay != nil {
		health.Checks["relay"] = CheckResult{Status: "healthy", Message: "Relay accepting calls"}
		health.System.ActiveCalls = s.relay.ActiveCalls()
	} else {
		health.Checks["relay"] = CheckResult{Status: "unhealthy", Message: "Relay not initialized"}
		health.Status = "unhealthy"
	}

	if s.amqpClient != nil {
		if s.amqpClient.IsConnected() {
			health.Checks["amqp"] = CheckResult{Status: "healthy", Message: "AMQP connected"}
		} else {
			health.Checks["amqp"] = CheckResult{Status: "degraded", Message: "AMQP disconnected"}
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	health.System.GoRoutines = runtime.NumGoroutine()
	health.System.MemoryMB = mem.Alloc / 1024 / 1024
	health.System.CPUCount = runtime.NumCPU()

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// LivenessHandler reports that the process is serving requests
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
