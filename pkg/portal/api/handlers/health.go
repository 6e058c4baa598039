package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthCheckTimeout is the maximum time allowed for readiness checks, so
// a slow dependency cannot block health probes indefinitely.
const HealthCheckTimeout = 5 * time.Second

// ReadinessCheck probes one dependency (database, session ledger, storage
// backend). A nil return means ready.
type ReadinessCheck func(ctx context.Context) error

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated and provide:
//   - Liveness probe: Is the server process running?
//   - Readiness probe: Are the database, ledger, and storage backend reachable?
type HealthHandler struct {
	checks    map[string]ReadinessCheck
	startTime time.Time
}

// NewHealthHandler creates a new health handler with named readiness checks.
func NewHealthHandler(checks map[string]ReadinessCheck) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		startTime: time.Now(),
	}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns 200 OK if the server process is running. This endpoint is designed
// for Kubernetes liveness probes and should always succeed as long as the
// HTTP server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	WriteJSON(w, http.StatusOK, healthyResponse(map[string]interface{}{
		"service":    "filevault",
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": int64(uptime.Seconds()),
	}))
}

// DependencyHealth represents the health status of one readiness dependency.
type DependencyHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Readiness handles GET /health/ready - readiness probe.
//
// Runs every registered check. Returns 200 OK if all dependencies are
// reachable, 503 Service Unavailable otherwise.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
	defer cancel()

	results := make([]DependencyHealth, 0, len(h.checks))
	allHealthy := true

	for name, check := range h.checks {
		start := time.Now()
		err := check(ctx)
		latency := time.Since(start)

		health := DependencyHealth{
			Name:    name,
			Status:  "healthy",
			Latency: latency.String(),
		}
		if err != nil {
			health.Status = "unhealthy"
			health.Error = err.Error()
			allHealthy = false
		}

		results = append(results, health)
	}

	if allHealthy {
		WriteJSON(w, http.StatusOK, healthyResponse(results))
	} else {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponseWithData(results))
	}
}
