// health.go - Health, readiness and liveness endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component.
// Only critical components can make the whole service unhealthy.
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
	critical  bool
}

const healthCheckTimeout = 5 * time.Second

// handleHealth reports every component. Only storage is critical; the audit
// database and the mirror are side channels and can only degrade.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// handleReady answers load balancer probes: can this instance accept uploads?
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Writable(uuid.NewString()); err != nil {
		s.requestLogger(r).Warn("readiness probe failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "not_ready",
			"message": "storage unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleLive provides a liveness probe (is the process running?)
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) checkHealth(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	health := Health{
		Timestamp:  time.Now(),
		Version:    s.cfg.Version,
		Components: make(map[string]ComponentHealth),
	}

	health.Components["storage"] = s.checkStorageHealth()
	if s.audit != nil {
		health.Components["database"] = s.checkDatabaseHealth(ctx)
	}
	if s.mirror != nil {
		health.Components["mirror"] = s.checkMirrorHealth(ctx)
	}

	health.Status = determineOverallHealth(health.Components)
	return health
}

func (s *Server) checkStorageHealth() ComponentHealth {
	start := time.Now()
	if err := s.store.Writable(uuid.NewString()); err != nil {
		return ComponentHealth{
			Status:   ComponentStatusDown,
			Message:  "storage directory not writable",
			critical: true,
		}
	}
	return ComponentHealth{
		Status:    ComponentStatusUp,
		Message:   "storage writable",
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
		critical:  true,
	}
}

func (s *Server) checkDatabaseHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	if err := s.audit.Ping(ctx); err != nil {
		return ComponentHealth{
			Status:  ComponentStatusDown,
			Message: "database ping failed: " + err.Error(),
		}
	}

	latency := time.Since(start).Milliseconds()
	status := ComponentStatusUp
	message := "database healthy"
	if latency > 1000 {
		status = ComponentStatusDegraded
		message = "database latency high"
	}
	return ComponentHealth{Status: status, Message: message, LatencyMs: float64(latency)}
}

func (s *Server) checkMirrorHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	stats := s.mirror.Stats()
	if err := s.mirror.Check(ctx); err != nil {
		return ComponentHealth{
			Status:  ComponentStatusDown,
			Message: "mirror check failed: " + err.Error(),
			Details: stats,
		}
	}

	status := ComponentStatusUp
	message := "mirror healthy"
	if stats.Breaker.State != StateClosed.String() {
		status = ComponentStatusDegraded
		message = "mirror circuit " + stats.Breaker.State
	}
	return ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMs: float64(time.Since(start).Milliseconds()),
		Details:   stats,
	}
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	result := HealthStatusHealthy
	for _, c := range components {
		switch {
		case c.Status == ComponentStatusDown && c.critical:
			return HealthStatusUnhealthy
		case c.Status != ComponentStatusUp:
			result = HealthStatusDegraded
		}
	}
	return result
}
