package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
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

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

// StorageDetails provides additional storage health information
type StorageDetails struct {
	AvailableBytes int64 `json:"available_bytes"`
	ReservedBytes  int64 `json:"reserved_bytes"`
}

// HealthCheck probes one component. Checks run with a 5s timeout.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) ComponentHealth
}

// slowProbe marks a reachable component as degraded.
const slowProbe = time.Second

// PingCheck reports a component down when ping fails and degraded when it
// answers slowly.
func PingCheck(name string, ping func(ctx context.Context) error) HealthCheck {
	return HealthCheck{Name: name, Check: func(ctx context.Context) ComponentHealth {
		start := time.Now()
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: ComponentStatusDown, Message: name + " unreachable: " + err.Error()}
		}
		latency := time.Since(start)
		h := ComponentHealth{Status: ComponentStatusUp, Message: name + " healthy", LatencyMs: float64(latency.Milliseconds())}
		if latency > slowProbe {
			h.Status = ComponentStatusDegraded
			h.Message = name + " latency high"
		}
		return h
	}}
}

// DiskCheck reports free space on a local backend. Below the reserve,
// uploads are refused, so the component is down; below twice the reserve
// it is degraded.
func DiskCheck(name string, free func() (int64, error), reserved int64) HealthCheck {
	return HealthCheck{Name: name, Check: func(context.Context) ComponentHealth {
		avail, err := free()
		if err != nil {
			return ComponentHealth{Status: ComponentStatusDegraded, Message: "could not read free space: " + err.Error()}
		}
		h := ComponentHealth{
			Status:  ComponentStatusUp,
			Message: "storage healthy",
			Details: StorageDetails{AvailableBytes: avail, ReservedBytes: reserved},
		}
		switch {
		case avail < reserved:
			h.Status = ComponentStatusDown
			h.Message = "free space below reserve"
		case avail < 2*reserved:
			h.Status = ComponentStatusDegraded
			h.Message = "storage running low"
		}
		return h
	}}
}

// HandleHealth provides a detailed health check endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	statusCode := http.StatusOK // degraded still serves
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// HandleReady is the readiness probe: every component must answer.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if s.checkHealth(r.Context()).Status == HealthStatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleLive provides a liveness probe (is the process running?)
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// checkHealth runs every registered check concurrently.
func (s *Server) checkHealth(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	type result struct {
		name string
		h    ComponentHealth
	}
	results := make(chan result, len(s.checks))
	for _, c := range s.checks {
		go func(c HealthCheck) {
			results <- result{name: c.Name, h: c.Check(ctx)}
		}(c)
	}

	health := Health{
		Timestamp:  time.Now().UTC(),
		Version:    s.cfg.Version,
		Components: make(map[string]ComponentHealth, len(s.checks)),
	}
	for range s.checks {
		res := <-results
		health.Components[res.name] = res.h
	}
	health.Status = determineOverallHealth(health.Components)
	return health
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for _, c := range components {
		switch c.Status {
		case ComponentStatusDown:
			return HealthStatusUnhealthy
		case ComponentStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
