package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// healthCheck is one dependency probed by /ready.
type healthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// healthHandler serves /health, /healthz, /ready, /readyz, and /version.
type healthHandler struct {
	logger *zap.Logger
	mu     sync.RWMutex
	checks []healthCheck
}

func newHealthHandler(logger *zap.Logger) *healthHandler {
	return &healthHandler{logger: logger}
}

func (h *healthHandler) registerCheck(c healthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

type checkResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type healthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]checkResult `json:"checks,omitempty"`
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleHealth is a bare liveness check: the process is running.
func (h *healthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeHealthJSON(w, http.StatusOK, healthStatus{Status: "healthy", Timestamp: time.Now()})
}

// handleReady runs every registered dependency check (database, Redis) and
// reports 503 if any of them fail, so a load balancer stops routing
// traffic here before the gateway starts rejecting requests outright.
func (h *healthHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]healthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := healthStatus{Status: "healthy", Timestamp: time.Now(), Checks: map[string]checkResult{}}
	allHealthy := true
	for _, c := range checks {
		start := time.Now()
		err := c.Check(ctx)
		latency := time.Since(start)
		result := checkResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false
			h.logger.Warn("health check failed", zap.String("check", c.Name()), zap.Error(err), zap.Duration("latency", latency))
		}
		status.Checks[c.Name()] = result
	}

	if !allHealthy {
		status.Status = "unhealthy"
		writeHealthJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeHealthJSON(w, http.StatusOK, status)
}

func (h *healthHandler) handleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealthJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// databaseHealthCheck pings the SQL repository backend.
type databaseHealthCheck struct {
	ping func(ctx context.Context) error
}

func (c *databaseHealthCheck) Name() string                   { return "database" }
func (c *databaseHealthCheck) Check(ctx context.Context) error { return c.ping(ctx) }

// redisHealthCheck pings the shared Redis instance backing rate limiting,
// selection, breaker state, and session snapshots.
type redisHealthCheck struct {
	ping func(ctx context.Context) error
}

func (c *redisHealthCheck) Name() string                   { return "redis" }
func (c *redisHealthCheck) Check(ctx context.Context) error { return c.ping(ctx) }
