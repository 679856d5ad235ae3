package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/utils"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checks map[string]HealthCheck
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. Readiness runs every check.
func NewHealthHandler(logger *zap.Logger, checks map[string]HealthCheck) *HealthHandler {
	if checks == nil {
		checks = map[string]HealthCheck{}
	}
	return &HealthHandler{
		checks: checks,
		logger: logger,
	}
}

// DatabaseCheck pings PostgreSQL and runs a trivial query
func DatabaseCheck(db *sql.DB) HealthCheck {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		var result int
		return db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	}
}

// RedisCheck pings the shared ledger
func RedisCheck(client redis.UniversalClient) HealthCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// HandleHealth handles GET /health
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /health/ready
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	allHealthy := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}
