// Package health exposes Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/signalmesh/gateway/internal/v1/bus"
	"github.com/signalmesh/gateway/internal/v1/logging"
)

// Handler manages health check endpoints
type Handler struct {
	store *bus.Service
}

// NewHandler creates a new health check handler
func NewHandler(store *bus.Service) *Handler {
	return &Handler{store: store}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if critical dependencies are healthy, 503 otherwise.
// A nil store means single-instance mode and counts as healthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"redis": "healthy"}
	status := http.StatusOK
	overall := "ready"

	if err := h.store.Ping(ctx); err != nil {
		logging.Warn(ctx, "Readiness check: Redis unreachable", zap.Error(err))
		checks["redis"] = "unhealthy"
		status = http.StatusServiceUnavailable
		overall = "not ready"
	}

	c.JSON(status, ReadinessResponse{
		Status:    overall,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
