// Package health serves the HTTP status endpoints: the root banner, the
// public health check, and the kubernetes-style liveness and readiness
// probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/bus"
	"github.com/Ethereumistic/satoshigle-svelte-sub000/internal/v1/logging"
	"go.uber.org/zap"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Handler serves the status endpoints.
type Handler struct {
	redisService *bus.Service
	startedAt    time.Time
}

// NewHandler creates a health handler. A nil bus means single-instance
// mode and always reads as healthy.
func NewHandler(redisService *bus.Service) *Handler {
	return &Handler{
		redisService: redisService,
		startedAt:    time.Now(),
	}
}

// Root handles GET /.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Satoshigle signaling server",
	})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"message":   "Server is running",
		"version":   Version,
	})
}

// Liveness handles GET /health/live. Returns 200 whenever the process is
// alive, no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 503 when the optional
// redis bus is configured but unreachable.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"redis": h.checkRedis(ctx),
	}

	status := "ready"
	statusCode := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
