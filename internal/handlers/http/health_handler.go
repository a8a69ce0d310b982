package http

import (
	"context"
	"net/http"
	"time"

	"panelrelay/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// Checker aggregates readiness checks.
type Checker interface {
	CheckAll(ctx context.Context) monitoring.HealthStatus
}

type HealthHandler struct {
	checker Checker
	started time.Time
}

func NewHealthHandler(checker Checker) *HealthHandler {
	return &HealthHandler{checker: checker, started: time.Now()}
}

// Health is liveness: it answers as long as the process serves HTTP.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": monitoring.StatusHealthy,
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// Ready reports 503 when any dependency check fails.
func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
