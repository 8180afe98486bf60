package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brandlens/brandlens-backend/internal/http/response"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/services"
)

type HealthHandler struct {
	svc services.HealthService
	log *logger.Logger
}

func NewHealthHandler(svc services.HealthService, baseLog *logger.Logger) *HealthHandler {
	return &HealthHandler{svc: svc, log: baseLog.With("handler", "health")}
}

// Liveness answers load balancer probes without touching the database.
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// System reports queue depth, breaker states and open alerts for the
// operator dashboard.
func (h *HealthHandler) System(c *gin.Context) {
	health, err := h.svc.GetSystemHealth(c.Request.Context())
	if err != nil {
		h.log.Error("system health failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	status := http.StatusOK
	if health.Status == services.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}
