package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/s8ken/yseeku-platform-sub013/internal/security"
	"github.com/s8ken/yseeku-platform-sub013/internal/signing"
)

// HealthHandler serves the liveness endpoint with aggregate subsystem
// health.
type HealthHandler struct {
	manager *security.Manager
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(manager *security.Manager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

// Healthz handles GET /healthz. A degraded backend still answers 200 so
// load balancers keep routing; only an unusable one flips to 503.
func (h *HealthHandler) Healthz(c *gin.Context) {
	health := h.manager.Health(c.Request.Context())

	code := http.StatusOK
	if !health.Initialized || health.Signing.State == signing.HealthDown {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}
