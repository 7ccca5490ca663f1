package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobplatform/internal/jobs"
)

const readinessTimeout = 2 * time.Second

// HealthHandler serves the liveness and readiness endpoints
type HealthHandler struct {
	logger      *slog.Logger
	serviceName string
	service     *jobs.Service
	checks      map[string]Checker
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:      deps.Logger,
		serviceName: deps.ServiceName,
		service:     deps.Service,
		checks:      deps.Checks,
	}
}

// Live handles GET /health and lists the job types this deployment accepts
func (h *HealthHandler) Live(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"service": h.serviceName,
	}
	if h.service != nil {
		body["job_types"] = h.service.JobTypes()
	}
	c.JSON(http.StatusOK, body)
}

// Ready handles GET /health/ready. Every check must pass.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ready := true
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			ready = false
			results[name] = err.Error()
			h.logger.Warn("Readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		results[name] = "ok"
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not_ready",
			"service": h.serviceName,
			"checks":  results,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ready",
		"service": h.serviceName,
		"checks":  results,
	})
}
