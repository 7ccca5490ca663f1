package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobplatform/internal/api/dto"
	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/jobs"
)

// Checker is a dependency pinged by the readiness endpoint
type Checker interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Service     *jobs.Service
	ServiceName string
	// Checks are pinged by GET /health/ready, keyed by the name reported in the response
	Checks map[string]Checker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service *jobs.Service
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}

// respondError maps a service error onto an HTTP status
func (h *JobHandler) respondError(c *gin.Context, err error, notFound string) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: validationErr.Message})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: notFound})
	case domain.IsInfrastructure(err):
		h.logger.Error("Backend unavailable",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "Service temporarily unavailable"})
	default:
		h.logger.Error("Unexpected error",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Internal server error"})
	}
}
