package handler

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobplatform/internal/api/dto"
	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/storage"
)

const maxSubmitBodyBytes = 1 << 20

// SubmitJob handles POST /submit_job and POST /api/v1/jobs.
// The body is {"job_type": ..., "payload": {...}}. When job_type is passed as a query
// parameter instead, a body without job_type is taken as the payload itself.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSubmitBodyBytes)

	var req dto.SubmitJobRequest
	if err := c.ShouldBindBodyWithJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: "Request body too large"})
			return
		}
		// an empty body is allowed when job_type comes from the query
		if len(bytes.TrimSpace(submittedBody(c))) > 0 {
			h.logger.Debug("Invalid request body", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
			return
		}
	}

	if req.JobType == "" {
		if queryType := c.Query("job_type"); queryType != "" {
			req.JobType = queryType
			if len(req.Payload) == 0 {
				req.Payload = submittedBody(c)
			}
		}
	}

	taskID, err := h.service.Submit(c.Request.Context(), req.JobType, req.Payload)
	if err != nil {
		h.respondError(c, err, "Task not found")
		return
	}

	c.JSON(http.StatusOK, dto.SubmitJobResponse{TaskID: taskID})
}

// submittedBody returns the raw body cached by ShouldBindBodyWithJSON
func submittedBody(c *gin.Context) []byte {
	body, _ := c.Get(gin.BodyBytesKey)
	raw, _ := body.([]byte)
	return raw
}

// GetJobStatus handles GET /get_job_status/:task_id
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	taskID := c.Param("task_id")

	// ids are always UUIDs, anything else cannot exist
	if _, err := uuid.Parse(taskID); err != nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Task not found"})
		return
	}

	status, err := h.service.GetStatus(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err, "Task not found")
		return
	}

	c.JSON(http.StatusOK, dto.NewJobStatusResponse(status))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Debug("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return
	}

	job, err := h.service.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Job not found")
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Debug("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Debug("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	filter := storage.JobFilter{
		JobType:  req.JobType,
		State:    domain.State(strings.ToUpper(req.Status)),
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, next, err := h.service.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err, "Job not found")
		return
	}

	resp := dto.ListJobsResponse{
		Jobs:       make([]dto.JobDTO, len(jobs)),
		NextCursor: EncodeJobCursor(next),
	}
	for i, job := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(job)
	}

	c.JSON(http.StatusOK, resp)
}
