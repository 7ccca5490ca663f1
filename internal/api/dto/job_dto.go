package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobplatform/internal/domain"
)

type SubmitJobRequest struct {
	JobType string          `json:"job_type"`
	Payload json.RawMessage `json:"payload"`
}

type SubmitJobResponse struct {
	TaskID string `json:"task_id"`
}

// JobStatusResponse is the client view of a job. Result is null unless the job succeeded.
type JobStatusResponse struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID     string          `json:"job_id"`
	JobType   string          `json:"job_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Attempt   int             `json:"attempt"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error,omitempty"`
	WorkerID  string          `json:"worker_id,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewJobStatusResponse(st *domain.Status) JobStatusResponse {
	return JobStatusResponse{
		TaskID: st.ID,
		Status: st.State.String(),
		Result: st.Result,
		Error:  st.Error,
	}
}

func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:     job.ID,
		JobType:   job.JobType,
		Payload:   job.Payload,
		Status:    job.State.String(),
		Attempt:   job.Attempt,
		Result:    job.Result,
		Error:     job.Error,
		WorkerID:  job.WorkerID,
		CreatedAt: job.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339Nano),
	}
}
