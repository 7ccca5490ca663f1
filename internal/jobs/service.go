package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/queue"
	"github.com/cuongbtq/jobplatform/internal/storage"
)

// Service is the producer side of the platform: it validates submissions, records them
// and hands them to the queue, and answers status queries.
type Service struct {
	store    storage.Store
	queue    queue.Queue
	registry *Registry
	logger   *slog.Logger
}

// NewService creates a new Service instance
func NewService(store storage.Store, q queue.Queue, registry *Registry, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		queue:    q,
		registry: registry,
		logger:   logger,
	}
}

// Submit validates and records a new job, then enqueues it. Invalid submissions fail
// with a *domain.ValidationError and create nothing.
func (s *Service) Submit(ctx context.Context, jobType string, payload json.RawMessage) (string, error) {
	if jobType == "" {
		return "", domain.NewValidationError("job_type", "job_type is required", nil)
	}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return "", domain.NewValidationError("payload", "payload is required", domain.ErrInvalidPayload)
	}
	if !json.Valid(payload) {
		return "", domain.NewValidationError("payload", "payload must be valid JSON", domain.ErrInvalidPayload)
	}

	if err := s.registry.Validate(jobType, payload); err != nil {
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			return "", err
		}
		if errors.Is(err, domain.ErrUnknownJobType) {
			return "", domain.NewValidationError("job_type", "Invalid job_type. Use "+quoteTypes(s.registry.Types())+".", err)
		}
		return "", domain.NewValidationError("payload", err.Error(), err)
	}

	job, err := s.store.Create(ctx, jobType, payload)
	if err != nil {
		s.logger.Error("Failed to create job record",
			slog.String("job_type", jobType),
			slog.Any("error", err),
		)
		return "", err
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		// the record stays PENDING without a queue reference
		s.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.ID),
			slog.String("job_type", jobType),
			slog.Any("error", err),
		)
		return "", err
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
	)

	return job.ID, nil
}

// GetStatus returns the client view of a job. It never mutates anything.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*domain.Status, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Status(), nil
}

// GetJob returns the full job record
func (s *Service) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.store.Get(ctx, jobID)
}

// ListJobs returns a page of jobs, newest first
func (s *Service) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, *storage.JobCursor, error) {
	if filter.State != "" && !filter.State.Valid() {
		return nil, nil, domain.NewValidationError("status", "unknown job status "+string(filter.State), nil)
	}
	return s.store.List(ctx, filter)
}

// JobTypes returns the job types accepted by Submit
func (s *Service) JobTypes() []string {
	return s.registry.Types()
}

// quoteTypes renders ["data" "image"] as 'data' or 'image'
func quoteTypes(types []string) string {
	quoted := make([]string, len(types))
	for i, t := range types {
		quoted[i] = "'" + t + "'"
	}
	if len(quoted) <= 1 {
		return strings.Join(quoted, "")
	}
	return strings.Join(quoted[:len(quoted)-1], ", ") + " or " + quoted[len(quoted)-1]
}
