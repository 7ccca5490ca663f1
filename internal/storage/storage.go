package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobplatform/internal/domain"
)

const (
	// DefaultPageSize is used when a listing does not ask for a page size
	DefaultPageSize = 20
	// MaxPageSize caps a single listing page
	MaxPageSize = 100
)

// Store is the JobRecord store. It is the only component allowed to mutate job records;
// every state change goes through Transition.
type Store interface {
	// Create persists a new PENDING record with attempt 0 and returns it
	Create(ctx context.Context, jobType string, payload json.RawMessage) (*domain.Job, error)

	// Get returns a snapshot of the record or domain.ErrJobNotFound
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Transition atomically moves the record from one state to another, applying change.
	// It returns domain.ErrStateConflict when the record is not in from,
	// domain.ErrInvalidTransition when from -> to is not allowed and domain.ErrJobNotFound.
	Transition(ctx context.Context, id string, from, to domain.State, change domain.Change) (*domain.Job, error)

	// Heartbeat refreshes the liveness timestamps of a RUNNING record
	Heartbeat(ctx context.Context, id string) error

	// ListStale returns records in state whose last update is older than before
	ListStale(ctx context.Context, state domain.State, before time.Time, limit int) ([]*domain.Job, error)

	// List returns a page of records ordered by creation time, newest first
	List(ctx context.Context, filter JobFilter) ([]*domain.Job, *JobCursor, error)

	Ping(ctx context.Context) error
}

// JobFilter selects and pages job records
type JobFilter struct {
	JobType  string
	State    domain.State
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the position after the last record of a page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Limit returns the page size clamped to the allowed range
func (f JobFilter) Limit() int {
	if f.PageSize <= 0 {
		return DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		return MaxPageSize
	}
	return f.PageSize
}

// After reports whether a record sorts after the cursor in (created_at DESC, job_id DESC) order
func (c *JobCursor) After(job *domain.Job) bool {
	if c == nil {
		return true
	}
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.ID < c.JobID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}
