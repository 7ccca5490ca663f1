package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/storage"
)

// Store is an in-process storage.Store. Records live only as long as the process.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		jobs: make(map[string]*domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(_ context.Context, jobType string, payload json.RawMessage) (*domain.Job, error) {
	now := s.now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		JobType:   jobType,
		Payload:   payload,
		State:     domain.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job.Clone()
	s.mu.Unlock()

	return job, nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *Store) Transition(_ context.Context, id string, from, to domain.State, change domain.Change) (*domain.Job, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.State != from {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s for %s", domain.ErrStateConflict, id, job.State, from, to)
	}
	if change.ExpectAttempt > 0 && job.Attempt != change.ExpectAttempt {
		return nil, fmt.Errorf("%w: job %s is on attempt %d, expected %d", domain.ErrStateConflict, id, job.Attempt, change.ExpectAttempt)
	}

	job.Apply(to, change, s.now())
	return job.Clone(), nil
}

func (s *Store) Heartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != domain.StateRunning {
		return fmt.Errorf("%w: job %s is not running", domain.ErrStateConflict, id)
	}

	now := s.now()
	job.UpdatedAt = now
	job.HeartbeatAt = &now
	return nil
}

func (s *Store) ListStale(_ context.Context, state domain.State, before time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = storage.MaxPageSize
	}

	s.mu.RLock()
	var stale []*domain.Job
	for _, job := range s.jobs {
		if job.State == state && job.UpdatedAt.Before(before) {
			stale = append(stale, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *Store) List(_ context.Context, filter storage.JobFilter) ([]*domain.Job, *storage.JobCursor, error) {
	s.mu.RLock()
	var matched []*domain.Job
	for _, job := range s.jobs {
		if filter.JobType != "" && job.JobType != filter.JobType {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if !filter.Cursor.After(job) {
			continue
		}
		matched = append(matched, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := filter.Limit()
	var next *storage.JobCursor
	if len(matched) > limit {
		matched = matched[:limit]
		last := matched[len(matched)-1]
		next = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	return matched, next, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Touch overrides the last-update time of a record. Tests use it to age records.
func (s *Store) Touch(id string, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.UpdatedAt = updatedAt
	}
}
