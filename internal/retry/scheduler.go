package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/queue"
	"github.com/cuongbtq/jobplatform/internal/storage"
)

const (
	// DefaultMaxRetries matches the retry budget of the built-in handlers
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the fixed wait before a failed job runs again
	DefaultRetryDelay = 10 * time.Second

	requeueTimeout = 30 * time.Second
)

// Config holds the retry policy
type Config struct {
	// MaxRetries is the number of re-executions after the first attempt
	MaxRetries int
	Strategy   Strategy
}

// Scheduler decides what happens to a job whose execution failed. Retries are
// re-enqueued from timers, never from the worker goroutine that reported the failure.
type Scheduler struct {
	store    storage.Store
	queue    queue.Queue
	config   Config
	logger   *slog.Logger
	mu       sync.Mutex
	timers   map[string]*time.Timer
	inflight sync.WaitGroup
	stopped  bool
}

// NewScheduler creates a new Scheduler instance
func NewScheduler(store storage.Store, q queue.Queue, config Config, logger *slog.Logger) *Scheduler {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Strategy == nil {
		config.Strategy = Fixed{Interval: DefaultRetryDelay}
	}
	return &Scheduler{
		store:  store,
		queue:  q,
		config: config,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// MaxRetries returns the configured retry budget
func (s *Scheduler) MaxRetries() int {
	return s.config.MaxRetries
}

// HandleFailure moves a RUNNING job to RETRYING and schedules its re-enqueue while
// attempts remain, otherwise to FAILED. job.Attempt is the 1-based number of the
// execution that failed, so a job runs at most MaxRetries+1 times.
func (s *Scheduler) HandleFailure(ctx context.Context, job *domain.Job, cause error) (domain.State, error) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	if job.Attempt <= s.config.MaxRetries {
		if _, err := s.store.Transition(ctx, job.ID, domain.StateRunning, domain.StateRetrying, domain.Change{
			ExpectAttempt: job.Attempt,
			Error:         message,
		}); err != nil {
			return "", fmt.Errorf("failed to mark job for retry: %w", err)
		}

		delay := s.config.Strategy.Delay(job.Attempt)
		s.schedule(job.ID, delay)

		s.logger.Warn("Job failed, retry scheduled",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.JobType),
			slog.Int("attempt", job.Attempt),
			slog.Int("max_retries", s.config.MaxRetries),
			slog.Duration("retry_after", delay),
			slog.String("error", message),
		)
		return domain.StateRetrying, nil
	}

	if _, err := s.store.Transition(ctx, job.ID, domain.StateRunning, domain.StateFailed, domain.Change{
		ExpectAttempt: job.Attempt,
		Error:         message,
	}); err != nil {
		return "", fmt.Errorf("failed to mark job as failed: %w", err)
	}

	s.logger.Error("Job failed permanently",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.Int("attempts", job.Attempt),
		slog.String("error", message),
	)
	return domain.StateFailed, nil
}

// Requeue moves a RETRYING job back to PENDING and enqueues it
func (s *Scheduler) Requeue(ctx context.Context, jobID string) error {
	if _, err := s.store.Transition(ctx, jobID, domain.StateRetrying, domain.StatePending, domain.Change{}); err != nil {
		return fmt.Errorf("failed to move job back to pending: %w", err)
	}

	if err := s.queue.Enqueue(ctx, jobID); err != nil {
		// the record stays PENDING without a queue reference
		s.logger.Error("Failed to re-enqueue job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to re-enqueue job: %w", err)
	}

	s.logger.Info("Job re-enqueued for retry", slog.String("job_id", jobID))
	return nil
}

// Pending reports whether a retry timer is armed for the job in this process
func (s *Scheduler) Pending(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[jobID]
	return ok
}

func (s *Scheduler) schedule(jobID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the maintenance sweep requeues RETRYING jobs left without a timer
	if s.stopped {
		return
	}
	if _, ok := s.timers[jobID]; ok {
		return
	}

	s.inflight.Add(1)
	s.timers[jobID] = time.AfterFunc(delay, func() {
		defer s.inflight.Done()

		s.mu.Lock()
		delete(s.timers, jobID)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
		defer cancel()

		if err := s.Requeue(ctx, jobID); err != nil {
			if errors.Is(err, domain.ErrStateConflict) || errors.Is(err, domain.ErrJobNotFound) {
				s.logger.Debug("Retry timer fired for a job that moved on",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
				return
			}
			s.logger.Error("Retry timer failed to requeue job",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	})
}

// Stop disarms pending timers and waits for requeues already running.
// Jobs whose timer was disarmed stay RETRYING until a maintenance sweep requeues them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	disarmed := 0
	for id, timer := range s.timers {
		if timer.Stop() {
			s.inflight.Done()
			disarmed++
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if disarmed > 0 {
		s.logger.Info("Retry timers disarmed", slog.Int("count", disarmed))
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry scheduler stop: %w", ctx.Err())
	}
}

// Delay returns the wait before the retry that follows the given failed attempt
func (s *Scheduler) Delay(attempt int) time.Duration {
	return s.config.Strategy.Delay(attempt)
}
