package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/jobs"
)

// processJob runs a claimed job and records its outcome. The returned error means
// the outcome could not be recorded.
func (w *Worker) processJob(ctx context.Context, job *domain.Job, logger *slog.Logger) error {
	logger = logger.With(
		slog.String("job_type", job.JobType),
		slog.Int("attempt", job.Attempt),
	)

	// outcome writes must survive a shutdown that cancels ctx
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	handler, ok := w.registry.Lookup(job.JobType)
	if !ok {
		logger.Error("No handler registered for job type")
		_, err := w.store.Transition(writeCtx, job.ID, domain.StateRunning, domain.StateFailed, domain.Change{
			ExpectAttempt: job.Attempt,
			Error:         fmt.Sprintf("%s: %s", domain.ErrUnknownJobType, job.JobType),
		})
		return err
	}

	logger.Info("Processing job")
	start := time.Now()

	result, err := w.executeJob(ctx, job, handler)
	if err == nil {
		if _, err := w.store.Transition(writeCtx, job.ID, domain.StateRunning, domain.StateSucceeded, domain.Change{
			ExpectAttempt: job.Attempt,
			Result:        result,
		}); err != nil {
			return fmt.Errorf("failed to mark job as succeeded: %w", err)
		}
		logger.Info("Job completed successfully", slog.Duration("duration", time.Since(start)))
		return nil
	}

	logger.Warn("Job execution failed",
		slog.Duration("duration", time.Since(start)),
		slog.String("error", err.Error()),
	)

	if _, err := w.scheduler.HandleFailure(writeCtx, job, err); err != nil {
		return err
	}
	return nil
}

type execResult struct {
	result json.RawMessage
	err    error
}

// executeJob runs the handler under the job timeout with a heartbeat. A handler that
// ignores its context is abandoned when the timeout fires.
func (w *Worker) executeJob(ctx context.Context, job *domain.Job, handler jobs.Handler) (json.RawMessage, error) {
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.ID, heartbeatDone)
	defer close(heartbeatDone)

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		result, err := handler.Handle(jobCtx, job.Payload)
		done <- execResult{result: result, err: err}
	}()

	var out execResult
	select {
	case out = <-done:
	case <-jobCtx.Done():
		out = execResult{err: jobCtx.Err()}
	}

	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			out.err = fmt.Errorf("job timed out after %s: %w", w.jobTimeout, out.err)
		}
		return nil, domain.NewHandlerError(job.JobType, out.err)
	}

	if out.result == nil {
		out.result = json.RawMessage("null")
	}
	if !json.Valid(out.result) {
		return nil, domain.NewHandlerError(job.JobType, errors.New("handler returned a result that is not valid JSON"))
	}
	return out.result, nil
}

// sendJobHeartbeat periodically refreshes the job's heartbeat until done is closed
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.Heartbeat(ctx, jobID)
			switch {
			case err == nil:
				w.logger.Debug("Job heartbeat updated", slog.String("job_id", jobID))
			case errors.Is(err, domain.ErrStateConflict), errors.Is(err, domain.ErrJobNotFound):
				w.logger.Warn("Job is no longer running, heartbeat stopped",
					slog.String("job_id", jobID),
				)
				return
			default:
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
