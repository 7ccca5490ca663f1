package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/queue"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	idle := w.pollInterval
	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return
		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return
		default:
		}

		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrQueueEmpty) {
				w.logger.Error("Failed to dequeue job",
					slog.String("worker_name", workerName),
					slog.Any("error", err),
				)
			}
			if !w.sleep(ctx, idle) {
				return
			}
			idle = min(idle*2, w.pollInterval*maxIdleFactor)
			continue
		}
		idle = w.pollInterval

		w.handleDelivery(w.execCtx, d, workerName)
	}
}

// handleDelivery claims, executes and acknowledges one delivery
func (w *Worker) handleDelivery(ctx context.Context, d *queue.Delivery, workerName string) {
	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", d.JobID),
	)

	logger.Debug("Worker received job", slog.Bool("redelivered", d.Redelivered))

	job, err := w.claim(ctx, d.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) || errors.Is(err, domain.ErrJobNotFound) {
			// another worker owns it, or it is finished; the reference is spent
			logger.Info("Job not claimable, skipping", slog.String("reason", err.Error()))
			w.ack(d, logger)
			return
		}
		logger.Error("Failed to claim job", slog.Any("error", err))
		w.nack(d, logger)
		return
	}

	acked := false
	if w.ackMode == domain.AckModeEarly {
		w.ack(d, logger)
		acked = true
	}

	if err := w.processJob(ctx, job, logger); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			// the attempt was recovered by a maintenance sweep and the job moved on without us
			logger.Warn("Job outcome discarded, attempt superseded", slog.String("reason", err.Error()))
			if !acked {
				w.ack(d, logger)
			}
			return
		}
		logger.Error("Failed to record job outcome", slog.Any("error", err))
		if !acked {
			// the record stays RUNNING; the stale job sweep routes it to the retry scheduler
			w.nack(d, logger)
		}
		return
	}

	if !acked {
		w.ack(d, logger)
	}
}

// claim moves the job from PENDING to RUNNING. Only one caller can win this transition.
func (w *Worker) claim(ctx context.Context, jobID string) (*domain.Job, error) {
	return w.store.Transition(ctx, jobID, domain.StatePending, domain.StateRunning, domain.Change{
		IncrementAttempt: true,
		WorkerID:         w.workerID,
	})
}

func (w *Worker) ack(d *queue.Delivery, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := w.queue.Ack(ctx, d); err != nil {
		logger.Error("Failed to ACK message", slog.Any("error", err))
	}
}

func (w *Worker) nack(d *queue.Delivery, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := w.queue.Nack(ctx, d); err != nil {
		logger.Error("Failed to NACK message", slog.Any("error", err))
	}
}

// sleep waits for d; it returns false when the worker is stopping
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	}
}
