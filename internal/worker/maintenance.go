package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cuongbtq/jobplatform/internal/domain"
)

const sweepBatchSize = 100

// cronLogger adapts slog to the cron.Logger interface
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}

// setupMaintenance registers the sweep on its cron schedule; Start starts the cron
func (w *Worker) setupMaintenance() error {
	logger := cronLogger{logger: w.logger}
	w.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := w.cron.AddFunc(w.maintenanceSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		w.RunMaintenance(ctx)
	}); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", w.maintenanceSchedule, err)
	}
	return nil
}

// MaintenanceReport counts what one sweep changed
type MaintenanceReport struct {
	Reclaimed int
	Recovered int
	Requeued  int
}

// RunMaintenance runs one sweep:
// expired queue references become visible again,
// RUNNING jobs whose heartbeat stopped are treated as failed attempts,
// and RETRYING jobs whose retry timer was lost are re-enqueued.
func (w *Worker) RunMaintenance(ctx context.Context) MaintenanceReport {
	var report MaintenanceReport

	reclaimed, err := w.queue.Reclaim(ctx)
	if err != nil {
		w.logger.Error("Failed to reclaim expired queue references", slog.Any("error", err))
	}
	report.Reclaimed = reclaimed

	report.Recovered = w.recoverLostJobs(ctx)
	report.Requeued = w.requeueOverdueRetries(ctx)

	if report != (MaintenanceReport{}) {
		w.logger.Info("Maintenance sweep finished",
			slog.Int("reclaimed", report.Reclaimed),
			slog.Int("recovered", report.Recovered),
			slog.Int("requeued", report.Requeued),
		)
	}
	return report
}

func (w *Worker) recoverLostJobs(ctx context.Context) int {
	before := time.Now().Add(-w.staleJobThreshold)
	stale, err := w.store.ListStale(ctx, domain.StateRunning, before, sweepBatchSize)
	if err != nil {
		w.logger.Error("Failed to list stale running jobs", slog.Any("error", err))
		return 0
	}

	recovered := 0
	for _, job := range stale {
		state, err := w.scheduler.HandleFailure(ctx, job, domain.ErrWorkerLost)
		if err != nil {
			if !errors.Is(err, domain.ErrStateConflict) {
				w.logger.Error("Failed to recover lost job",
					slog.String("job_id", job.ID),
					slog.Any("error", err),
				)
			}
			continue
		}
		recovered++
		w.logger.Warn("Recovered job from lost worker",
			slog.String("job_id", job.ID),
			slog.String("lost_worker_id", job.WorkerID),
			slog.Time("last_update", job.UpdatedAt),
			slog.String("state", string(state)),
		)
	}
	return recovered
}

func (w *Worker) requeueOverdueRetries(ctx context.Context) int {
	now := time.Now()
	candidates, err := w.store.ListStale(ctx, domain.StateRetrying, now.Add(-w.staleJobThreshold), sweepBatchSize)
	if err != nil {
		w.logger.Error("Failed to list retrying jobs", slog.Any("error", err))
		return 0
	}

	requeued := 0
	for _, job := range candidates {
		due := job.UpdatedAt.Add(w.scheduler.Delay(job.Attempt)).Add(w.staleJobThreshold)
		if now.Before(due) || w.scheduler.Pending(job.ID) {
			continue
		}
		if err := w.scheduler.Requeue(ctx, job.ID); err != nil {
			if !errors.Is(err, domain.ErrStateConflict) {
				w.logger.Error("Failed to requeue overdue retry",
					slog.String("job_id", job.ID),
					slog.Any("error", err),
				)
			}
			continue
		}
		requeued++
	}
	return requeued
}
