package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/jobs"
	"github.com/cuongbtq/jobplatform/internal/queue"
	"github.com/cuongbtq/jobplatform/internal/retry"
	"github.com/cuongbtq/jobplatform/internal/storage"
)

// Defaults applied by NewWorker to zero settings
const (
	DefaultConcurrency         = 4
	DefaultJobTimeout          = 5 * time.Minute
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultPollInterval        = 500 * time.Millisecond
	DefaultStaleJobThreshold   = 2 * time.Minute
	DefaultMaintenanceSchedule = "@every 15s"

	// maxIdleFactor bounds the idle backoff of an empty queue at PollInterval * maxIdleFactor
	maxIdleFactor = 8
	// writeTimeout bounds outcome writes made after execution
	writeTimeout = 30 * time.Second
)

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Store     storage.Store
	Queue     queue.Queue
	Registry  *jobs.Registry
	Scheduler *retry.Scheduler

	WorkerID            string
	Concurrency         int
	JobTimeout          time.Duration
	HeartbeatInterval   time.Duration
	PollInterval        time.Duration
	AckMode             string
	MaintenanceSchedule string
	StaleJobThreshold   time.Duration
}

// Worker runs a pool of executors that pull job references from the queue,
// claim the job record, run its handler and record the outcome.
type Worker struct {
	logger    *slog.Logger
	store     storage.Store
	queue     queue.Queue
	registry  *jobs.Registry
	scheduler *retry.Scheduler

	workerID            string
	concurrency         int
	jobTimeout          time.Duration
	heartbeatInterval   time.Duration
	pollInterval        time.Duration
	ackMode             string
	maintenanceSchedule string
	staleJobThreshold   time.Duration

	cron       *cron.Cron
	wg         sync.WaitGroup
	lifecycle  sync.Mutex
	stopChan   chan struct{}
	stopOnce   sync.Once
	execCtx    context.Context
	cancelExec context.CancelFunc
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Registry == nil || cfg.Scheduler == nil {
		return nil, errors.New("worker requires a store, a queue, a registry and a retry scheduler")
	}

	w := &Worker{
		logger:              cfg.Logger,
		store:               cfg.Store,
		queue:               cfg.Queue,
		registry:            cfg.Registry,
		scheduler:           cfg.Scheduler,
		workerID:            cfg.WorkerID,
		concurrency:         cfg.Concurrency,
		jobTimeout:          cfg.JobTimeout,
		heartbeatInterval:   cfg.HeartbeatInterval,
		pollInterval:        cfg.PollInterval,
		ackMode:             cfg.AckMode,
		maintenanceSchedule: cfg.MaintenanceSchedule,
		staleJobThreshold:   cfg.StaleJobThreshold,
		stopChan:            make(chan struct{}),
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.workerID == "" {
		w.workerID = "worker-" + uuid.NewString()[:8]
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = DefaultJobTimeout
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = DefaultHeartbeatInterval
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.staleJobThreshold <= 0 {
		w.staleJobThreshold = DefaultStaleJobThreshold
	}
	if w.maintenanceSchedule == "" {
		w.maintenanceSchedule = DefaultMaintenanceSchedule
	}

	switch w.ackMode {
	case "":
		w.ackMode = domain.AckModeLate
	case domain.AckModeLate, domain.AckModeEarly:
	default:
		return nil, fmt.Errorf("unknown ack mode %q", w.ackMode)
	}

	w.logger = w.logger.With(slog.String("worker_id", w.workerID))

	// jobs in flight outlive the Start context; only Stop cancels them
	w.execCtx, w.cancelExec = context.WithCancel(context.Background())

	if err := w.setupMaintenance(); err != nil {
		w.cancelExec()
		return nil, err
	}
	return w, nil
}

// ID returns the identifier recorded on claimed jobs
func (w *Worker) ID() string {
	return w.workerID
}

// Start runs the pool and the maintenance sweeps until ctx is canceled or Stop is called.
// Jobs in flight keep running after that until Stop gives up on them. When the queue is fed
// by a broker consumer, Start fails if the consumer cannot start and returns once it dies.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.String("ack_mode", w.ackMode),
		slog.String("maintenance_schedule", w.maintenanceSchedule),
	)

	var consumerStopped <-chan error
	if consumer, ok := w.queue.(queue.Consumer); ok {
		stopped, err := consumer.StartConsuming(ctx)
		if err != nil {
			return fmt.Errorf("failed to start consuming: %w", err)
		}
		consumerStopped = stopped
	}

	w.lifecycle.Lock()
	select {
	case <-w.stopChan:
		w.lifecycle.Unlock()
		return nil
	default:
	}
	w.cron.Start()
	w.spawnWorkerPool(ctx)
	w.lifecycle.Unlock()

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	case err := <-consumerStopped:
		w.logger.Error("Queue consumer stopped", slog.Any("error", err))
		return fmt.Errorf("queue consumer stopped: %w", err)
	}

	return nil
}

// Stop gracefully stops the worker. It waits for jobs in flight until ctx is done,
// then cancels them; canceled jobs are recorded as failed attempts.
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker...")
	w.lifecycle.Lock()
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.lifecycle.Unlock()

	<-w.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("Shutdown timeout reached, canceling jobs in flight")
		w.cancelExec()
		<-done
		err = fmt.Errorf("worker stop: %w", ctx.Err())
	}
	w.cancelExec()

	schedCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if stopErr := w.scheduler.Stop(schedCtx); stopErr != nil {
		err = errors.Join(err, stopErr)
	}

	w.logger.Info("Worker stopped")
	return err
}
