package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobplatform/internal/app"
	"github.com/cuongbtq/jobplatform/internal/config"
	"github.com/cuongbtq/jobplatform/internal/worker"
	"github.com/cuongbtq/jobplatform/shared/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.Int("max_retries", cfg.Retry.MaxRetries),
		slog.Duration("retry_delay", cfg.Retry.RetryDelay),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.Open(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := infra.Close(); err != nil {
			appLogger.Error("Failed to close backends", slog.Any("error", err))
		}
	}()

	workerInstance, err := newWorker(cfg, appLogger.Logger, infra)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down worker gracefully",
			slog.Duration("timeout", cfg.Worker.ShutdownTimeout),
		)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()

		if err := workerInstance.Stop(shutdownCtx); err != nil {
			appLogger.Warn("Worker shutdown timeout exceeded, jobs in flight were canceled",
				slog.Any("error", err),
			)
		}
		return nil
	})

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		SentryDSN:    cfg.Logging.SentryDSN,
		Environment:  cfg.App.Environment,
		Release:      cfg.App.Version,
	})
}

// newWorker wires the worker pool to the shared backends
func newWorker(cfg *config.Config, logger *slog.Logger, infra *app.Infra) (*worker.Worker, error) {
	scheduler, err := infra.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create retry scheduler: %w", err)
	}

	return worker.NewWorker(&worker.Config{
		Logger:              logger,
		Store:               infra.Store,
		Queue:               infra.Queue,
		Registry:            infra.Registry,
		Scheduler:           scheduler,
		WorkerID:            cfg.Worker.ID,
		Concurrency:         cfg.Worker.Concurrency,
		JobTimeout:          cfg.Worker.JobTimeout,
		HeartbeatInterval:   cfg.Worker.HeartbeatInterval,
		PollInterval:        cfg.Worker.PollInterval,
		AckMode:             cfg.Worker.AckMode,
		MaintenanceSchedule: cfg.Worker.MaintenanceSchedule,
		StaleJobThreshold:   cfg.Worker.StaleJobThreshold,
	})
}
