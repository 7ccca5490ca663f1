// Command standalone runs the HTTP front end and the worker pool in one process.
// It is the only mode that accepts the in-memory store and queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobplatform/internal/api/handler"
	"github.com/cuongbtq/jobplatform/internal/api/router"
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
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("STANDALONE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/standalone/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateStandaloneConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		SentryDSN:    cfg.Logging.SentryDSN,
		Environment:  cfg.App.Environment,
		Release:      cfg.App.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting standalone job platform",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.String("database_driver", cfg.Database.Driver),
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

	scheduler, err := infra.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create retry scheduler: %w", err)
	}

	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:              appLogger.Logger,
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
	if err != nil {
		return err
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.SetupRouter(&handler.Dependencies{
			Logger:      appLogger.Logger,
			Service:     infra.NewService(),
			ServiceName: "job-platform-standalone",
			Checks: map[string]handler.Checker{
				"database": infra.Store,
				"queue":    infra.Queue,
			},
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("Starting HTTP server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down...")

		// stop accepting submissions before draining the workers
		httpCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		httpErr := srv.Shutdown(httpCtx)

		workerCtx, cancelWorker := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancelWorker()
		if err := workerInstance.Stop(workerCtx); err != nil {
			appLogger.Warn("Worker shutdown timeout exceeded, jobs in flight were canceled",
				slog.Any("error", err),
			)
		}
		return httpErr
	})

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Shutdown complete")
	return nil
}
