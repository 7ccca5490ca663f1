// Package app builds the job store, the queue and the handler registry from configuration
// and tears them down in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobplatform/internal/config"
	"github.com/cuongbtq/jobplatform/internal/jobs"
	"github.com/cuongbtq/jobplatform/internal/queue"
	"github.com/cuongbtq/jobplatform/internal/queue/memq"
	"github.com/cuongbtq/jobplatform/internal/queue/rabbitq"
	"github.com/cuongbtq/jobplatform/internal/queue/redisq"
	"github.com/cuongbtq/jobplatform/internal/retry"
	"github.com/cuongbtq/jobplatform/internal/storage"
	"github.com/cuongbtq/jobplatform/internal/storage/memstore"
	"github.com/cuongbtq/jobplatform/internal/storage/sqlstore"
	"github.com/cuongbtq/jobplatform/shared/database"
	"github.com/cuongbtq/jobplatform/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/jobplatform/shared/redis"
)

// Infra holds the backends shared by the front end and the workers
type Infra struct {
	Store    storage.Store
	Queue    queue.Queue
	Registry *jobs.Registry

	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error
}

// Open connects the configured store and queue. On error everything opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Infra, err error) {
	infra := &Infra{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = infra.Close()
		}
	}()

	if infra.Store, err = infra.openStore(ctx); err != nil {
		return nil, err
	}
	if infra.Queue, err = infra.openQueue(ctx); err != nil {
		return nil, err
	}
	if infra.Registry, err = NewRegistry(&cfg.Handlers); err != nil {
		return nil, err
	}

	return infra, nil
}

// NewRegistry returns a registry holding the built-in handlers
func NewRegistry(cfg *config.HandlersConfig) (*jobs.Registry, error) {
	registry := jobs.NewRegistry()
	if err := jobs.RegisterBuiltins(registry, cfg.DataDelay, cfg.ImageDelay); err != nil {
		return nil, fmt.Errorf("failed to register built-in handlers: %w", err)
	}
	return registry, nil
}

// NewScheduler builds the retry scheduler for the configured retry policy
func (i *Infra) NewScheduler() (*retry.Scheduler, error) {
	strategy, err := retry.NewStrategy(i.cfg.Retry.Strategy, i.cfg.Retry.RetryDelay, i.cfg.Retry.MaxDelay)
	if err != nil {
		return nil, err
	}
	return retry.NewScheduler(i.Store, i.Queue, retry.Config{
		MaxRetries: i.cfg.Retry.MaxRetries,
		Strategy:   strategy,
	}, i.logger), nil
}

// NewService builds the producer-side service
func (i *Infra) NewService() *jobs.Service {
	return jobs.NewService(i.Store, i.Queue, i.Registry, i.logger)
}

// Close releases every backend in reverse order of opening
func (i *Infra) Close() error {
	var errs []error
	for j := len(i.closers) - 1; j >= 0; j-- {
		if err := i.closers[j](); err != nil {
			errs = append(errs, err)
		}
	}
	i.closers = nil
	return errors.Join(errs...)
}

func (i *Infra) onClose(fn func() error) {
	i.closers = append(i.closers, fn)
}

func (i *Infra) openStore(ctx context.Context) (storage.Store, error) {
	cfg := &i.cfg.Database
	if cfg.Driver == config.DriverMemory {
		i.logger.Warn("Using in-memory job store, records are lost on exit")
		return memstore.New(), nil
	}

	client, err := database.NewClient(&database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, i.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	i.onClose(client.Close)

	if cfg.AutoMigrate {
		if err := client.Migrate(ctx, sqlstore.Migrations()); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return sqlstore.New(client.GetDB(), i.logger), nil
}

func (i *Infra) openQueue(ctx context.Context) (queue.Queue, error) {
	cfg := i.cfg
	switch cfg.Queue.Backend {
	case config.QueueBackendMemory:
		i.logger.Warn("Using in-memory queue, references are lost on exit")
		q := memq.New(cfg.Queue.VisibilityTimeout)
		i.onClose(q.Close)
		return q, nil

	case config.QueueBackendRedis:
		client, err := sharedredis.NewClient(ctx, &sharedredis.Config{
			URL:           cfg.Redis.URL,
			PoolSize:      cfg.Redis.PoolSize,
			MinIdleConns:  cfg.Redis.MinIdleConns,
			DialTimeout:   cfg.Redis.DialTimeout,
			ReadTimeout:   cfg.Redis.ReadTimeout,
			WriteTimeout:  cfg.Redis.WriteTimeout,
			RetryAttempts: cfg.Redis.RetryAttempts,
			RetryInterval: cfg.Redis.RetryInterval,
		}, i.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		i.onClose(client.Close)

		q := redisq.New(client.GetClient(), redisq.Config{
			KeyPrefix:         cfg.Queue.KeyPrefix,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		}, i.logger)
		i.onClose(q.Close)
		return q, nil

	case config.QueueBackendRabbitMQ:
		rc := &cfg.RabbitMQ
		client, err := rabbitmq.NewClient(&rabbitmq.Config{
			Host:               rc.Host,
			Port:               rc.Port,
			User:               rc.User,
			Password:           rc.Password,
			VHost:              rc.VHost,
			ExchangeName:       rc.Exchange.Name,
			ExchangeType:       rc.Exchange.Type,
			ExchangeDurable:    rc.Exchange.Durable,
			ExchangeAutoDelete: rc.Exchange.AutoDelete,
			QueueName:          rc.Queue.Name,
			QueueDurable:       rc.Queue.Durable,
			QueueAutoDelete:    rc.Queue.AutoDelete,
			QueueExclusive:     rc.Queue.Exclusive,
			RoutingKey:         rc.RoutingKey,
			RetryAttempts:      rc.Connection.RetryAttempts,
			RetryInterval:      rc.Connection.RetryInterval,
			Heartbeat:          rc.Connection.Heartbeat,
			ConnectionTimeout:  rc.Connection.ConnectionTimeout,
			PublishRetries:     rc.Publish.RetryAttempts,
			PublishRetryDelay:  rc.Publish.RetryInterval,
			PublishBackoffMult: rc.Publish.BackoffMultiplier,
			PrefetchCount:      rc.Consumer.PrefetchCount,
		}, i.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		i.onClose(client.Close)

		q := rabbitq.New(client, rc.Consumer.Tag, rc.Consumer.PrefetchCount, i.logger)
		i.onClose(q.Close)
		return q, nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}
