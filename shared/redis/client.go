package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrEmptyURL is returned when no connection URL is configured
	ErrEmptyURL = errors.New("redis url is empty")
	// ErrConnectionFailed is returned when every connection attempt failed
	ErrConnectionFailed = errors.New("failed to connect to redis")
)

// Config holds Redis connection configuration
type Config struct {
	URL           string
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	RetryAttempts int
	RetryInterval time.Duration
}

// Client represents a Redis client
type Client struct {
	rdb    *redis.Client
	config *Config
	logger *slog.Logger
}

// NewClient connects to Redis, retrying with a linear backoff until ctx is done
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	if config.URL == "" {
		return nil, ErrEmptyURL
	}

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	attempts := max(config.RetryAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Info("Connecting to Redis",
			slog.String("addr", opts.Addr),
			slog.Int("db", opts.DB),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		rdb := redis.NewClient(opts)
		err = rdb.Ping(ctx).Err()
		if err == nil {
			logger.Info("Successfully connected to Redis", slog.String("addr", opts.Addr))
			return &Client{rdb: rdb, config: config, logger: logger}, nil
		}
		_ = rdb.Close()

		logger.Error("Failed to connect to Redis",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrConnectionFailed, ctx.Err())
		case <-time.After(time.Duration(attempt) * config.RetryInterval):
		}
	}

	return nil, errors.Join(ErrConnectionFailed, err)
}

// NewFromClient wraps an existing go-redis client
func NewFromClient(rdb *redis.Client, logger *slog.Logger) *Client {
	return &Client{rdb: rdb, config: &Config{}, logger: logger}
}

// GetClient returns the underlying go-redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// HealthCheck pings Redis with a short timeout
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection pool
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")

	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis connection", slog.Any("error", err))
		return err
	}

	c.logger.Info("Redis connection closed successfully")
	return nil
}
