package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/jobplatform/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvPrefix prefixes every environment override, e.g. JOBS_RETRY_MAX_RETRIES
	EnvPrefix = "JOBS_"
)

// Queue backends
const (
	QueueBackendRabbitMQ = "rabbitmq"
	QueueBackendRedis    = "redis"
	QueueBackendMemory   = "memory"
)

// DriverMemory selects the in-process job store
const DriverMemory = "memory"

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app" envPrefix:"APP_"`
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Database DatabaseConfig `yaml:"database" envPrefix:"DATABASE_"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Queue    QueueConfig    `yaml:"queue" envPrefix:"QUEUE_"`
	Worker   WorkerConfig   `yaml:"worker" envPrefix:"WORKER_"`
	Retry    RetryConfig    `yaml:"retry" envPrefix:"RETRY_"`
	Handlers HandlersConfig `yaml:"handlers" envPrefix:"HANDLERS_"`
	Logging  LoggingConfig  `yaml:"logging" envPrefix:"LOGGING_"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" env:"NAME"`
	Version     string `yaml:"version" env:"VERSION"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds the job store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"` // postgres, pgx, sqlite3 or memory
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"NAME"`
	SSLMode         string        `yaml:"sslmode" env:"SSLMODE"`
	Path            string        `yaml:"path" env:"PATH"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"HOST"`
	Port       int              `yaml:"port" env:"PORT"`
	User       string           `yaml:"user" env:"USER"`
	Password   string           `yaml:"password" env:"PASSWORD"`
	VHost      string           `yaml:"vhost" env:"VHOST"`
	Exchange   ExchangeConfig   `yaml:"exchange" envPrefix:"EXCHANGE_"`
	Queue      RabbitQueue      `yaml:"queue" envPrefix:"QUEUE_"`
	RoutingKey string           `yaml:"routing_key" env:"ROUTING_KEY"`
	Connection ConnectionConfig `yaml:"connection" envPrefix:"CONNECTION_"`
	Publish    PublishConfig    `yaml:"publish" envPrefix:"PUBLISH_"`
	Consumer   ConsumerConfig   `yaml:"consumer" envPrefix:"CONSUMER_"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Type       string `yaml:"type" env:"TYPE"`
	Durable    bool   `yaml:"durable" env:"DURABLE"`
	AutoDelete bool   `yaml:"auto_delete" env:"AUTO_DELETE"`
}

// RabbitQueue holds RabbitMQ queue configuration
type RabbitQueue struct {
	Name       string `yaml:"name" env:"NAME"`
	Durable    bool   `yaml:"durable" env:"DURABLE"`
	AutoDelete bool   `yaml:"auto_delete" env:"AUTO_DELETE"`
	Exclusive  bool   `yaml:"exclusive" env:"EXCLUSIVE"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval     time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	Heartbeat         time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"TIMEOUT"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval     time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag" env:"TAG"`
	PrefetchCount int    `yaml:"prefetch_count" env:"PREFETCH_COUNT"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL           string        `yaml:"url" env:"URL"`
	PoolSize      int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns  int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DialTimeout   time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout   time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	RetryAttempts int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
}

// QueueConfig selects the queue backend
type QueueConfig struct {
	Backend           string        `yaml:"backend" env:"BACKEND"` // rabbitmq, redis or memory
	KeyPrefix         string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                  string        `yaml:"id" env:"ID"`
	Concurrency         int           `yaml:"concurrency" env:"CONCURRENCY"`
	JobTimeout          time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	PollInterval        time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	AckMode             string        `yaml:"ack_mode" env:"ACK_MODE"`
	MaintenanceSchedule string        `yaml:"maintenance_schedule" env:"MAINTENANCE_SCHEDULE"`
	StaleJobThreshold   time.Duration `yaml:"stale_job_threshold" env:"STALE_JOB_THRESHOLD"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RetryConfig holds the retry policy
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"DELAY"`
	Strategy   string        `yaml:"strategy" env:"STRATEGY"` // fixed or exponential
	MaxDelay   time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// HandlersConfig holds the simulated work time of the built-in handlers
type HandlersConfig struct {
	DataDelay  time.Duration `yaml:"data_delay" env:"DATA_DELAY"`
	ImageDelay time.Duration `yaml:"image_delay" env:"IMAGE_DELAY"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	Output       string `yaml:"output" env:"OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
	SentryDSN    string `yaml:"sentry_dsn" env:"SENTRY_DSN"`
}

// Default returns the configuration used for every key the file and environment leave unset
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "job-platform",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			AutoMigrate:     true,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			Host:  "localhost",
			Port:  5672,
			VHost: "/",
			Exchange: ExchangeConfig{
				Name:    "jobs_exchange",
				Type:    "direct",
				Durable: true,
			},
			Queue: RabbitQueue{
				Name:    "jobs_queue",
				Durable: true,
			},
			RoutingKey: "jobs",
			Connection: ConnectionConfig{
				RetryAttempts:     5,
				RetryInterval:     5 * time.Second,
				Heartbeat:         10 * time.Second,
				ConnectionTimeout: 30 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     time.Second,
				BackoffMultiplier: 2,
			},
			Consumer: ConsumerConfig{
				Tag:           "job-worker",
				PrefetchCount: 10,
			},
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379/0",
			PoolSize:      10,
			MinIdleConns:  2,
			DialTimeout:   5 * time.Second,
			ReadTimeout:   3 * time.Second,
			WriteTimeout:  3 * time.Second,
			RetryAttempts: 5,
			RetryInterval: 2 * time.Second,
		},
		Queue: QueueConfig{
			Backend:           QueueBackendRabbitMQ,
			KeyPrefix:         "jobs",
			VisibilityTimeout: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency:         4,
			JobTimeout:          5 * time.Minute,
			HeartbeatInterval:   30 * time.Second,
			PollInterval:        500 * time.Millisecond,
			AckMode:             domain.AckModeLate,
			MaintenanceSchedule: "@every 15s",
			StaleJobThreshold:   2 * time.Minute,
			ShutdownTimeout:     30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			RetryDelay: 10 * time.Second,
			Strategy:   domain.RetryStrategyFixed,
			MaxDelay:   10 * time.Minute,
		},
		Handlers: HandlersConfig{
			DataDelay:  5 * time.Second,
			ImageDelay: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults,
// then applies JOBS_* environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}

// Validate checks the settings shared by every process
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "pgx":
		if c.Database.Host == "" {
			return errors.New("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return errors.New("database name is required")
		}
	case "sqlite3":
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite3")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Queue.Backend {
	case QueueBackendRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return errors.New("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return errors.New("rabbitmq exchange name is required")
		}
		if c.RabbitMQ.Queue.Name == "" {
			return errors.New("rabbitmq queue name is required")
		}
	case QueueBackendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis url is required")
		}
	case QueueBackendMemory:
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}

	if c.Retry.MaxRetries < 0 {
		return errors.New("retry max_retries must not be negative")
	}
	if c.Retry.RetryDelay < 0 {
		return errors.New("retry retry_delay must not be negative")
	}
	switch c.Retry.Strategy {
	case "", domain.RetryStrategyFixed, domain.RetryStrategyExponential:
	default:
		return fmt.Errorf("unknown retry strategy %q", c.Retry.Strategy)
	}

	return nil
}

// ValidateAPIConfig checks the settings of the HTTP front end
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.requireSharedBackends(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server shutdown_timeout must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the settings of the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.requireSharedBackends(); err != nil {
		return err
	}
	return c.validateWorker()
}

// ValidateStandaloneConfig checks a single process running both the front end and the workers.
// It is the only mode that accepts in-process backends.
func (c *Config) ValidateStandaloneConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return c.validateWorker()
}

func (c *Config) validateWorker() error {
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return errors.New("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return errors.New("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.StaleJobThreshold <= c.Worker.HeartbeatInterval {
		return errors.New("worker stale_job_threshold must be greater than heartbeat_interval")
	}

	if c.Worker.PollInterval <= 0 {
		return errors.New("worker poll_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return errors.New("worker shutdown_timeout must be greater than 0")
	}

	switch c.Worker.AckMode {
	case domain.AckModeLate, domain.AckModeEarly:
	default:
		return fmt.Errorf("unknown worker ack_mode %q", c.Worker.AckMode)
	}

	if _, err := cron.ParseStandard(c.Worker.MaintenanceSchedule); err != nil {
		return fmt.Errorf("invalid worker maintenance_schedule: %w", err)
	}

	return nil
}

// requireSharedBackends rejects in-process backends, which cannot be shared between processes
func (c *Config) requireSharedBackends() error {
	if c.Database.Driver == DriverMemory {
		return errors.New("database driver memory is only supported in standalone mode")
	}
	if c.Queue.Backend == QueueBackendMemory {
		return errors.New("queue backend memory is only supported in standalone mode")
	}
	return nil
}
