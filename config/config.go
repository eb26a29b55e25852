// Package config loads process configuration from .env files and the environment
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/internal/tracing/exporters"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/sweeper"
	"github.com/Ramsey-B/fern/pkg/worker"
)

type Config struct {
	AppName                       string `env:"APP_NAME" env-default:"fern" validate:"required"`
	Port                          int    `env:"PORT" env-default:"3010" validate:"gt=0,lte=65535"`
	LogLevel                      string `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	PrettyLogs                    bool   `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int    `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10" validate:"gt=0"`
	HttpServerReadTimeoutSeconds  int    `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10" validate:"gt=0"`
	HttpServerIdleTimeoutSeconds  int    `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10" validate:"gt=0"`
	StartupMaxAttempts            int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5" validate:"gte=1"`

	// PostgreSQL
	DatabaseHost                string        `env:"DB_HOST" env-default:"localhost" validate:"required"`
	DatabasePort                string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName            string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword            string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                string        `env:"DB_NAME" env-default:"fern" validate:"required"`
	DatabaseSSLMode             string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns        int           `env:"DB_MAX_OPEN_CONNS" env-default:"25" validate:"gte=0"`
	DatabaseMaxIdleConns        int           `env:"DB_MAX_IDLE_CONNS" env-default:"10" validate:"gte=0"`
	DatabaseConnMaxLifetime     time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	DatabaseMigrationFolderPath string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion    uint          `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce      int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrateOnStartup    bool          `env:"DB_MIGRATE_ON_STARTUP" env-default:"true"`

	// Redis (create guard and sweeper lock)
	RedisEnabled       bool          `env:"REDIS_ENABLED" env-default:"false"`
	RedisHost          string        `env:"REDIS_HOST" env-default:"localhost" validate:"required_if=RedisEnabled true"`
	RedisPort          int           `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword      string        `env:"REDIS_PASSWORD" env-default:""`
	RedisDB            int           `env:"REDIS_DB" env-default:"0" validate:"gte=0"`
	RedisLockKeyPrefix string        `env:"REDIS_LOCK_KEY_PREFIX" env-default:"fern:lock:"`
	CreateLockTTL      time.Duration `env:"CREATE_LOCK_TTL" env-default:"10s"`
	CreateLockWait     time.Duration `env:"CREATE_LOCK_WAIT" env-default:"5s"`

	// Kafka producer (linkage events)
	KafkaEnabled      bool     `env:"KAFKA_ENABLED" env-default:"false"`
	KafkaBrokers      []string `env:"KAFKA_BROKERS" env-default:"localhost:9092" validate:"required_if=KafkaEnabled true"`
	KafkaLinkageTopic string   `env:"KAFKA_LINKAGE_TOPIC" env-default:"fern.linkages"`
	KafkaBatchSize    int      `env:"KAFKA_BATCH_SIZE" env-default:"100" validate:"gt=0"`
	KafkaBatchTimeout int      `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100" validate:"gte=0"`
	KafkaRequiredAcks int      `env:"KAFKA_REQUIRED_ACKS" env-default:"1" validate:"oneof=-1 0 1"`
	KafkaCompression  string   `env:"KAFKA_COMPRESSION" env-default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`

	// Resolution
	FuzzyMatchThreshold float64 `env:"FUZZY_MATCH_THRESHOLD" env-default:"0.85" validate:"gt=0,lte=1"`
	CandidateLimit      int     `env:"CANDIDATE_LIMIT" env-default:"500" validate:"gt=0"`

	// Workers
	WorkerEnabled      bool          `env:"WORKER_ENABLED" env-default:"true"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" env-default:"4" validate:"gt=0"`
	WorkerBatchSize    int           `env:"WORKER_BATCH_SIZE" env-default:"25" validate:"gt=0"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" env-default:"2s" validate:"gt=0"`
	WorkerMaxAttempts  int           `env:"WORKER_MAX_ATTEMPTS" env-default:"5" validate:"gt=0"`
	WorkerRetryBackoff time.Duration `env:"WORKER_RETRY_BACKOFF" env-default:"5s" validate:"gte=0"`

	// Sweeper
	SweeperEnabled    bool          `env:"SWEEPER_ENABLED" env-default:"true"`
	SweeperInterval   time.Duration `env:"SWEEPER_INTERVAL" env-default:"30s"`
	SweeperStaleAfter time.Duration `env:"SWEEPER_STALE_AFTER" env-default:"5m"`
	SweeperLockTTL    time.Duration `env:"SWEEPER_LOCK_TTL" env-default:"30s"`

	// Tracing
	TracingExporter string `env:"TRACING_EXPORTER" env-default:"none" validate:"oneof=none console otlp"`
	OTLPEndpoint    string `env:"OTLP_ENDPOINT" env-default:"" validate:"required_if=TracingExporter otlp"`
	OTLPProtocol    string `env:"OTLP_PROTOCOL" env-default:"grpc" validate:"oneof=grpc http"`
	OTLPInsecure    bool   `env:"OTLP_INSECURE" env-default:"true"`
}

var validate = validator.New()

// Load reads the given .env files (".env" when none are named), then binds the
// environment onto Config. Variables already set in the environment win over
// .env values. A missing .env file is not an error.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return nil, fmt.Errorf("bind config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-component timing rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.SweeperEnabled {
		if err := c.SweeperConfig().Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

// DatabaseDSN builds the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   c.DatabaseHost + ":" + c.DatabasePort,
		Path:   "/" + c.DatabaseName,
	}
	if c.DatabaseUserName != "" {
		u.User = url.UserPassword(c.DatabaseUserName, c.DatabasePassword)
	}
	q := url.Values{}
	q.Set("sslmode", c.DatabaseSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// PoolConfig returns the connection pool limits
func (c *Config) PoolConfig() database.PoolConfig {
	return database.PoolConfig{
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

// MigrationConfig returns the schema migration settings
func (c *Config) MigrationConfig() *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: c.DatabaseMigrationFolderPath,
		Version:             c.DatabaseMigrationVersion,
		Force:               c.DatabaseMigrationForce,
	}
}

// RedisConfig returns the Redis connection settings
func (c *Config) RedisConfig() redis.Config {
	return redis.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// KafkaProducerConfig returns the linkage event producer settings
func (c *Config) KafkaProducerConfig() kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      c.KafkaBrokerList(),
		Topic:        c.KafkaLinkageTopic,
		BatchSize:    c.KafkaBatchSize,
		BatchTimeout: time.Duration(c.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: c.KafkaRequiredAcks,
		Compression:  c.KafkaCompression,
	}
}

// KafkaBrokerList returns the configured brokers without blanks
func (c *Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range c.KafkaBrokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// ResolverConfig returns the resolver thresholds
func (c *Config) ResolverConfig() resolver.Config {
	cfg := resolver.DefaultConfig()
	cfg.FuzzyThreshold = c.FuzzyMatchThreshold
	cfg.CandidateLimit = c.CandidateLimit
	return cfg
}

// WorkerConfig returns the claim loop settings
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		Concurrency:  c.WorkerConcurrency,
		BatchSize:    c.WorkerBatchSize,
		PollInterval: c.WorkerPollInterval,
		MaxAttempts:  c.WorkerMaxAttempts,
		RetryBackoff: c.WorkerRetryBackoff,
	}
}

// SweeperConfig returns the stale record sweeper settings
func (c *Config) SweeperConfig() sweeper.Config {
	return sweeper.Config{
		Interval:           c.SweeperInterval,
		StaleAfter:         c.SweeperStaleAfter,
		WorkerPollInterval: c.WorkerPollInterval,
		LockTTL:            c.SweeperLockTTL,
	}
}

// ProviderConfig returns the tracer provider settings
func (c *Config) ProviderConfig(version string) exporters.ProviderConfig {
	return exporters.ProviderConfig{
		ServiceName: c.AppName,
		Version:     version,
		Exporter:    c.TracingExporter,
		OTLP: exporters.OTLPConfig{
			Endpoint: c.OTLPEndpoint,
			Protocol: c.OTLPProtocol,
			Insecure: c.OTLPInsecure,
		},
	}
}
