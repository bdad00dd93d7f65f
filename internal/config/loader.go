package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "quorum.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "QUORUM_PORT")
	setString(&cfg.Server.CORSOrigin, "QUORUM_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "QUORUM_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "QUORUM_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "QUORUM_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "QUORUM_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "QUORUM_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Gateway.URL, "QUORUM_GATEWAY_URL")
	setString(&cfg.Gateway.MasterKey, "QUORUM_GATEWAY_MASTER_KEY")
	setString(&cfg.Gateway.DefaultProvider, "QUORUM_GATEWAY_DEFAULT_PROVIDER")
	setString(&cfg.Gateway.DefaultModel, "QUORUM_GATEWAY_DEFAULT_MODEL")
	setString(&cfg.Gateway.ReportModel, "QUORUM_GATEWAY_REPORT_MODEL")
	setDuration(&cfg.Gateway.Timeout, "QUORUM_GATEWAY_TIMEOUT")
	setString(&cfg.Logging.Level, "QUORUM_LOG_LEVEL")
	setString(&cfg.Logging.Service, "QUORUM_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "QUORUM_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "QUORUM_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.RecoveryTimeout, "QUORUM_BREAKER_RECOVERY_TIMEOUT")
	setDuration(&cfg.Retry.BaseDelay, "QUORUM_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "QUORUM_RETRY_MAX_DELAY")

	// Review pipeline
	setInt(&cfg.Review.TotalRounds, "QUORUM_REVIEW_TOTAL_ROUNDS")
	setInt(&cfg.Review.TokenBudget, "QUORUM_REVIEW_TOKEN_BUDGET")
	setInt64(&cfg.Review.DailyTokenBudget, "QUORUM_REVIEW_DAILY_TOKEN_BUDGET")
	setInt(&cfg.Review.TaskRetries, "QUORUM_REVIEW_TASK_RETRIES")
	setDuration(&cfg.Review.TaskRetryBackoff, "QUORUM_REVIEW_TASK_RETRY_BACKOFF")
	setString(&cfg.Review.DefaultStrategy, "QUORUM_REVIEW_DEFAULT_STRATEGY")

	// Broadcast hub
	setInt(&cfg.Hub.MaxConnections, "QUORUM_HUB_MAX_CONNECTIONS")
	setInt(&cfg.Hub.QueueCapacity, "QUORUM_HUB_QUEUE_CAPACITY")
	setDuration(&cfg.Hub.SendTimeout, "QUORUM_HUB_SEND_TIMEOUT")
	setInt(&cfg.Hub.SendRetries, "QUORUM_HUB_SEND_RETRIES")
	setDuration(&cfg.Hub.RetryBackoff, "QUORUM_HUB_RETRY_BACKOFF")
	setBool(&cfg.Hub.DisconnectOnBackpressure, "QUORUM_HUB_DISCONNECT_ON_BACKPRESSURE")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "QUORUM_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1Expire, "QUORUM_CACHE_L1_EXPIRE")
	setString(&cfg.Cache.L2Bucket, "QUORUM_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "QUORUM_CACHE_L2_TTL")

	// Worker pool
	setInt64(&cfg.Worker.MaxConcurrentReviews, "QUORUM_WORKER_MAX_CONCURRENT_REVIEWS")

	// Telemetry
	setBool(&cfg.Otel.Enabled, "QUORUM_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "QUORUM_OTEL_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Review.TotalRounds < 1 || cfg.Review.TotalRounds > 4 {
		return errors.New("review.total_rounds must be between 1 and 4")
	}
	if cfg.Hub.MaxConnections < 1 {
		return errors.New("hub.max_connections must be >= 1")
	}
	if cfg.Hub.QueueCapacity < 1 {
		return errors.New("hub.queue_capacity must be >= 1")
	}
	if cfg.Worker.MaxConcurrentReviews < 1 {
		return errors.New("worker.max_concurrent_reviews must be >= 1")
	}
	if _, ok := cfg.Review.Strategies[cfg.Review.DefaultStrategy]; !ok {
		return fmt.Errorf("review.default_strategy %q has no strategy definition", cfg.Review.DefaultStrategy)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
