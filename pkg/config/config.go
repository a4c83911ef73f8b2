package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openbracket/openbracket/pkg/observability"
	"github.com/openbracket/openbracket/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Storage configuration
	Storage storage.Config

	// Aggregation configuration
	Aggregation AggregationConfig

	// Reports configuration
	Reports ReportsConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// AggregationConfig holds aggregation pipeline settings
type AggregationConfig struct {
	// Cron schedules for the background worker
	DailySchedule   string
	WeeklySchedule  string
	MonthlySchedule string
	ReportSchedule  string

	// Parallelism across tenants; within a tenant aggregation is sequential
	TenantWorkers int
	TenantTimeout time.Duration
}

// ReportsConfig holds scheduled report delivery settings
type ReportsConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
	MetricsPort    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Storage:       loadStorageConfig(),
		Aggregation:   loadAggregationConfig(),
		Reports:       loadReportsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if pgURL := getEnv("OB_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("OB_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("OB_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("OB_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	if redisURL := getEnv("OB_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("OB_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("OB_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("OB_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("OB_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	if cacheEnabled := getEnv("OB_CACHE_ENABLED", ""); cacheEnabled != "" {
		cfg.CacheEnabled = strings.ToLower(cacheEnabled) == "true"
	}
	if l1Size := getEnvInt("OB_L1_CACHE_SIZE", 0); l1Size > 0 {
		cfg.L1CacheSize = l1Size
	}

	return cfg
}

// loadAggregationConfig loads aggregation settings from environment
func loadAggregationConfig() AggregationConfig {
	return AggregationConfig{
		DailySchedule:   getEnv("OB_DAILY_SCHEDULE", "5 0 * * *"),
		WeeklySchedule:  getEnv("OB_WEEKLY_SCHEDULE", "10 0 * * 1"),
		MonthlySchedule: getEnv("OB_MONTHLY_SCHEDULE", "15 0 1 * *"),
		ReportSchedule:  getEnv("OB_REPORT_SCHEDULE", "*/15 * * * *"),
		TenantWorkers:   getEnvInt("OB_TENANT_WORKERS", 4),
		TenantTimeout:   getEnvDuration("OB_TENANT_TIMEOUT", 5*time.Minute),
	}
}

// loadReportsConfig loads report delivery settings from environment
func loadReportsConfig() ReportsConfig {
	return ReportsConfig{
		MaxAttempts:  getEnvInt("OB_REPORT_MAX_ATTEMPTS", 3),
		InitialDelay: getEnvDuration("OB_REPORT_INITIAL_DELAY", 5*time.Second),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("OB_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("OB_METRICS_ENABLED", true),
		MetricsPort:    getEnv("OB_METRICS_PORT", "9090"),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.CacheEnabled && c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required when caching is enabled")
	}
	if c.Aggregation.TenantWorkers <= 0 {
		return fmt.Errorf("tenant workers must be positive")
	}
	if c.Reports.MaxAttempts <= 0 {
		return fmt.Errorf("report max attempts must be positive")
	}
	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
