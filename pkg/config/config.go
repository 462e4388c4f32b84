package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database and cache configuration
	Database DatabaseConfig
	Redis    RedisConfig

	// Audit trail configuration
	Audit AuditConfig

	// Broker behaviour
	Broker BrokerConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	BaseURL         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis settings used by the session cache and rate limiter
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	SessionTTL time.Duration

	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	// Store is one of "postgres", "file", "memory"
	Store         string
	FallbackPath  string
	RetentionDays int

	// Archive to S3 before retention cleanup
	ArchiveBucket string
	ArchivePrefix string
	ArchiveRegion string
}

// BrokerConfig holds runtime broker settings
type BrokerConfig struct {
	// SourceFile is an optional YAML file backing the runtime config.Source
	SourceFile string
	// RedirectPolicyFile is the YAML rule table for the redirect resolver
	RedirectPolicyFile string
	SessionTTL         time.Duration
	LookupCacheSize    int
	LookupCacheTTL     time.Duration
	CleanupSchedule    string
	// LinkAutoCreate and LinkAllowHint are the linking policy for methods
	// without their own linking.<method>.* keys
	LinkAutoCreate bool
	LinkAllowHint  bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel logrus.Level

	// OpenTelemetry
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
	OTelInsecure    bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Audit:         loadAuditConfig(),
		Broker:        loadBrokerConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("AUTHBROKER_HOST", "0.0.0.0"),
		Port:            getEnv("AUTHBROKER_PORT", "8080"),
		BaseURL:         getEnv("AUTHBROKER_BASE_URL", "http://localhost:8080"),
		ReadTimeout:     getEnvDuration("AUTHBROKER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("AUTHBROKER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("AUTHBROKER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("AUTHBROKER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("AUTHBROKER_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("AUTHBROKER_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("AUTHBROKER_POSTGRES_MAX_CONNS", 20),
		MaxIdleConns:    getEnvInt("AUTHBROKER_POSTGRES_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("AUTHBROKER_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:               getEnv("AUTHBROKER_REDIS_URL", ""),
		Password:          getEnv("AUTHBROKER_REDIS_PASSWORD", ""),
		DB:                getEnvInt("AUTHBROKER_REDIS_DB", 0),
		PoolSize:          getEnvInt("AUTHBROKER_REDIS_POOL_SIZE", 10),
		SessionTTL:        getEnvDuration("AUTHBROKER_REDIS_SESSION_TTL", time.Hour),
		RateLimitEnabled:  getEnvBool("AUTHBROKER_RATE_LIMIT_ENABLED", true),
		RateLimitRequests: getEnvInt("AUTHBROKER_RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getEnvDuration("AUTHBROKER_RATE_LIMIT_WINDOW", time.Minute),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Store:         getEnv("AUTHBROKER_AUDIT_STORE", "postgres"),
		FallbackPath:  getEnv("AUTHBROKER_AUDIT_FALLBACK_PATH", "/var/log/authbroker/audit"),
		RetentionDays: getEnvInt("AUTHBROKER_AUDIT_RETENTION_DAYS", 90),
		ArchiveBucket: getEnv("AUTHBROKER_AUDIT_ARCHIVE_BUCKET", ""),
		ArchivePrefix: getEnv("AUTHBROKER_AUDIT_ARCHIVE_PREFIX", "audit/"),
		ArchiveRegion: getEnv("AUTHBROKER_AUDIT_ARCHIVE_REGION", "us-east-1"),
	}
}

func loadBrokerConfig() BrokerConfig {
	return BrokerConfig{
		SourceFile:         getEnv("AUTHBROKER_SOURCE_FILE", ""),
		RedirectPolicyFile: getEnv("AUTHBROKER_REDIRECT_POLICY", ""),
		SessionTTL:         getEnvDuration("AUTHBROKER_SESSION_TTL", 24*time.Hour),
		LookupCacheSize:    getEnvInt("AUTHBROKER_LOOKUP_CACHE_SIZE", 10000),
		LookupCacheTTL:     getEnvDuration("AUTHBROKER_LOOKUP_CACHE_TTL", 10*time.Minute),
		CleanupSchedule:    getEnv("AUTHBROKER_CLEANUP_SCHEDULE", "@hourly"),
		LinkAutoCreate:     getEnvBool("AUTHBROKER_LINK_AUTO_CREATE", true),
		LinkAllowHint:      getEnvBool("AUTHBROKER_LINK_ALLOW_HINT", false),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:        parseLogLevel(getEnv("AUTHBROKER_LOG_LEVEL", "info")),
		OTelEnabled:     getEnvBool("AUTHBROKER_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("AUTHBROKER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName: getEnv("AUTHBROKER_OTEL_SERVICE_NAME", "authbroker"),
		OTelInsecure:    getEnvBool("AUTHBROKER_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Audit.Store {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("postgres URL is required for postgres audit store")
		}
	case "file":
		if c.Audit.FallbackPath == "" {
			return fmt.Errorf("audit fallback path is required for file audit store")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid audit store: %s (must be postgres, file, or memory)", c.Audit.Store)
	}

	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention days must be positive")
	}

	if c.Redis.RateLimitEnabled && c.Redis.URL != "" {
		if c.Redis.RateLimitRequests <= 0 {
			return fmt.Errorf("rate limit requests must be positive")
		}
		if c.Redis.RateLimitWindow <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
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
