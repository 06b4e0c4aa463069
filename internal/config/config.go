package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Storage       StorageConfig
	ShortLink     ShortLinkConfig
	Token         TokenConfig
	App           AppConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"SERVER_PORT" required:"true"`
	Host            string        `envconfig:"SERVER_HOST" required:"true"`
	BaseURL         string        `envconfig:"SERVER_BASE_URL" required:"true"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" required:"true"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" required:"true"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" required:"true"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" required:"true"`
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" required:"true"`
	Port     string `envconfig:"DB_PORT" required:"true"`
	User     string `envconfig:"DB_USER" required:"true"`
	Password string `envconfig:"DB_PASSWORD" required:"true"`
	Name     string `envconfig:"DB_NAME" required:"true"`
	SSLMode  string `envconfig:"DB_SSLMODE" required:"true"`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" required:"true"`
	MinConns int32  `envconfig:"DB_MIN_CONNS" required:"true"`
}

// Validate validates the database configuration.
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if c.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	if c.Name == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.MinConns <= 0 {
		return fmt.Errorf("min connections must be positive")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min connections (%d) cannot be greater than max connections (%d)", c.MinConns, c.MaxConns)
	}

	validSSLModes := map[string]bool{
		"disable":     true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if !validSSLModes[c.SSLMode] {
		return fmt.Errorf("invalid SSL mode: %s (must be one of: disable, require, verify-ca, verify-full)", c.SSLMode)
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection URL, used by golang-migrate.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL string `envconfig:"REDIS_URL" required:"true"`
}

// Validate validates the Redis configuration.
func (c *RedisConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis URL cannot be empty")
	}
	return nil
}

// StorageConfig holds object storage configuration for QR code assets.
type StorageConfig struct {
	Bucket    string `envconfig:"STORAGE_BUCKET" required:"true"`
	Region    string `envconfig:"STORAGE_REGION" required:"true"`
	PublicURL string `envconfig:"STORAGE_PUBLIC_URL"` // optional CDN base; defaults to the bucket endpoint
	Endpoint  string `envconfig:"STORAGE_ENDPOINT"`   // optional custom endpoint (minio, localstack)
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket cannot be empty")
	}
	if c.Region == "" {
		return fmt.Errorf("region cannot be empty")
	}
	return nil
}

// ShortLinkConfig holds short-link generation configuration.
type ShortLinkConfig struct {
	CodeLength int `envconfig:"SHORTLINK_CODE_LENGTH" default:"7"`
	MaxRetries int `envconfig:"SHORTLINK_MAX_RETRIES" default:"10"`
}

// Validate validates the short-link configuration.
func (c *ShortLinkConfig) Validate() error {
	if c.CodeLength < 6 || c.CodeLength > 8 {
		return fmt.Errorf("code length must be between 6 and 8, got %d", c.CodeLength)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	return nil
}

// TokenConfig holds API token configuration.
type TokenConfig struct {
	BcryptCost     int           `envconfig:"TOKEN_BCRYPT_COST" default:"12"`
	DefaultTTL     time.Duration `envconfig:"TOKEN_DEFAULT_TTL" default:"8760h"`     // 1 year
	UsageRetention time.Duration `envconfig:"TOKEN_USAGE_RETENTION" default:"2160h"` // 90 days
}

// Validate validates the token configuration.
func (c *TokenConfig) Validate() error {
	if c.BcryptCost < 10 || c.BcryptCost > 16 {
		return fmt.Errorf("bcrypt cost must be between 10 and 16, got %d", c.BcryptCost)
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default TTL must be positive")
	}
	if c.UsageRetention <= 0 {
		return fmt.Errorf("usage retention must be positive")
	}
	return nil
}

// AppConfig holds application-specific configuration.
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" required:"true"`   // development, staging, production, test
	LogLevel    string `envconfig:"LOG_LEVEL" required:"true"` // debug, info, warn, error
}

// Validate validates the app configuration.
func (c *AppConfig) Validate() error {
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s (must be one of: development, staging, production, test)", c.Environment)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}
	return nil
}

// IsProduction reports whether the app runs in production mode.
// The URL validator applies stricter host checks when it does.
func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}

// ObservabilityConfig holds configuration for tracing/metrics.
type ObservabilityConfig struct {
	Enabled           bool    `envconfig:"OTEL_ENABLED" required:"true"`
	ServiceName       string  `envconfig:"OTEL_SERVICE_NAME"`
	ServiceVersion    string  `envconfig:"OTEL_SERVICE_VERSION"`
	OTelEndpoint      string  `envconfig:"OTEL_ENDPOINT"`
	OTelInsecure      bool    `envconfig:"OTEL_INSECURE"`
	TracingSampleRate float64 `envconfig:"OTEL_TRACING_SAMPLE_RATE"`
}

// Validate validates the observability configuration.
func (c *ObservabilityConfig) Validate() error {
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1, got %f", c.TracingSampleRate)
	}

	// Only require these when observability is enabled.
	if c.Enabled {
		if c.ServiceName == "" {
			return fmt.Errorf("service name is required when observability is enabled")
		}
		if c.OTelEndpoint == "" {
			return fmt.Errorf("OTEL endpoint is required when observability is enabled")
		}
		if c.ServiceVersion == "" {
			return fmt.Errorf("service version is required when observability is enabled")
		}
	}

	return nil
}

// Load loads configuration from environment variables only.
// (Do .env loading in cmd/server/main.go for dev, not here.)
func Load() (*Config, error) {
	cfg := &Config{}

	sections := []struct {
		name     string
		target   any
		validate func() error
	}{
		{"Server", &cfg.Server, func() error { return cfg.Server.Validate() }},
		{"Database", &cfg.Database, func() error { return cfg.Database.Validate() }},
		{"Redis", &cfg.Redis, func() error { return cfg.Redis.Validate() }},
		{"Storage", &cfg.Storage, func() error { return cfg.Storage.Validate() }},
		{"ShortLink", &cfg.ShortLink, func() error { return cfg.ShortLink.Validate() }},
		{"Token", &cfg.Token, func() error { return cfg.Token.Validate() }},
		{"App", &cfg.App, func() error { return cfg.App.Validate() }},
		{"Observability", &cfg.Observability, func() error { return cfg.Observability.Validate() }},
	}

	for _, s := range sections {
		if err := envconfig.Process("", s.target); err != nil {
			return nil, fmt.Errorf("failed to load %s config: %w", s.name, err)
		}
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s config: %w", s.name, err)
		}
	}

	return cfg, nil
}
