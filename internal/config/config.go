// Package config provides centralized configuration management for Bifrost.
// It uses envconfig for environment variable loading and validator for validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvironmentProduction is the production environment identifier
	EnvironmentProduction = "production"

	// envPrefix namespaces every variable, e.g. BIFROST_SDK_KEY.
	envPrefix = "BIFROST"
)

// Config holds the complete application configuration.
type Config struct {
	App           AppConfig           `envconfig:"APP"`
	SDK           SDKConfig           `envconfig:"SDK"`
	Server        ServerConfig        `envconfig:"SERVER"`
	Database      DatabaseConfig      `envconfig:"DB"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
}

// AppConfig contains core application settings.
type AppConfig struct {
	Name            string        `envconfig:"NAME" default:"bifrost"`
	Version         string        `envconfig:"VERSION" default:"dev"`
	Environment     string        `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=json text"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// Load reads configuration from environment variables with the BIFROST prefix.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs validation on the loaded configuration using go-playground/validator.
// Database and Redis settings are only checked when the SDK configuration needs them.
func (c *Config) Validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if err := c.SDK.Validate(); err != nil {
		return err
	}

	if c.SDK.NeedsDatabase() {
		if err := c.Database.Validate(c.App.Environment); err != nil {
			return err
		}
	}

	if c.SDK.NeedsRedis() {
		if err := c.Redis.Validate(c.App.Environment); err != nil {
			return err
		}
	}

	if err := c.Server.Validate(c.App.Environment); err != nil {
		return err
	}

	if err := c.Observability.Validate(); err != nil {
		return err
	}

	return nil
}

// LogConfig logs the current configuration (without sensitive data).
func (c *Config) LogConfig(log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("app_name", c.App.Name),
		slog.String("version", c.App.Version),
		slog.String("environment", c.App.Environment),
		slog.String("log_level", c.App.LogLevel),
		slog.String("log_format", c.App.LogFormat),
		slog.Duration("shutdown_timeout", c.App.ShutdownTimeout),
		slog.String("sdk_mode", c.SDK.Mode),
		slog.Duration("features_refresh_rate", c.SDK.FeaturesRefreshRate),
		slog.Duration("segments_refresh_rate", c.SDK.SegmentsRefreshRate),
		slog.Any("flag_sets", c.SDK.FlagSets),
		slog.Bool("push_enabled", c.SDK.PushEnabled),
		slog.String("impressions_mode", c.SDK.ImpressionsMode),
		slog.String("sink", c.SDK.Sink),
		slog.String("server_port", c.Server.Port),
		slog.Bool("tls_enabled", c.Server.TLSEnabled),
		slog.String("observability_port", c.Observability.Port),
		slog.Bool("db_configured", c.Database.IsConfigured()),
		slog.Bool("redis_configured", c.Redis.IsConfigured()),
	)
}

// validatePort checks that port is a number in 1-65535.
func validatePort(port, component string) error {
	if port == "" {
		return fmt.Errorf("%s port cannot be empty", component)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%s port must be a number: %w", component, err)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", component, n)
	}
	return nil
}

func validateHost(host, component string) error {
	return validateNoWhitespace(host, component+" host")
}

// validateEndpoint checks a host and port pair given as separate settings.
func validateEndpoint(component, host, port string) error {
	if err := validateHost(host, component); err != nil {
		return err
	}
	return validatePort(port, component)
}

func validateNoWhitespace(value, field string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if strings.TrimSpace(value) != value {
		return fmt.Errorf("%s cannot contain whitespace", field)
	}
	return nil
}

// validatePasswordStrength requires a password of at least 12 characters in production.
func validatePasswordStrength(password, component, environment string) error {
	if environment != EnvironmentProduction {
		return nil
	}
	if password == "" {
		return fmt.Errorf("%s password is required in production", component)
	}
	if len(password) < 12 {
		return fmt.Errorf("%s password must be at least 12 characters in production", component)
	}
	return nil
}

// parseAndValidateURL parses rawURL and checks its scheme and host.
func parseAndValidateURL(rawURL string, schemes []string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if !slices.Contains(schemes, u.Scheme) {
		return nil, fmt.Errorf("invalid scheme %q, must be one of %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("host is required in URL")
	}
	return u, nil
}
