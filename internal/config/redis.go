package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxRedisDB is the highest logical database of a default Redis server.
const maxRedisDB = 15

// RedisConfig configures the Redis client shared by push notifications and the
// impressions/events sink. Either URL or Host and Port must be set.
type RedisConfig struct {
	URL        string `envconfig:"URL"`
	Host       string `envconfig:"HOST"`
	Port       string `envconfig:"PORT"`
	Password   string `envconfig:"PASSWORD"`
	DB         int    `envconfig:"DB" default:"0" validate:"min=0,max=15"`
	TLSEnabled bool   `envconfig:"TLS_ENABLED" default:"false"`

	PoolSize        int           `envconfig:"POOL_SIZE" default:"20" validate:"min=1"`
	MinIdleConns    int           `envconfig:"MIN_IDLE_CONNS" default:"2" validate:"min=0"`
	DialTimeout     time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
	PoolTimeout     time.Duration `envconfig:"POOL_TIMEOUT" default:"4s"`
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3" validate:"min=0"`
	MinRetryBackoff time.Duration `envconfig:"MIN_RETRY_BACKOFF" default:"8ms"`
	MaxRetryBackoff time.Duration `envconfig:"MAX_RETRY_BACKOFF" default:"512ms"`

	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"2s"`
}

// Address returns URL when set, otherwise host:port.
func (c *RedisConfig) Address() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Host + ":" + c.Port
}

// Validate checks the connection settings. Production requires a strong
// password and TLS unless a URL carries its own settings.
func (c *RedisConfig) Validate(environment string) error {
	if c.MinIdleConns > c.PoolSize {
		return fmt.Errorf("redis min idle conns (%d) cannot exceed pool size (%d)", c.MinIdleConns, c.PoolSize)
	}

	if c.URL != "" {
		u, err := parseAndValidateURL(c.URL, []string{"redis", "rediss"})
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		if db := strings.Trim(u.Path, "/"); db != "" {
			n, err := strconv.Atoi(db)
			if err != nil || n < 0 || n > maxRedisDB {
				return fmt.Errorf("invalid redis URL: database must be between 0 and %d, got %q", maxRedisDB, db)
			}
		}
		return nil
	}

	if err := validateEndpoint("redis", c.Host, c.Port); err != nil {
		return err
	}

	if environment != EnvironmentProduction {
		return nil
	}
	if err := validatePasswordStrength(c.Password, "redis", environment); err != nil {
		return err
	}
	if !c.TLSEnabled {
		return fmt.Errorf("redis TLS must be enabled in production")
	}
	return nil
}

// IsConfigured reports whether enough settings are present to attempt a connection.
func (c *RedisConfig) IsConfigured() bool {
	return c.URL != "" || (c.Host != "" && c.Port != "")
}
