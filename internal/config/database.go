package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// maxIdentifierLength is PostgreSQL's NAMEDATALEN - 1.
const maxIdentifierLength = 63

// DatabaseConfig configures the PostgreSQL pool behind the self-hosted change
// feed. Either URL or the individual components must be set.
type DatabaseConfig struct {
	URL      string `envconfig:"URL"`
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Name     string `envconfig:"NAME"`
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`
	SSLMode  string `envconfig:"SSL_MODE" default:"prefer" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	// The change feed is read by one poller and a few segment workers,
	// so the pool stays small.
	MaxConns        int           `envconfig:"MAX_CONNS" default:"10" validate:"min=1"`
	MinConns        int           `envconfig:"MIN_CONNS" default:"1" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"MAX_CONN_IDLE_TIME" default:"30m"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`

	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"2s"`
}

// ConnectionString returns URL when set, otherwise a postgres:// URL built
// from the components.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// Validate checks the connection settings. Production requires a strong
// password and an SSL mode that verifies or at least requires encryption.
func (c *DatabaseConfig) Validate(environment string) error {
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("database min conns (%d) cannot exceed max conns (%d)", c.MinConns, c.MaxConns)
	}

	if c.URL != "" {
		u, err := parseAndValidateURL(c.URL, []string{"postgres", "postgresql"})
		if err != nil {
			return fmt.Errorf("invalid database URL: %w", err)
		}
		if u.User.Username() == "" {
			return fmt.Errorf("invalid database URL: user is required")
		}
		if strings.Trim(u.Path, "/") == "" {
			return fmt.Errorf("invalid database URL: database name is required")
		}
		return nil
	}

	if err := validateEndpoint("database", c.Host, c.Port); err != nil {
		return err
	}
	if err := validateNoWhitespace(c.Name, "database name"); err != nil {
		return err
	}
	if len(c.Name) > maxIdentifierLength {
		return fmt.Errorf("database name cannot exceed %d characters", maxIdentifierLength)
	}
	if err := validateNoWhitespace(c.User, "database user"); err != nil {
		return err
	}

	if environment != EnvironmentProduction {
		return nil
	}
	if err := validatePasswordStrength(c.Password, "database", environment); err != nil {
		return err
	}
	switch c.SSLMode {
	case "require", "verify-ca", "verify-full":
		return nil
	default:
		return fmt.Errorf("database SSL mode %q is not allowed in production", c.SSLMode)
	}
}

// IsConfigured reports whether enough settings are present to attempt a connection.
func (c *DatabaseConfig) IsConfigured() bool {
	return c.URL != "" || (c.Host != "" && c.Port != "" && c.Name != "" && c.User != "")
}
