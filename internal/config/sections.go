package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// LoadDatabase reads only the BIFROST_DB_* variables. Tools that talk to the
// change feed use it instead of Load, which also requires SDK settings.
func LoadDatabase(environment string) (*DatabaseConfig, error) {
	cfg := &DatabaseConfig{}
	if err := loadSection("DB", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(environment); err != nil {
		return nil, fmt.Errorf("database config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadRedis reads only the BIFROST_REDIS_* variables.
func LoadRedis(environment string) (*RedisConfig, error) {
	cfg := &RedisConfig{}
	if err := loadSection("REDIS", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(environment); err != nil {
		return nil, fmt.Errorf("redis config validation failed: %w", err)
	}
	return cfg, nil
}

func loadSection(name string, section any) error {
	if err := envconfig.Process(envPrefix+"_"+name, section); err != nil {
		return fmt.Errorf("failed to process %s environment variables: %w", name, err)
	}
	if err := validator.New().Struct(section); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}
