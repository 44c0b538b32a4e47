package config

import (
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalRequiredConfig runs the SDK against PostgreSQL with push enabled,
// so database and Redis settings are validated in every test that uses it.
func minimalRequiredConfig() map[string]string {
	return map[string]string{
		"BIFROST_SDK_MODE":         "postgres",
		"BIFROST_SDK_PUSH_ENABLED": "true",
		"BIFROST_DB_HOST":          "localhost",
		"BIFROST_DB_PORT":          "5432",
		"BIFROST_DB_NAME":          "bifrost_test",
		"BIFROST_DB_USER":          "test_user",
		"BIFROST_DB_PASSWORD":      "test_pass",
		"BIFROST_REDIS_HOST":       "localhost",
		"BIFROST_REDIS_PORT":       "6379",
		"BIFROST_REDIS_PASSWORD":   "redis_password_123",
	}
}

// mergeEnvVars merges additional env vars with minimal required config
func mergeEnvVars(additional map[string]string) map[string]string {
	result := minimalRequiredConfig()
	maps.Copy(result, additional)
	return result
}

// validProductionConfig returns a complete valid production configuration
// with all required database, Redis, and server settings for production tests
func validProductionConfig() map[string]string {
	return map[string]string{
		// App
		"BIFROST_APP_ENV": "production",

		// SDK
		"BIFROST_SDK_MODE":         "postgres",
		"BIFROST_SDK_PUSH_ENABLED": "true",

		// Database
		"BIFROST_DB_HOST":     "prod-db.example.com",
		"BIFROST_DB_PORT":     "5432",
		"BIFROST_DB_NAME":     "bifrost_prod",
		"BIFROST_DB_USER":     "prod_user",
		"BIFROST_DB_PASSWORD": "SuperSecure123!",
		"BIFROST_DB_SSL_MODE": "require",

		// Redis
		"BIFROST_REDIS_HOST":        "prod-redis.example.com",
		"BIFROST_REDIS_PORT":        "6379",
		"BIFROST_REDIS_PASSWORD":    "RedisSecure123!",
		"BIFROST_REDIS_TLS_ENABLED": "true",

		// Evaluator API
		"BIFROST_SERVER_API_KEY_HASH":  "5dec7e1c36e8ec7f526cfa8ff6dc788daad76f6dd34467662eb47990dca6b55d",
		"BIFROST_SERVER_TLS_ENABLED":   "true",
		"BIFROST_SERVER_TLS_CERT_FILE": "/certs/server-cert.pem",
		"BIFROST_SERVER_TLS_KEY_FILE":  "/certs/server-key.pem",
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name:    "Should use defaults when no env vars are set",
			envVars: minimalRequiredConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "bifrost", cfg.App.Name)
				assert.Equal(t, "dev", cfg.App.Version)
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "info", cfg.App.LogLevel)
				assert.Equal(t, "text", cfg.App.LogFormat)
				assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "8080", cfg.Server.Port)
				assert.Equal(t, "9090", cfg.Observability.Port)
				assert.Equal(t, 60*time.Second, cfg.SDK.FeaturesRefreshRate)
				assert.Equal(t, "optimized", cfg.SDK.ImpressionsMode)
			},
			wantErr: false,
		},
		{
			name: "Should load all custom environment variables correctly",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_NAME":             "test-app",
				"BIFROST_APP_VERSION":          "1.0.0",
				"BIFROST_APP_ENV":              "staging",
				"BIFROST_APP_LOG_LEVEL":        "debug",
				"BIFROST_APP_LOG_FORMAT":       "json",
				"BIFROST_APP_SHUTDOWN_TIMEOUT": "60s",
				"BIFROST_SERVER_PORT":          "9000",
				"BIFROST_OBSERVABILITY_PORT":   "9091",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "test-app", cfg.App.Name)
				assert.Equal(t, "1.0.0", cfg.App.Version)
				assert.Equal(t, "staging", cfg.App.Environment)
				assert.Equal(t, "debug", cfg.App.LogLevel)
				assert.Equal(t, "json", cfg.App.LogFormat)
				assert.Equal(t, 60*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "9000", cfg.Server.Port)
				assert.Equal(t, "9091", cfg.Observability.Port)
			},
			wantErr: false,
		},
		{
			name: "Should fail validation on invalid environment value",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_ENV": "invalid",
			}),
			wantErr: true,
		},
		{
			name: "Should fail validation on invalid log level",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_LOG_LEVEL": "trace",
			}),
			wantErr: true,
		},
		{
			name: "Should fail validation on invalid log format",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_LOG_FORMAT": "xml",
			}),
			wantErr: true,
		},
		{
			name: "Should pass validation in staging environment",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_ENV": "staging",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "staging", cfg.App.Environment)
			},
			wantErr: false,
		},
		{
			name: "Should allow missing passwords in non-production environments",
			envVars: mergeEnvVars(map[string]string{
				"BIFROST_APP_ENV":        "development",
				"BIFROST_DB_PASSWORD":    "", // Empty password OK in development
				"BIFROST_REDIS_PASSWORD": "", // Empty password OK in development
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "", cfg.Database.Password)
				assert.Equal(t, "", cfg.Redis.Password)
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup: Set environment variables for this test
			// t.Setenv automatically prevents parallel execution and cleans up after the test
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			// Execute
			cfg, err := Load()

			// Assert
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			if tt.want != nil {
				tt.want(t, cfg)
			}
		})
	}
}
