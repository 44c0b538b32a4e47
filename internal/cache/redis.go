package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/logger"
)

// NewRedisClient opens the Redis connection shared by the push consumer and
// the impression and event sink. The initial ping is retried with exponential backoff.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, errors.New("redis config cannot be nil")
	}

	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.PoolTimeout = cfg.PoolTimeout
	opts.MaxRetries = cfg.MaxRetries
	opts.MinRetryBackoff = cfg.MinRetryBackoff
	opts.MaxRetryBackoff = cfg.MaxRetryBackoff

	if cfg.TLSEnabled && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	log := logger.FromContext(ctx)
	backoff := retry.WithMaxRetries(uint64(max(cfg.PingMaxRetries-1, 0)), retry.NewExponential(cfg.PingBackoff))
	attempt := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("redis ping failed", slog.Int("attempt", attempt), slog.Any("error", err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", attempt, err)
	}

	log.Info("connected to redis", slog.Int("attempt", attempt))
	return client, nil
}

// RedisHealthChecker reports whether Redis answers PING.
type RedisHealthChecker struct {
	client *redis.Client
}

// NewRedisHealthChecker creates a health checker for client.
func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

// Name returns the component name.
func (h *RedisHealthChecker) Name() string {
	return "redis"
}

// Check pings Redis.
func (h *RedisHealthChecker) Check(ctx context.Context) error {
	if h.client == nil {
		return errors.New("redis client is nil")
	}
	return h.client.Ping(ctx).Err()
}
