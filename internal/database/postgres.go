// Package database provides the PostgreSQL connection factory used by the
// self-hosted change feed.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
)

// NewPostgresPool creates a pool from cfg and pings it with exponential backoff.
// The caller owns the pool and must Close it.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	log := logger.FromContext(ctx)
	backoff := retry.WithMaxRetries(uint64(max(cfg.PingMaxRetries-1, 0)), retry.NewExponential(cfg.PingBackoff))
	attempt := 0

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()

		if err := pool.Ping(pingCtx); err != nil {
			log.Warn("postgres ping failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", attempt, err)
	}

	log.Info("connected to postgres", slog.Int("attempt", attempt))
	return pool, nil
}

// RunPoolMonitor publishes pool statistics every interval until ctx is cancelled.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		recordPoolStats(pool.Stat())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func recordPoolStats(stat *pgxpool.Stat) {
	observability.DBPoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
	observability.DBPoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
	observability.DBPoolConnections.WithLabelValues("in_use").Set(float64(stat.AcquiredConns()))
	observability.DBPoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))
	observability.DBPoolAcquires.Set(float64(stat.AcquireCount()))
	observability.DBPoolWaits.Set(float64(stat.EmptyAcquireCount()))
}
