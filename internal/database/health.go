package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker reports the change-feed database as unhealthy when it cannot
// be pinged or when the feed tables are missing.
type HealthChecker struct {
	pool *pgxpool.Pool
}

func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

func (h *HealthChecker) Name() string {
	return "postgres"
}

// Check pings the pool and confirms the splits table exists, so a database
// that was never migrated does not pass readiness.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return errors.New("database pool is nil")
	}
	if err := h.pool.Ping(ctx); err != nil {
		return err
	}

	var exists bool
	if err := h.pool.QueryRow(ctx, `SELECT to_regclass('splits') IS NOT NULL`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to inspect change feed schema: %w", err)
	}
	if !exists {
		return errors.New("change feed schema is not migrated")
	}
	return nil
}
