// Package testsupport starts throwaway PostgreSQL and Redis containers for
// integration tests and reads Prometheus series for metric assertions.
package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/database"
)

// changeFeedTables are emptied by Reset, children first.
var changeFeedTables = []string{"segment_changes", "rule_based_segments", "splits"}

// PostgresContainer is a running PostgreSQL with the change-feed schema applied.
type PostgresContainer struct {
	Container        testcontainers.Container
	DB               *pgxpool.Pool
	ConnectionString string
}

// Terminate closes the pool and removes the container.
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	c.DB.Close()
	return c.Container.Terminate(ctx)
}

// Reset empties the change feed so scenarios can start from since=-1 again.
func (c *PostgresContainer) Reset(ctx context.Context) error {
	for _, table := range changeFeedTables {
		if _, err := c.DB.Exec(ctx, "TRUNCATE TABLE "+table); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}
	return nil
}

// StartPostgresContainer starts PostgreSQL and runs every migrationsDir/*.sql
// file in name order as an init script. The pool comes from
// database.NewPostgresPool so tests exercise the production connection path.
func StartPostgresContainer(ctx context.Context, migrationsDir string) (*PostgresContainer, error) {
	scripts, err := filepath.Glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	if len(scripts) == 0 {
		return nil, fmt.Errorf("no migrations found in %s", migrationsDir)
	}
	for i, script := range scripts {
		if scripts[i], err = filepath.Abs(script); err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", script, err)
		}
	}

	ctr, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("bifrost_test"),
		postgres.WithUsername("bifrost"),
		postgres.WithPassword("bifrost"),
		postgres.WithInitScripts(scripts...),
		testcontainers.WithWaitStrategy(
			// The server restarts once after running init scripts.
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, &config.DatabaseConfig{
		URL:             dsn,
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
		PingMaxRetries:  5,
		PingBackoff:     500 * time.Millisecond,
	})
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect to postgres container: %w", err)
	}

	return &PostgresContainer{Container: ctr, DB: pool, ConnectionString: dsn}, nil
}
