package testsupport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/config"
)

// RedisContainer is a running Redis used for push notifications and the sink.
type RedisContainer struct {
	Container testcontainers.Container
	Client    *redis.Client
	Endpoint  string // host:port
}

// Terminate closes the client and removes the container.
func (c *RedisContainer) Terminate(ctx context.Context) error {
	_ = c.Client.Close()
	return c.Container.Terminate(ctx)
}

// QueueContents returns every record the sink appended to queue, oldest first.
func (c *RedisContainer) QueueContents(ctx context.Context, queue string) ([]string, error) {
	return c.Client.LRange(ctx, queue, 0, -1).Result()
}

// StartRedisContainer starts Redis and connects through cache.NewRedisClient.
func StartRedisContainer(ctx context.Context) (*RedisContainer, error) {
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	endpoint, err := ctr.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}
	host, port, _ := strings.Cut(endpoint, ":")

	client, err := cache.NewRedisClient(ctx, &config.RedisConfig{
		Host:           host,
		Port:           port,
		PoolSize:       10,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		PingMaxRetries: 5,
		PingBackoff:    500 * time.Millisecond,
	})
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect to redis container: %w", err)
	}

	return &RedisContainer{Container: ctr, Client: client, Endpoint: endpoint}, nil
}
