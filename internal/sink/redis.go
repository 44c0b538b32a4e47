package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/internal/validation"
)

// RedisWriter appends batches to Redis lists named after their queue.
type RedisWriter struct {
	client *redis.Client
}

// NewRedisWriter creates a writer over client.
func NewRedisWriter(client *redis.Client) *RedisWriter {
	validation.AssertNotNil(client, "sink", "redis client")
	return &RedisWriter{client: client}
}

// Write appends records to the list with a single RPUSH.
func (w *RedisWriter) Write(ctx context.Context, queue string, records [][]byte) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]any, len(records))
	for i, r := range records {
		values[i] = r
	}
	if err := w.client.RPush(ctx, queue, values...).Err(); err != nil {
		return fmt.Errorf("failed to push %d records to %s: %w", len(records), queue, err)
	}
	return nil
}
