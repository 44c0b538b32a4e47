// Package push delivers change notifications published on a Redis channel.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/internal/dtos"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// bufferSize decouples the Redis reader from a slow consumer.
const bufferSize = 64

// ErrInvalidNotification is returned for messages that cannot be applied.
var ErrInvalidNotification = errors.New("invalid notification")

// RedisSource subscribes to notifications on a Redis pub/sub channel.
type RedisSource struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisSource creates a source reading from channel.
func NewRedisSource(logger *slog.Logger, client *redis.Client, channel string) *RedisSource {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(client, "push", "redis client")
	validation.AssertNotEmpty(channel, "push", "channel")
	return &RedisSource{client: client, channel: channel, logger: logger}
}

// Subscribe confirms the subscription and streams decoded notifications.
// Messages that fail to decode are logged and skipped. The returned channel
// is closed when ctx is cancelled or the subscription ends.
func (s *RedisSource) Subscribe(ctx context.Context) (<-chan dtos.Notification, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)

	// Wait for confirmation so connection errors surface here and not as a silent closed channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	s.logger.Info("subscribed to push notifications", slog.String("channel", s.channel))

	out := make(chan dtos.Notification, bufferSize)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				n, err := Decode([]byte(msg.Payload))
				if err != nil {
					observability.NotificationsTotal.WithLabelValues("unknown", "invalid").Inc()
					s.logger.Warn("discarding push notification",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Publish sends a notification to the channel.
func (s *RedisSource) Publish(ctx context.Context, n dtos.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Decode parses and validates a notification message.
func Decode(payload []byte) (dtos.Notification, error) {
	var n dtos.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	switch n.Type {
	case dtos.NotificationSplitUpdate, dtos.NotificationRuleBasedSegmentUpdate:
	case dtos.NotificationSplitKill:
		if n.SplitName == "" || n.DefaultTreatment == "" {
			return n, fmt.Errorf("%w: kill requires splitName and defaultTreatment", ErrInvalidNotification)
		}
	case dtos.NotificationSegmentUpdate:
		if n.SegmentName == "" {
			return n, fmt.Errorf("%w: segment update requires segmentName", ErrInvalidNotification)
		}
	default:
		return n, fmt.Errorf("%w: unknown type %q", ErrInvalidNotification, n.Type)
	}

	if n.ChangeNumber <= 0 {
		return n, fmt.Errorf("%w: change number must be positive", ErrInvalidNotification)
	}
	return n, nil
}
