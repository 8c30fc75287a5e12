package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
)

// ChannelPublisher is satisfied by *redis.Client.
type ChannelPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSubscriber fans signals out over Redis pub/sub.
type RedisSubscriber struct {
	client  ChannelPublisher
	channel string
}

func NewRedisSubscriber(client ChannelPublisher, channel string) *RedisSubscriber {
	return &RedisSubscriber{client: client, channel: channel}
}

func (s *RedisSubscriber) Name() string { return "redis" }

func (s *RedisSubscriber) Notify(ctx context.Context, n domrepo.Notification) error {
	payload, err := json.Marshal(NewEvent(n))
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish signal to %s: %w", s.channel, err)
	}
	return nil
}

var _ domrepo.Subscriber = (*RedisSubscriber)(nil)
