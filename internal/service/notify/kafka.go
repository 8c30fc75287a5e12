package notify

import (
	"context"
	"fmt"

	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
)

// Publisher writes a keyed message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
}

// KafkaSubscriber publishes signals as JSON events keyed by symbol.
type KafkaSubscriber struct {
	pub   Publisher
	topic string
}

func NewKafkaSubscriber(pub Publisher, topic string) *KafkaSubscriber {
	return &KafkaSubscriber{pub: pub, topic: topic}
}

func (s *KafkaSubscriber) Name() string { return "kafka" }

func (s *KafkaSubscriber) Notify(ctx context.Context, n domrepo.Notification) error {
	if err := s.pub.Publish(ctx, s.topic, []byte(n.Result.Symbol), NewEvent(n)); err != nil {
		return fmt.Errorf("publish signal to %s: %w", s.topic, err)
	}
	return nil
}

var _ domrepo.Subscriber = (*KafkaSubscriber)(nil)
