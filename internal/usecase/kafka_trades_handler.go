package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	mid "github.com/stefluhh/realtime-stock-exchange-analysis/internal/middleware"
	pkgkafka "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/kafka"
)

// KafkaTradesHandler replays trades from a Kafka topic into the realtime
// pipeline. Messages use the feed's trade schema {sym, p, s, t, x, c, q}.
type KafkaTradesHandler struct {
	topic   string
	pipe    mid.Proc
	metrics domrepo.Metrics
}

func NewKafkaTradesHandler(topic string, pipe mid.Proc, metrics domrepo.Metrics) *KafkaTradesHandler {
	return &KafkaTradesHandler{topic: topic, pipe: pipe, metrics: metrics}
}

func (h *KafkaTradesHandler) Topic() string { return h.topic }

// Handle decodes one trade. Trades rejected by the pipeline are not retried.
func (h *KafkaTradesHandler) Handle(ctx context.Context, b []byte) error {
	var t models.Trade
	if err := json.Unmarshal(b, &t); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	if t.TimestampMillis > 0 {
		h.metrics.RecordLatency("replay_lag_seconds", time.Since(time.UnixMilli(t.TimestampMillis)).Seconds())
	}

	err := h.pipe.Process(ctx, &t)
	if errors.Is(err, mid.ErrInvalidTrade) || errors.Is(err, mid.ErrVenueFiltered) {
		return nil
	}
	if err != nil {
		h.metrics.RecordError("consumer_process")
	}
	return err
}

var _ pkgkafka.MessageHandler = (*KafkaTradesHandler)(nil)
