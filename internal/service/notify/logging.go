package notify

import (
	"context"

	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

// LoggingSubscriber writes every signal to the log.
type LoggingSubscriber struct {
	log *logger.Logger
}

func NewLoggingSubscriber(log *logger.Logger) *LoggingSubscriber {
	return &LoggingSubscriber{log: log.Named("signals")}
}

func (s *LoggingSubscriber) Name() string { return "log" }

func (s *LoggingSubscriber) Notify(ctx context.Context, n domrepo.Notification) error {
	r := n.Result
	s.log.Info("analysis result",
		logger.String("id", r.ID),
		logger.String("symbol", r.Symbol),
		logger.String("signal", string(r.Signal)),
		logger.String("strategy", r.StrategyID),
		logger.String("granularity", string(r.Granularity)),
		logger.Time("date", r.Date),
		logger.Float64("magnitude", r.Magnitude),
		logger.Float64("confidence", r.Confidence),
		logger.String("note", r.DebugNote),
	)
	return nil
}

var _ domrepo.Subscriber = (*LoggingSubscriber)(nil)
