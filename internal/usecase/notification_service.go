package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/service/notify"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

const notificationDrainPoll = 100 * time.Millisecond

// NotificationService fans signals out to all subscribers. A failing
// subscriber never affects the others.
type NotificationService struct {
	mu          sync.RWMutex
	subscribers []domrepo.Subscriber
	metrics     domrepo.Metrics
	log         *logger.Logger
	inFlight    atomic.Int64
	closed      atomic.Bool
}

// NewNotificationService always registers the logging subscriber first.
func NewNotificationService(metrics domrepo.Metrics, log *logger.Logger, subscribers ...domrepo.Subscriber) *NotificationService {
	s := &NotificationService{
		metrics: metrics,
		log:     log.Named("notifications"),
	}
	s.Subscribe(notify.NewLoggingSubscriber(log))
	for _, sub := range subscribers {
		s.Subscribe(sub)
	}
	return s
}

func (s *NotificationService) Subscribe(sub domrepo.Subscriber) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
	s.log.Info("subscriber registered", logger.String("subscriber", sub.Name()))
}

// Publish delivers notifications in the background.
func (s *NotificationService) Publish(ctx context.Context, notifications []domrepo.Notification) {
	if len(notifications) == 0 {
		return
	}
	if s.closed.Load() {
		s.log.Warn("notifications dropped during shutdown", logger.Int("count", len(notifications)))
		return
	}
	s.inFlight.Add(1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer s.inFlight.Add(-1)
		s.Deliver(ctx, notifications)
	}()
}

// Deliver sends notifications to every subscriber in parallel and waits.
func (s *NotificationService) Deliver(ctx context.Context, notifications []domrepo.Notification) {
	s.mu.RLock()
	subs := append([]domrepo.Subscriber(nil), s.subscribers...)
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub domrepo.Subscriber) {
			defer wg.Done()
			for _, n := range notifications {
				s.notifyOne(ctx, sub, n)
			}
		}(sub)
	}
	wg.Wait()
}

func (s *NotificationService) notifyOne(ctx context.Context, sub domrepo.Subscriber, n domrepo.Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordError("subscriber_panic")
			s.log.Error("subscriber panicked",
				logger.String("subscriber", sub.Name()),
				logger.String("symbol", n.Result.Symbol),
				logger.Any("panic", r),
			)
		}
	}()
	if err := sub.Notify(ctx, n); err != nil {
		s.metrics.RecordError("subscriber")
		s.log.Error("subscriber failed",
			logger.String("subscriber", sub.Name()),
			logger.String("symbol", n.Result.Symbol),
			logger.Error(err),
		)
	}
}

// Shutdown refuses new notifications and waits for running deliveries.
func (s *NotificationService) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	ticker := time.NewTicker(notificationDrainPoll)
	defer ticker.Stop()
	for s.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("notification shutdown: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	s.log.Info("notifications drained")
	return nil
}
