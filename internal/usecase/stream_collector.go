package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	mid "github.com/stefluhh/realtime-stock-exchange-analysis/internal/middleware"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/util"
)

const (
	MaxReconnectAttempts  = 20
	DefaultReconnectDelay = 5 * time.Second

	healthGracePeriod = 3 * time.Minute
	maxMessageSilence = 15 * time.Minute
)

var (
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")

	monitorFrom = util.Clock{Hour: 10, Minute: 20}
	monitorTo   = util.Clock{Hour: 2, Minute: 0}
)

// QuadraticBackOff waits base×(attempt+1)² before the attempt-th retry.
type QuadraticBackOff struct {
	Base    time.Duration
	attempt int
}

func (b *QuadraticBackOff) NextBackOff() time.Duration {
	b.attempt++
	n := time.Duration(b.attempt + 1)
	return b.Base * n * n
}

func (b *QuadraticBackOff) Reset() { b.attempt = 0 }

// DefaultReconnectPolicy is the feed reconnect schedule: 20 attempts with
// quadratically growing delays starting at 20s.
func DefaultReconnectPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(&QuadraticBackOff{Base: DefaultReconnectDelay}, MaxReconnectAttempts)
}

// StreamCollector connects the market stream to the trade pipeline and keeps
// the connection alive.
type StreamCollector struct {
	stream  domrepo.MarketStream
	pipe    *mid.RealtimePipeline
	metrics domrepo.Metrics
	log     *logger.Logger
	policy  func() backoff.BackOff
	now     func() time.Time

	startedAt    atomic.Int64
	lastMessage  atomic.Int64
	confirmed    atomic.Bool
	shuttingDown atomic.Bool
	running      atomic.Bool

	fatal    chan error
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type CollectorOption func(*StreamCollector)

// WithReconnectPolicy overrides the reconnect schedule. The factory is called
// once per outage.
func WithReconnectPolicy(policy func() backoff.BackOff) CollectorOption {
	return func(c *StreamCollector) {
		if policy != nil {
			c.policy = policy
		}
	}
}

// WithCollectorClock overrides the time source of the health probe.
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *StreamCollector) {
		if now != nil {
			c.now = now
		}
	}
}

// NewStreamCollector creates a new StreamCollector instance.
func NewStreamCollector(stream domrepo.MarketStream, pipe *mid.RealtimePipeline, metrics domrepo.Metrics, log *logger.Logger, opts ...CollectorOption) *StreamCollector {
	c := &StreamCollector{
		stream:  stream,
		pipe:    pipe,
		metrics: metrics,
		log:     log.Named("stream"),
		policy:  DefaultReconnectPolicy,
		now:     time.Now,
		fatal:   make(chan error, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsConnected returns true if the market stream is connected.
func (c *StreamCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

// Fatal delivers ErrMaxReconnectAttempts when the collector gives up.
func (c *StreamCollector) Fatal() <-chan error { return c.fatal }

// Start connects and consumes the stream in the background. A failing first
// connection goes through the reconnect schedule.
func (c *StreamCollector) Start(ctx context.Context) error {
	c.startedAt.Store(c.now().UnixNano())
	if err := c.connect(ctx); err != nil {
		c.log.Error("initial connection failed", logger.Error(err))
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
	c.running.Store(true)
	go c.run(ctx)
	return nil
}

func (c *StreamCollector) connect(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	return c.stream.Subscribe(ctx)
}

func (c *StreamCollector) run(ctx context.Context) {
	defer close(c.done)
	for {
		trades, errs := c.stream.Read(ctx)
		err := c.consume(ctx, trades, errs)
		if ctx.Err() != nil || c.shuttingDown.Load() {
			return
		}
		c.metrics.RecordError("stream")
		c.log.Error("stream interrupted, reconnecting", logger.Error(err))
		if err := c.reconnect(ctx); err != nil {
			if !c.shuttingDown.Load() && ctx.Err() == nil {
				c.log.Error("giving up on market stream", logger.Error(err))
				c.fatal <- err
			}
			return
		}
	}
}

func (c *StreamCollector) consume(ctx context.Context, trades <-chan *models.Trade, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case t, ok := <-trades:
			if !ok {
				return fmt.Errorf("market stream closed")
			}
			c.handle(ctx, t)
		}
	}
}

func (c *StreamCollector) handle(ctx context.Context, t *models.Trade) {
	if t == nil {
		return
	}
	c.lastMessage.Store(c.now().UnixNano())
	if c.confirmed.CompareAndSwap(false, true) {
		c.log.Info("streaming confirmed", logger.String("symbol", t.Symbol), logger.Float64("price", t.Price))
	}
	// rejected trades are counted by the pipeline
	_ = c.pipe.Process(ctx, t)
}

// reconnect retries until the stream is authenticated and subscribed again.
func (c *StreamCollector) reconnect(ctx context.Context) error {
	policy := backoff.WithContext(c.policy(), ctx)
	attempt := 0
	for {
		if c.shuttingDown.Load() {
			return nil
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrMaxReconnectAttempts
		}
		attempt++
		c.log.Info("reconnect scheduled", logger.Int("attempt", attempt), logger.Duration("delay", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if c.shuttingDown.Load() {
			return nil
		}

		if err := c.stream.Reconnect(ctx); err != nil {
			c.log.Error("reconnect failed", logger.Int("attempt", attempt), logger.Error(err))
			continue
		}
		c.log.Info("reconnected", logger.Int("attempt", attempt))
		return nil
	}
}

// LastMessageAt returns when the last trade arrived.
func (c *StreamCollector) LastMessageAt() (time.Time, bool) {
	n := c.lastMessage.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// ProbeHealth checks the feed from three minutes after start on. An unhealthy
// feed is closed so that the consume loop reconnects.
func (c *StreamCollector) ProbeHealth() bool {
	started := c.startedAt.Load()
	now := c.now()
	if started == 0 || now.Before(time.Unix(0, started).Add(healthGracePeriod)) {
		return true
	}
	last, _ := c.LastMessageAt()
	if StreamHealthy(last, now, c.log) {
		return true
	}
	c.log.Error("streaming is not healthy, reconnecting")
	if err := c.stream.Close(); err != nil {
		c.log.Error("close unhealthy stream", logger.Error(err))
	}
	return false
}

// StreamHealthy reports whether trades still arrive during the monitored
// hours (10:20 to 02:00 Europe/Berlin). A zero last means none arrived yet.
func StreamHealthy(last, now time.Time, log *logger.Logger) bool {
	if !util.InBerlinWindow(now, monitorFrom, monitorTo) {
		log.Info("outside of monitoring period, no check needed")
		return true
	}
	if last.IsZero() {
		log.Error("no messages received since streaming started")
		if util.IsWeekday(now) {
			log.Error("no messages on a weekday, alerting")
		}
		return false
	}
	silence := now.Sub(last)
	if silence > maxMessageSilence {
		log.Error("no messages received recently", logger.Duration("silence", silence))
		return false
	}
	log.Info("streaming is active", logger.Duration("since_last_message", silence))
	return true
}

// Shutdown stops reconnecting, closes the stream and waits for the consume
// loop to exit.
func (c *StreamCollector) Shutdown(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.shuttingDown.Store(true)
		close(c.stop)
		err = c.stream.Close()
	})
	if !c.running.Load() {
		return err
	}
	select {
	case <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
