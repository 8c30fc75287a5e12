package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

const defaultRollupDebounce = 5 * time.Millisecond

// rollupLevel collects sub-bars of one period length. The level closes when it
// holds size sub-bars or when a sub-bar ends after the pending period.
type rollupLevel struct {
	period    int64
	size      int
	pending   []*models.Candle
	periodEnd int64
}

func newRollupLevel(period time.Duration, size int) *rollupLevel {
	return &rollupLevel{period: period.Milliseconds(), size: size}
}

// add appends c and returns the candles closed by it, oldest first.
func (l *rollupLevel) add(c *models.Candle) []*models.Candle {
	var closed []*models.Candle
	if len(l.pending) > 0 && c.EndMillis > l.periodEnd {
		closed = append(closed, mergeCandles(l.pending))
		l.pending = nil
	}
	if len(l.pending) == 0 {
		l.periodEnd = c.StartMillis - c.StartMillis%l.period + l.period
	}
	l.pending = append(l.pending, c)
	if len(l.pending) >= l.size {
		closed = append(closed, mergeCandles(l.pending))
		l.pending = nil
	}
	return closed
}

func mergeCandles(parts []*models.Candle) *models.Candle {
	first, last := parts[0], parts[len(parts)-1]
	out := &models.Candle{
		Ticker:      first.Ticker,
		Open:        first.Open,
		Close:       last.Close,
		High:        first.High,
		Low:         first.Low,
		StartMillis: first.StartMillis,
		EndMillis:   last.EndMillis,
	}
	for _, p := range parts {
		out.High = max(out.High, p.High)
		out.Low = min(out.Low, p.Low)
		out.Volume += p.Volume
		out.TradeCount += p.TradeCount
		if p.BiggestSingleTradeVolume > out.BiggestSingleTradeVolume {
			out.BiggestSingleTradeVolume = p.BiggestSingleTradeVolume
			out.ExchangeBiggestTrade = p.ExchangeBiggestTrade
		}
		out.AggregatedAt = max(out.AggregatedAt, p.AggregatedAt)
	}
	return out
}

type symbolRollup struct {
	quarter *rollupLevel
	half    *rollupLevel
}

func newSymbolRollup() *symbolRollup {
	return &symbolRollup{
		quarter: newRollupLevel(15*time.Minute, 15),
		half:    newRollupLevel(30*time.Minute, 2),
	}
}

func (s *symbolRollup) add(minute *models.Candle) []*models.Candle {
	var out []*models.Candle
	for _, q := range s.quarter.add(minute) {
		out = append(out, s.half.add(q)...)
	}
	return out
}

// CandleRollup combines one-minute candles into thirty-minute candles through
// an intermediate fifteen-minute level. A single goroutine consumes an
// unbounded FIFO so that callers of Buffer never block.
type CandleRollup struct {
	mu       sync.Mutex
	queue    []*models.Candle
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	started  bool
	debounce time.Duration
	symbols  map[string]*symbolRollup
	emit     CandleHandler
	log      *applogger.Logger
}

type RollupOption func(*CandleRollup)

// WithDebounce sets how long the loop waits after waking up before draining.
func WithDebounce(d time.Duration) RollupOption {
	return func(r *CandleRollup) {
		if d >= 0 {
			r.debounce = d
		}
	}
}

func NewCandleRollup(emit CandleHandler, log *applogger.Logger, opts ...RollupOption) *CandleRollup {
	r := &CandleRollup{
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		debounce: defaultRollupDebounce,
		symbols:  make(map[string]*symbolRollup),
		emit:     emit,
		log:      log.Named("candle_rollup"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Buffer enqueues a closed one-minute candle.
func (r *CandleRollup) Buffer(c *models.Candle) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.queue = append(r.queue, c)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start launches the consumer loop.
func (r *CandleRollup) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.loop(ctx)
}

func (r *CandleRollup) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			r.drain(ctx)
			return
		case <-r.wake:
			if r.debounce > 0 {
				t := time.NewTimer(r.debounce)
				select {
				case <-t.C:
				case <-r.stop:
					t.Stop()
					r.drain(ctx)
					return
				}
			}
			r.drain(ctx)
		}
	}
}

func (r *CandleRollup) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, c := range batch {
			r.handle(ctx, c)
		}
	}
}

func (r *CandleRollup) handle(ctx context.Context, c *models.Candle) {
	s, ok := r.symbols[c.Ticker]
	if !ok {
		s = newSymbolRollup()
		r.symbols[c.Ticker] = s
	}
	for _, closed := range s.add(c) {
		r.log.Debug("thirty minute candle closed",
			applogger.String("symbol", closed.Ticker),
			applogger.Time("start", closed.Start()),
			applogger.Time("end", closed.End()),
		)
		r.emit(ctx, closed)
	}
}

// Stop drains what is already queued and ends the loop. It is safe to call
// Stop on a rollup that was never started.
func (r *CandleRollup) Stop() {
	r.once.Do(func() {
		close(r.stop)
		r.mu.Lock()
		started := r.started
		r.mu.Unlock()
		if started {
			<-r.done
		}
	})
}
