package usecase

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

// CandleHandler receives a closed candle.
type CandleHandler func(ctx context.Context, c *models.Candle)

// lowWaterLookback bounds how old a trade may be when its symbol is first seen.
const lowWaterLookback = 15 * time.Minute

type minuteBucket struct {
	open, close  float64
	high, low    float64
	hasLast      bool
	hasHighLow   bool
	volume       int64
	tradeCount   int64
	biggest      int64
	biggestVenue string
}

func (b *minuteBucket) add(t *models.Trade, r conditionRule) {
	switch {
	case r.correction:
		b.volume -= t.Size
		b.tradeCount--
	case r.volume:
		b.volume += t.Size
		b.tradeCount++
		if t.Size > b.biggest {
			b.biggest = t.Size
			b.biggestVenue = strconv.Itoa(t.VenueID)
		}
	}

	if r.last {
		if !b.hasLast {
			b.open = t.Price
			b.hasLast = true
		}
		b.close = t.Price
	}

	if r.highLow {
		if !b.hasHighLow {
			b.high, b.low = t.Price, t.Price
			b.hasHighLow = true
		} else {
			b.high = max(b.high, t.Price)
			b.low = min(b.low, t.Price)
		}
	}
}

// symbolBuckets holds the open minute buckets of one symbol. Trades for
// minutes below lowWater are dropped.
type symbolBuckets struct {
	mu       sync.Mutex
	lowWater int64
	buckets  map[int64]*minuteBucket
}

// TradeAggregator turns individual trades into one-minute candles per symbol.
type TradeAggregator struct {
	mu      sync.RWMutex
	symbols map[string]*symbolBuckets
	emit    CandleHandler
	metrics domrepo.Metrics
	log     *applogger.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

type AggregatorOption func(*TradeAggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *TradeAggregator) {
		if now != nil {
			a.now = now
		}
	}
}

func NewTradeAggregator(emit CandleHandler, metrics domrepo.Metrics, log *applogger.Logger, opts ...AggregatorOption) *TradeAggregator {
	a := &TradeAggregator{
		symbols: make(map[string]*symbolBuckets),
		emit:    emit,
		metrics: metrics,
		log:     log.Named("trade_aggregator"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *TradeAggregator) bucketsFor(symbol string) *symbolBuckets {
	a.mu.RLock()
	s, ok := a.symbols[symbol]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.symbols[symbol]; ok {
		return s
	}
	s = &symbolBuckets{
		lowWater: a.now().Add(-lowWaterLookback).UnixMilli() / 60000,
		buckets:  make(map[int64]*minuteBucket),
	}
	a.symbols[symbol] = s
	return s
}

// Process adds a trade to the bucket of its minute. Incomplete trades and
// trades for already emitted minutes are ignored.
func (a *TradeAggregator) Process(ctx context.Context, t *models.Trade) error {
	if t == nil || t.Symbol == "" || t.TimestampMillis <= 0 || t.Size <= 0 || t.Price <= 0 {
		a.metrics.RecordTrade(false)
		return nil
	}

	s := a.bucketsFor(t.Symbol)
	key := t.MinuteKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	if key < s.lowWater {
		a.metrics.RecordTrade(false)
		return nil
	}
	b, ok := s.buckets[key]
	if !ok {
		b = &minuteBucket{}
		s.buckets[key] = b
	}
	b.add(t, ruleFor(t.Conditions))
	a.metrics.RecordTrade(true)
	return nil
}

// DrainOldest emits the oldest minute of every symbol that has more than one
// open minute. Candles are handed to the emit callback asynchronously.
// It returns the number of emitted candles.
func (a *TradeAggregator) DrainOldest(ctx context.Context) int {
	a.mu.RLock()
	symbols := make(map[string]*symbolBuckets, len(a.symbols))
	for sym, s := range a.symbols {
		symbols[sym] = s
	}
	a.mu.RUnlock()

	aggregatedAt := a.now().UnixMilli()
	emitted := 0
	for sym, s := range symbols {
		c := s.drainOldest(sym, aggregatedAt)
		if c == nil {
			continue
		}
		emitted++
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.emit(ctx, c)
		}()
	}

	if emitted > 0 {
		a.log.Debug("minute candles emitted", applogger.Int("count", emitted))
	}
	return emitted
}

func (s *symbolBuckets) drainOldest(symbol string, aggregatedAt int64) *models.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buckets) <= 1 {
		return nil
	}
	keys := make([]int64, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	oldest := keys[0]

	s.lowWater = oldest
	b := s.buckets[oldest]
	delete(s.buckets, oldest)

	return &models.Candle{
		Ticker:                   symbol,
		Open:                     b.open,
		Close:                    b.close,
		High:                     b.high,
		Low:                      b.low,
		TradeCount:               b.tradeCount,
		BiggestSingleTradeVolume: b.biggest,
		ExchangeBiggestTrade:     b.biggestVenue,
		Volume:                   b.volume,
		StartMillis:              oldest * 60000,
		EndMillis:                (oldest + 1) * 60000,
		AggregatedAt:             aggregatedAt,
	}
}

// OpenBuckets returns the number of open minutes of symbol.
func (a *TradeAggregator) OpenBuckets(symbol string) int {
	a.mu.RLock()
	s, ok := a.symbols[symbol]
	a.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Wait blocks until all emitted candles have been handed over.
func (a *TradeAggregator) Wait() {
	a.wg.Wait()
}
