package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/metrics"
)

var aggNow = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

type candleSink struct {
	mu      sync.Mutex
	candles []*models.Candle
}

func (s *candleSink) handle(ctx context.Context, c *models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles = append(s.candles, c)
}

func (s *candleSink) all() []*models.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Candle(nil), s.candles...)
}

func newTestAggregator(sink *candleSink) *TradeAggregator {
	return NewTradeAggregator(sink.handle, metrics.Noop{}, applogger.NewNop(), WithClock(func() time.Time { return aggNow }))
}

func trade(symbol string, at time.Time, price float64, size int64, venue int, conditions ...int) *models.Trade {
	return &models.Trade{
		Symbol:          symbol,
		Price:           price,
		Size:            size,
		TimestampMillis: at.UnixMilli(),
		VenueID:         venue,
		Conditions:      conditions,
	}
}

func TestTradeAggregatorBuildsMinuteCandle(t *testing.T) {
	sink := &candleSink{}
	agg := newTestAggregator(sink)
	ctx := context.Background()
	minute := aggNow

	trades := []*models.Trade{
		trade("AAPL", minute.Add(5*time.Second), 10, 100, 1),
		trade("AAPL", minute.Add(10*time.Second), 12, 300, 4, 12),
		trade("AAPL", minute.Add(20*time.Second), 11, 50, 1, 5),
		trade("AAPL", minute.Add(50*time.Second), 9, 20, 1, 0),
		trade("AAPL", minute.Add(55*time.Second), 9, 20, 1, 46),
		trade("AAPL", minute.Add(56*time.Second), 100, 5000, 1, 99),
		trade("AAPL", minute.Add(61*time.Second), 15, 10, 1),
	}
	for _, tr := range trades {
		if err := agg.Process(ctx, tr); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if got := agg.OpenBuckets("AAPL"); got != 2 {
		t.Fatalf("expected 2 open minutes, got %d", got)
	}

	if n := agg.DrainOldest(ctx); n != 1 {
		t.Fatalf("expected one candle, got %d", n)
	}
	agg.Wait()

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("expected one emitted candle, got %d", len(got))
	}
	c := got[0]
	if c.Open != 10 || c.Close != 9 || c.High != 11 || c.Low != 9 {
		t.Fatalf("unexpected prices: %+v", c)
	}
	if c.Volume != 450 || c.TradeCount != 3 {
		t.Fatalf("unexpected volume %d / trade count %d", c.Volume, c.TradeCount)
	}
	if c.BiggestSingleTradeVolume != 300 || c.ExchangeBiggestTrade != "4" {
		t.Fatalf("unexpected biggest trade %d at %s", c.BiggestSingleTradeVolume, c.ExchangeBiggestTrade)
	}
	if c.StartMillis != minute.UnixMilli() || c.EndMillis != minute.Add(time.Minute).UnixMilli() {
		t.Fatalf("unexpected window %d-%d", c.StartMillis, c.EndMillis)
	}
	if c.AggregatedAt != aggNow.UnixMilli() {
		t.Fatalf("unexpected aggregatedAt %d", c.AggregatedAt)
	}
}

func TestTradeAggregatorKeepsSingleOpenMinute(t *testing.T) {
	sink := &candleSink{}
	agg := newTestAggregator(sink)
	ctx := context.Background()

	_ = agg.Process(ctx, trade("MSFT", aggNow.Add(time.Second), 300, 10, 1))
	if n := agg.DrainOldest(ctx); n != 0 {
		t.Fatalf("single open minute must not be emitted, got %d", n)
	}
	agg.Wait()
	if len(sink.all()) != 0 {
		t.Fatal("nothing should be emitted")
	}
}

func TestTradeAggregatorDropsTradesBelowLowWaterMark(t *testing.T) {
	sink := &candleSink{}
	agg := newTestAggregator(sink)
	ctx := context.Background()

	_ = agg.Process(ctx, trade("TSLA", aggNow.Add(-20*time.Minute), 200, 10, 1))
	if got := agg.OpenBuckets("TSLA"); got != 0 {
		t.Fatalf("stale trade must be dropped, got %d open minutes", got)
	}

	_ = agg.Process(ctx, trade("TSLA", aggNow.Add(-2*time.Minute), 200, 10, 1))
	_ = agg.Process(ctx, trade("TSLA", aggNow.Add(-1*time.Minute), 201, 10, 1))
	_ = agg.Process(ctx, trade("TSLA", aggNow, 202, 10, 1))
	agg.DrainOldest(ctx)
	agg.Wait()

	// the mark now sits on the emitted minute, anything older is dropped
	_ = agg.Process(ctx, trade("TSLA", aggNow.Add(-3*time.Minute), 199, 10, 1))
	if got := agg.OpenBuckets("TSLA"); got != 2 {
		t.Fatalf("expected 2 open minutes, got %d", got)
	}
}

func TestTradeAggregatorIgnoresIncompleteTrades(t *testing.T) {
	sink := &candleSink{}
	agg := newTestAggregator(sink)
	ctx := context.Background()

	bad := []*models.Trade{
		nil,
		trade("", aggNow, 10, 10, 1),
		trade("AAPL", aggNow, 0, 10, 1),
		trade("AAPL", aggNow, 10, 0, 1),
		{Symbol: "AAPL", Price: 10, Size: 10},
	}
	for _, tr := range bad {
		if err := agg.Process(ctx, tr); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if got := agg.OpenBuckets("AAPL"); got != 0 {
		t.Fatalf("expected no open minutes, got %d", got)
	}
}

func TestTradeAggregatorSymbolsAreIndependent(t *testing.T) {
	sink := &candleSink{}
	agg := newTestAggregator(sink)
	ctx := context.Background()

	_ = agg.Process(ctx, trade("AAPL", aggNow, 10, 10, 1))
	_ = agg.Process(ctx, trade("AAPL", aggNow.Add(time.Minute), 11, 10, 1))
	_ = agg.Process(ctx, trade("MSFT", aggNow, 20, 10, 1))

	if n := agg.DrainOldest(ctx); n != 1 {
		t.Fatalf("expected one candle, got %d", n)
	}
	agg.Wait()
	if got := sink.all(); len(got) != 1 || got[0].Ticker != "AAPL" {
		t.Fatalf("unexpected candles: %+v", got)
	}
	if got := agg.OpenBuckets("MSFT"); got != 1 {
		t.Fatalf("MSFT minute must stay open, got %d", got)
	}
}

func TestRuleFor(t *testing.T) {
	tests := []struct {
		name       string
		conditions []int
		want       conditionRule
	}{
		{"no conditions is regular sale", nil, conditionRule{highLow: true, last: true, volume: true}},
		{"odd lot", []int{37}, conditionRule{volume: true}},
		{"unknown", []int{99}, conditionRule{}},
		{"merged", []int{37, 38}, conditionRule{highLow: true, last: true, volume: true}},
		{"correction", []int{46}, conditionRule{correction: true}},
		{"no update", []int{15}, conditionRule{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ruleFor(tt.conditions); got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
