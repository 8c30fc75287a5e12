package usecase

import (
	"context"
	"sort"
	"sync"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

// Thresholds for counting a venue as home of a dominant single trade.
const (
	venueStatsMinVolume     = 1000
	venueStatsMinTradeCount = 10
	venueStatsMinShare      = 20.0
)

// VenueStats counts per venue how often one trade dominated a busy minute.
type VenueStats struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewVenueStats() *VenueStats {
	return &VenueStats{counts: make(map[string]int)}
}

// Record counts c when its biggest trade carries a large share of the volume.
func (s *VenueStats) Record(c *models.Candle) {
	if c.Volume <= venueStatsMinVolume || c.TradeCount <= venueStatsMinTradeCount || c.ExchangeBiggestTrade == "" {
		return
	}
	share := float64(c.BiggestSingleTradeVolume) / float64(c.Volume) * 100
	if share <= venueStatsMinShare {
		return
	}
	s.mu.Lock()
	s.counts[c.ExchangeBiggestTrade]++
	s.mu.Unlock()
}

// Snapshot returns a copy of the counts.
func (s *VenueStats) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Log writes the counts when any of them is a multiple of five.
func (s *VenueStats) Log(log *logger.Logger) {
	counts := s.Snapshot()
	due := false
	for _, v := range counts {
		if v%5 == 0 {
			due = true
			break
		}
	}
	if !due {
		return
	}
	venues := make([]string, 0, len(counts))
	for k := range counts {
		venues = append(venues, k)
	}
	sort.Strings(venues)
	fields := make([]logger.Field, 0, len(venues))
	for _, v := range venues {
		fields = append(fields, logger.Int("venue_"+v, counts[v]))
	}
	log.Info("biggest trades per venue", fields...)
}

// CandleRouter takes closed minute candles from the aggregator, backfills
// missing prices and hands them to the minute processor and the rollup.
type CandleRouter struct {
	history BarHistory
	minute  CandleHandler
	rollup  func(*models.Candle)
	stats   *VenueStats
	log     *logger.Logger
}

func NewCandleRouter(history BarHistory, minute CandleHandler, rollup func(*models.Candle), stats *VenueStats, log *logger.Logger) *CandleRouter {
	return &CandleRouter{
		history: history,
		minute:  minute,
		rollup:  rollup,
		stats:   stats,
		log:     log.Named("candle_router"),
	}
}

// Route is the CandleHandler of the trade aggregator.
func (r *CandleRouter) Route(ctx context.Context, c *models.Candle) {
	filled := r.ensurePrices(c)
	if filled == nil {
		return
	}
	r.stats.Record(filled)
	r.minute(ctx, filled)
	r.rollup(filled)
}

// ensurePrices fills a candle without eligible prices from the last known
// close. Without history the candle is dropped.
func (r *CandleRouter) ensurePrices(c *models.Candle) *models.Candle {
	if c.IsPopulated() {
		return c
	}
	last, err := r.history.FindLastN(c.Ticker, 1, false, nil)
	if err != nil {
		r.log.Error("load last price failed", logger.String("symbol", c.Ticker), logger.Error(err))
		return nil
	}
	if len(last) == 0 {
		r.log.Debug("candle without prices and history dropped", logger.String("symbol", c.Ticker))
		return nil
	}
	return c.WithLastKnownPrice(last[0])
}
