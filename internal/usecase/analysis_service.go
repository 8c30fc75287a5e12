package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/service"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/queue"
)

const (
	AnalysisWorkers = 2
	AnalysisBacklog = 50000

	analysisDrainPoll = 500 * time.Millisecond
)

// BarHistory reads persisted bars of one granularity in ascending date order.
type BarHistory interface {
	FindLastN(symbol string, amount int, skipLast bool, beforeDate *time.Time) ([]*models.Bar, error)
}

// StrategySource returns the strategies run on bars of a granularity.
type StrategySource interface {
	For(g models.Granularity) []service.Strategy
}

// Notifier delivers signals to subscribers.
type Notifier interface {
	Publish(ctx context.Context, notifications []domrepo.Notification)
}

// AnalysisService runs the registered strategies on freshly stored bars,
// persists the signals and forwards them to the notifier.
type AnalysisService struct {
	enabled    bool
	tickers    domrepo.TickerProvider
	histories  map[models.Granularity]BarHistory
	strategies StrategySource
	results    domrepo.AnalysisRepository
	notifier   Notifier
	pool       *queue.Pool
	metrics    domrepo.Metrics
	log        *logger.Logger
	now        func() time.Time

	inFlight atomic.Int64
	closed   atomic.Bool
}

type AnalysisOption func(*AnalysisService)

// WithAnalysisClock overrides the time handed to strategies.
func WithAnalysisClock(now func() time.Time) AnalysisOption {
	return func(s *AnalysisService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAnalysisPool overrides the worker pool used by Dispatch.
func WithAnalysisPool(cfg queue.QueueConfig) AnalysisOption {
	return func(s *AnalysisService) {
		s.pool = queue.NewPool(s.log, cfg)
	}
}

func NewAnalysisService(
	enabled bool,
	tickers domrepo.TickerProvider,
	histories map[models.Granularity]BarHistory,
	strategies StrategySource,
	results domrepo.AnalysisRepository,
	notifier Notifier,
	metrics domrepo.Metrics,
	log *logger.Logger,
	opts ...AnalysisOption,
) *AnalysisService {
	s := &AnalysisService{
		enabled:    enabled,
		tickers:    tickers,
		histories:  histories,
		strategies: strategies,
		results:    results,
		notifier:   notifier,
		metrics:    metrics,
		log:        log.Named("analysis"),
		now:        time.Now,
	}
	s.pool = queue.NewPool(s.log, queue.QueueConfig{Workers: AnalysisWorkers, QueueSize: AnalysisBacklog})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the dispatch workers.
func (s *AnalysisService) Start(ctx context.Context) {
	s.pool.Start(ctx)
}

// Dispatch queues bars for asynchronous analysis. A full backlog drops them.
func (s *AnalysisService) Dispatch(bars []*models.Bar, g models.Granularity) {
	if !s.enabled || len(bars) == 0 {
		return
	}
	if s.closed.Load() {
		s.log.Warn("analysis is shutting down, bars dropped", logger.Int("count", len(bars)))
		return
	}
	job := queue.NewJob("analyze_"+strings.ToLower(string(g)), func(ctx context.Context) error {
		return s.Analyze(ctx, bars, g)
	})
	if err := s.pool.Enqueue(job); err != nil {
		s.metrics.RecordError("analysis_backlog")
		s.log.Error("analysis backlog rejected bars",
			logger.Int("count", len(bars)),
			logger.String("granularity", string(g)),
			logger.Error(err),
		)
	}
}

// Analyze runs all strategies of g over bars, grouped per ticker in date order.
// Bars without ticker reference data or without a previous bar are skipped.
func (s *AnalysisService) Analyze(ctx context.Context, bars []*models.Bar, g models.Granularity) error {
	if !s.enabled || len(bars) == 0 {
		return nil
	}
	s.metrics.SetInFlight("analysis", s.inFlight.Add(1))
	defer func() { s.metrics.SetInFlight("analysis", s.inFlight.Add(-1)) }()

	start := time.Now()
	history, ok := s.histories[g]
	if !ok {
		return fmt.Errorf("no history for granularity %s", g)
	}
	strategies := s.strategies.For(g)
	if len(strategies) == 0 {
		return nil
	}

	var (
		results       []*models.AnalysisResult
		notifications []domrepo.Notification
	)
	for _, group := range s.groupByTicker(ctx, bars) {
		for _, bar := range group.bars {
			before, err := history.FindLastN(group.ticker.ID, 1, true, nil)
			if err != nil {
				s.log.Error("load previous bar failed", logger.String("symbol", group.ticker.ID), logger.Error(err))
				break
			}
			if len(before) == 0 {
				break
			}
			in := service.StrategyInput{
				Ticker:      group.ticker,
				Current:     bar,
				Before:      before[0],
				Granularity: g,
				Now:         s.now(),
			}
			for _, strategy := range strategies {
				res, err := strategy.Analyze(ctx, in)
				if err != nil {
					s.metrics.RecordError("strategy")
					s.log.Error("strategy failed",
						logger.String("strategy", strategy.ID()),
						logger.String("symbol", bar.Symbol),
						logger.Error(err),
					)
					continue
				}
				if res == nil {
					continue
				}
				s.metrics.RecordSignal(res.StrategyID)
				results = append(results, res)
				notifications = append(notifications, domrepo.Notification{Result: res, Ticker: group.ticker})
			}
		}
	}
	s.metrics.RecordLatency("analysis_"+strings.ToLower(string(g)), time.Since(start).Seconds())

	if len(results) == 0 {
		return nil
	}
	if err := s.results.InsertAll(ctx, results); err != nil {
		return fmt.Errorf("store analysis results: %w", err)
	}
	s.log.Info("signals found", logger.Int("count", len(results)), logger.String("granularity", string(g)))
	if s.notifier != nil {
		s.notifier.Publish(ctx, notifications)
	}
	return nil
}

type tickerBars struct {
	ticker *models.Ticker
	bars   []*models.Bar
}

func (s *AnalysisService) groupByTicker(ctx context.Context, bars []*models.Bar) []tickerBars {
	index := make(map[string]int)
	var groups []tickerBars
	missing := make(map[string]bool)

	for _, b := range bars {
		symbol := strings.ToUpper(b.Symbol)
		if missing[symbol] {
			continue
		}
		if i, ok := index[symbol]; ok {
			groups[i].bars = append(groups[i].bars, b)
			continue
		}
		t, err := s.tickers.Get(ctx, symbol)
		if err != nil {
			missing[symbol] = true
			if !errors.Is(err, domrepo.ErrTickerNotFound) {
				s.log.Error("load ticker failed", logger.String("symbol", symbol), logger.Error(err))
			}
			continue
		}
		index[symbol] = len(groups)
		groups = append(groups, tickerBars{ticker: t, bars: []*models.Bar{b}})
	}

	for _, g := range groups {
		sort.SliceStable(g.bars, func(i, j int) bool { return g.bars[i].Date.Before(g.bars[j].Date) })
	}
	return groups
}

// InFlight returns the number of running Analyze calls.
func (s *AnalysisService) InFlight() int64 {
	return s.inFlight.Load()
}

// Shutdown stops accepting bars and waits until queued and running analyses
// are done or ctx ends.
func (s *AnalysisService) Shutdown(ctx context.Context) error {
	s.closed.Store(true)

	ticker := time.NewTicker(analysisDrainPoll)
	defer ticker.Stop()
	for s.inFlight.Load() > 0 || s.pool.Pending() > 0 {
		s.log.Info("waiting for running analyses",
			logger.Int64("in_flight", s.inFlight.Load()),
			logger.Int("queued", s.pool.Pending()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("analysis shutdown: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return s.pool.Stop(ctx)
}
