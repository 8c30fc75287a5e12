package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/usecase"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/util"
)

// Default cron specs, with a leading seconds field.
const (
	DrainSpec          = "2 * * * * *"
	HealthSpec         = "0 */15 * * * *"
	TickerRefreshSpec  = "0 0 10 * * *"
	DetailsRefreshSpec = "0 10 10 * * *"
)

// Drainer emits completed minutes of open trade buckets.
type Drainer interface {
	DrainOldest(ctx context.Context) int
}

// HealthProber checks the feed and reconnects it when it went silent.
type HealthProber interface {
	ProbeHealth() bool
}

// TickerJobs refreshes the reference data.
type TickerJobs interface {
	RefreshTickers(ctx context.Context) (*usecase.RefreshResult, error)
	RefreshDetails(ctx context.Context) (int, error)
}

// Specs holds the cron expressions of all jobs. Empty entries fall back to the
// defaults.
type Specs struct {
	Drain          string
	Health         string
	TickerRefresh  string
	DetailsRefresh string
}

func (s Specs) withDefaults() Specs {
	if s.Drain == "" {
		s.Drain = DrainSpec
	}
	if s.Health == "" {
		s.Health = HealthSpec
	}
	if s.TickerRefresh == "" {
		s.TickerRefresh = TickerRefreshSpec
	}
	if s.DetailsRefresh == "" {
		s.DetailsRefresh = DetailsRefreshSpec
	}
	return s
}

// Scheduler runs the periodic jobs of the pipeline.
type Scheduler struct {
	cron    *cron.Cron
	drainer Drainer
	stats   *usecase.VenueStats
	health  HealthProber
	tickers TickerJobs
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	log     *logger.Logger
}

// New builds a scheduler in the Berlin time zone. health and tickers may be
// nil, their jobs are then not registered.
func New(drainer Drainer, stats *usecase.VenueStats, health HealthProber, tickers TickerJobs, log *logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(util.Berlin())),
		drainer: drainer,
		stats:   stats,
		health:  health,
		tickers: tickers,
		timeout: 30 * time.Minute,
		ctx:     ctx,
		cancel:  cancel,
		log:     log.Named("scheduler"),
	}
}

// RegisterAll registers every job with the given specs.
func (s *Scheduler) RegisterAll(specs Specs) error {
	specs = specs.withDefaults()
	if _, err := s.cron.AddFunc(specs.Drain, s.drainTask); err != nil {
		return fmt.Errorf("register drain task: %w", err)
	}
	if s.health != nil {
		if _, err := s.cron.AddFunc(specs.Health, s.healthTask); err != nil {
			return fmt.Errorf("register health task: %w", err)
		}
	}
	if s.tickers != nil {
		if _, err := s.cron.AddFunc(specs.TickerRefresh, s.tickerTask); err != nil {
			return fmt.Errorf("register ticker refresh: %w", err)
		}
		if _, err := s.cron.AddFunc(specs.DetailsRefresh, s.detailsTask); err != nil {
			return fmt.Errorf("register details refresh: %w", err)
		}
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", logger.Int("jobs", len(s.cron.Entries())))
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) drainTask() {
	n := s.drainer.DrainOldest(s.ctx)
	if n > 0 {
		s.log.Debug("drained minutes", logger.Int("candles", n))
	}
	if s.stats != nil {
		s.stats.Log(s.log)
	}
}

func (s *Scheduler) healthTask() {
	if !s.health.ProbeHealth() {
		s.log.Warn("feed unhealthy, reconnect triggered")
	}
}

func (s *Scheduler) tickerTask() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	if _, err := s.tickers.RefreshTickers(ctx); err != nil {
		s.log.Error("ticker refresh failed", logger.Error(err))
	}
}

func (s *Scheduler) detailsTask() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	if _, err := s.tickers.RefreshDetails(ctx); err != nil {
		s.log.Error("ticker details refresh failed", logger.Error(err))
	}
}
