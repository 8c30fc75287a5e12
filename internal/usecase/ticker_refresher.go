package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

const (
	tickerProgressEvery = 250
	detailsLimiterKey   = "ticker_details"
	detailsRetryDelay   = 500 * time.Millisecond
)

// TickerSource is the upstream reference data API.
type TickerSource interface {
	ListTickers(ctx context.Context, active bool) ([]*models.Ticker, error)
	MarketCap(ctx context.Context, symbol string) (int64, error)
}

// Throttle blocks until the next request for key may be sent.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// CacheInvalidator drops cached reference data after a refresh.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// TickerRefresher keeps the ticker table in sync with the reference API.
type TickerRefresher struct {
	repo       domrepo.TickerRepository
	source     TickerSource
	throttle   Throttle
	cache      CacheInvalidator
	retryDelay time.Duration
	log        *logger.Logger
}

func NewTickerRefresher(repo domrepo.TickerRepository, source TickerSource, throttle Throttle, cache CacheInvalidator, log *logger.Logger) *TickerRefresher {
	return &TickerRefresher{
		repo:       repo,
		source:     source,
		throttle:   throttle,
		cache:      cache,
		retryDelay: detailsRetryDelay,
		log:        log.Named("ticker_refresher"),
	}
}

// RefreshResult lists the symbols that changed state during a refresh.
type RefreshResult struct {
	New      []string
	Delisted []string
	Saved    int
}

// RefreshTickers imports the active tickers and then the delisted ones.
// Known market caps are kept.
func (r *TickerRefresher) RefreshTickers(ctx context.Context) (*RefreshResult, error) {
	r.log.Info("refreshing tickers")
	res := &RefreshResult{}

	if err := r.importTickers(ctx, true, res); err != nil {
		return res, err
	}
	r.log.Info("fetched active tickers")
	if err := r.importTickers(ctx, false, res); err != nil {
		return res, err
	}
	r.log.Info("fetched inactive tickers")

	if len(res.New) > 0 {
		r.log.Info("new tickers", logger.Int("count", len(res.New)), logger.String("symbols", strings.Join(res.New, ", ")))
	}
	if len(res.Delisted) > 0 {
		r.log.Info("newly delisted tickers", logger.Int("count", len(res.Delisted)), logger.String("symbols", strings.Join(res.Delisted, ", ")))
	}
	r.invalidate(ctx)
	r.log.Info("tickers refreshed", logger.Int("saved", res.Saved))
	return res, nil
}

func (r *TickerRefresher) importTickers(ctx context.Context, active bool, res *RefreshResult) error {
	tickers, err := r.source.ListTickers(ctx, active)
	if err != nil {
		return err
	}
	for _, t := range tickers {
		if err := ctx.Err(); err != nil {
			return err
		}
		existing, err := r.repo.FindByID(ctx, t.ID)
		switch {
		case errors.Is(err, domrepo.ErrTickerNotFound):
			if active {
				res.New = append(res.New, t.ID)
			}
		case err != nil:
			r.log.Error("load ticker failed", logger.String("symbol", t.ID), logger.Error(err))
			continue
		default:
			t.MarketCap = existing.MarketCap
		}
		if !active && (existing == nil || existing.Active) {
			res.Delisted = append(res.Delisted, t.ID)
		}

		if err := r.repo.Save(ctx, t); err != nil {
			r.log.Error("save ticker failed", logger.String("symbol", t.ID), logger.Error(err))
			continue
		}
		res.Saved++
		if res.Saved%tickerProgressEvery == 0 {
			r.log.Info("saved tickers", logger.Int("count", res.Saved))
		}
	}
	return nil
}

// RefreshDetails updates the market cap of every active ticker. Requests are
// throttled and each one is retried once.
func (r *TickerRefresher) RefreshDetails(ctx context.Context) (int, error) {
	r.log.Info("refreshing ticker details")
	tickers, err := r.repo.FindActive(ctx)
	if err != nil {
		return 0, err
	}

	saved := 0
	for _, t := range tickers {
		if err := r.throttle.Wait(ctx, detailsLimiterKey); err != nil {
			return saved, err
		}
		marketCap, err := r.fetchMarketCap(ctx, t.ID)
		if err != nil {
			r.log.Error("fetch ticker details failed", logger.String("symbol", t.ID), logger.Error(err))
			continue
		}
		t.MarketCap = marketCap
		if err := r.repo.Save(ctx, t); err != nil {
			r.log.Error("save ticker failed", logger.String("symbol", t.ID), logger.Error(err))
			continue
		}
		saved++
		if saved%tickerProgressEvery == 0 {
			r.log.Info("saved tickers", logger.Int("count", saved))
		}
	}
	r.invalidate(ctx)
	r.log.Info("ticker details refreshed", logger.Int("saved", saved))
	return saved, nil
}

func (r *TickerRefresher) fetchMarketCap(ctx context.Context, symbol string) (int64, error) {
	var marketCap int64
	op := func() error {
		var err error
		marketCap, err = r.source.MarketCap(ctx, symbol)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryDelay), 1), ctx)
	return marketCap, backoff.Retry(op, policy)
}

func (r *TickerRefresher) invalidate(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx); err != nil {
		r.log.Warn("invalidate ticker cache failed", logger.Error(err))
	}
}
