package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/cache"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

const (
	tickerKeyPrefix = "ticker"
	activeTickerKey = "tickers:active"

	DefaultTickerTTL = 6 * time.Hour
)

// CachedTickerProvider serves ticker reference data from a cache in front of
// the ticker repository.
type CachedTickerProvider struct {
	repo  domrepo.TickerRepository
	cache cache.Service
	ttl   time.Duration
	log   *logger.Logger
}

func NewCachedTickerProvider(repo domrepo.TickerRepository, c cache.Service, ttl time.Duration, log *logger.Logger) *CachedTickerProvider {
	if ttl <= 0 {
		ttl = DefaultTickerTTL
	}
	return &CachedTickerProvider{repo: repo, cache: c, ttl: ttl, log: log.Named("ticker_provider")}
}

// Get returns the ticker of symbol or an error wrapping ErrTickerNotFound.
func (p *CachedTickerProvider) Get(ctx context.Context, symbol string) (*models.Ticker, error) {
	symbol = strings.ToUpper(symbol)
	key := cache.GenerateKey(tickerKeyPrefix, symbol)

	var t models.Ticker
	if err := p.cache.Get(ctx, key, &t); err == nil {
		return &t, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		p.log.Warn("ticker cache read failed", logger.String("symbol", symbol), logger.Error(err))
	}

	found, err := p.repo.FindByID(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Set(ctx, key, found, p.ttl); err != nil {
		p.log.Warn("ticker cache write failed", logger.String("symbol", symbol), logger.Error(err))
	}
	return found, nil
}

func (p *CachedTickerProvider) ActiveTickers(ctx context.Context) ([]*models.Ticker, error) {
	var out []*models.Ticker
	if err := p.cache.Get(ctx, activeTickerKey, &out); err == nil {
		return out, nil
	}
	out, err := p.repo.FindActive(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Set(ctx, activeTickerKey, out, p.ttl); err != nil {
		p.log.Warn("active tickers cache write failed", logger.Error(err))
	}
	return out, nil
}

func (p *CachedTickerProvider) FindByCompanyName(ctx context.Context, name string) (*models.Ticker, error) {
	return p.repo.FindByCompanyName(ctx, name)
}

// Invalidate drops all cached ticker data, e.g. after a refresh.
func (p *CachedTickerProvider) Invalidate(ctx context.Context) error {
	if err := p.cache.Delete(ctx, activeTickerKey); err != nil {
		return err
	}
	return p.cache.DeleteByPattern(ctx, cache.BuildPattern(tickerKeyPrefix+":"))
}

var _ domrepo.TickerProvider = (*CachedTickerProvider)(nil)
