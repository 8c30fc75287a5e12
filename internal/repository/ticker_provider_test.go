package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/cache"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

func TestCachedTickerProvider(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTickerRepository()
	_ = repo.Save(ctx, &models.Ticker{ID: "AAPL", Name: "Apple Inc.", Active: true, MarketCap: 100})
	_ = repo.Save(ctx, &models.Ticker{ID: "OLD", Name: "Delisted Corp", Active: false})

	lc := cache.NewLayeredCache(nil)
	defer lc.Close()
	p := NewCachedTickerProvider(repo, lc, time.Hour, applogger.NewNop())

	got, err := p.Get(ctx, "aapl")
	if err != nil || got.MarketCap != 100 {
		t.Fatalf("get: %+v %v", got, err)
	}

	_ = repo.Save(ctx, &models.Ticker{ID: "AAPL", Name: "Apple Inc.", Active: true, MarketCap: 200})
	if got, _ := p.Get(ctx, "AAPL"); got.MarketCap != 100 {
		t.Fatalf("expected cached market cap, got %d", got.MarketCap)
	}

	active, err := p.ActiveTickers(ctx)
	if err != nil || len(active) != 1 || active[0].ID != "AAPL" {
		t.Fatalf("unexpected active tickers %+v %v", active, err)
	}

	if err := p.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if got, _ := p.Get(ctx, "AAPL"); got.MarketCap != 200 {
		t.Fatalf("expected fresh market cap after invalidate, got %d", got.MarketCap)
	}

	if _, err := p.Get(ctx, "NOPE"); !errors.Is(err, domrepo.ErrTickerNotFound) {
		t.Fatalf("expected ErrTickerNotFound, got %v", err)
	}
	if byName, err := p.FindByCompanyName(ctx, "apple inc."); err != nil || byName.ID != "AAPL" {
		t.Fatalf("find by name: %+v %v", byName, err)
	}
}
