package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

type staticTickers struct {
	tickers map[string]*models.Ticker
}

func (s staticTickers) Get(ctx context.Context, symbol string) (*models.Ticker, error) {
	if t, ok := s.tickers[symbol]; ok {
		return t, nil
	}
	return nil, domrepo.ErrTickerNotFound
}

func (s staticTickers) ActiveTickers(ctx context.Context) ([]*models.Ticker, error) {
	out := make([]*models.Ticker, 0, len(s.tickers))
	for _, t := range s.tickers {
		out = append(out, t)
	}
	return out, nil
}

func (s staticTickers) FindByCompanyName(ctx context.Context, name string) (*models.Ticker, error) {
	for _, t := range s.tickers {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, domrepo.ErrTickerNotFound
}

var base = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func minuteBars(symbol string, from, n int) []*models.Bar {
	out := make([]*models.Bar, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, &models.Bar{
			Symbol:     symbol,
			Date:       base.Add(time.Duration(i) * time.Minute),
			PriceClose: float64(i),
			Volume:     float64(100 + i),
		})
	}
	return out
}

func newTestRepo(store domrepo.BarStore) *StockpriceRepository {
	tickers := staticTickers{tickers: map[string]*models.Ticker{
		"AAPL": {ID: "AAPL", Name: "Apple Inc.", Active: true},
		"MSFT": {ID: "MSFT", Name: "Microsoft", Active: true},
	}}
	return NewStockpriceRepository(models.GranularityMinute, store, tickers, 0, applogger.NewNop())
}

func TestFindLastNArgumentErrors(t *testing.T) {
	r := newTestRepo(NewMemoryBarStore())
	if _, err := r.FindLastN("AAPL", 501, false, nil); !errors.Is(err, ErrAmountTooLarge) {
		t.Fatalf("expected ErrAmountTooLarge, got %v", err)
	}
	d := base
	if _, err := r.FindLastN("AAPL", 1, true, &d); !errors.Is(err, ErrSkipLastWithBeforeDate) {
		t.Fatalf("expected ErrSkipLastWithBeforeDate, got %v", err)
	}
	got, err := r.FindLastN("UNKNOWN", 10, false, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result for unseen symbol, got %v %v", got, err)
	}
}

func TestInsertAllAndFindLastN(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(NewMemoryBarStore())
	if err := r.InsertAll(ctx, minuteBars("AAPL", 0, 10)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, _ := r.FindLastN("AAPL", 3, false, nil)
	if len(got) != 3 || got[0].PriceClose != 7 || got[2].PriceClose != 9 {
		t.Fatalf("unexpected tail %v", closes(got))
	}

	got, _ = r.FindLastN("AAPL", 3, true, nil)
	if len(got) != 3 || got[0].PriceClose != 6 || got[2].PriceClose != 8 {
		t.Fatalf("unexpected tail with skipLast %v", closes(got))
	}

	got, _ = r.FindLastN("AAPL", 50, true, nil)
	if len(got) != 9 || got[8].PriceClose != 8 {
		t.Fatalf("expected all but the last, got %v", closes(got))
	}

	got, _ = r.FindLastN("aapl", 50, false, nil)
	if len(got) != 10 {
		t.Fatalf("lookup must be case-insensitive, got %d", len(got))
	}
}

func TestFindLastNBeforeDate(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(NewMemoryBarStore())
	_ = r.InsertAll(ctx, minuteBars("AAPL", 0, 10))

	before := base.Add(5 * time.Minute)
	got, err := r.FindLastN("AAPL", 3, false, &before)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 3 || got[0].PriceClose != 2 || got[2].PriceClose != 4 {
		t.Fatalf("unexpected bars before date %v", closes(got))
	}

	got, _ = r.FindLastN("AAPL", 100, false, &base)
	if len(got) != 0 {
		t.Fatalf("expected nothing strictly before the first bar, got %v", closes(got))
	}
}

func TestRecentCacheTruncates(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(NewMemoryBarStore())
	if err := r.InsertAll(ctx, minuteBars("AAPL", 0, 899)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, _ := r.FindLastN("AAPL", 500, false, nil)
	if got[0].PriceClose != 399 {
		t.Fatalf("expected untruncated cache, first close %v", got[0].PriceClose)
	}

	if err := r.InsertAll(ctx, minuteBars("AAPL", 899, 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	c := r.cacheFor("AAPL", false)
	if len(c.recent) != 500 {
		t.Fatalf("recent cache size = %d, want 500", len(c.recent))
	}
	got, _ = r.FindLastN("AAPL", 500, false, nil)
	if got[0].PriceClose != 400 || got[499].PriceClose != 899 {
		t.Fatalf("unexpected window %v..%v", got[0].PriceClose, got[499].PriceClose)
	}
	if len(c.ordered) != 900 {
		t.Fatalf("ordered cache size = %d, want 900", len(c.ordered))
	}
}

func TestInsertAllDropsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBarStore()
	r := newTestRepo(store)
	_ = r.InsertAll(ctx, minuteBars("AAPL", 0, 2))

	batch := append(minuteBars("AAPL", 1, 2), minuteBars("AAPL", 2, 1)...)
	if err := r.InsertAll(ctx, batch); err != nil {
		t.Fatalf("insert with duplicates: %v", err)
	}

	stored, _ := store.FindAll(ctx, "AAPL")
	if len(stored) != 3 {
		t.Fatalf("stored %d bars, want 3", len(stored))
	}
	got, _ := r.FindLastN("AAPL", 10, false, nil)
	if len(got) != 3 {
		t.Fatalf("cached %d bars, want 3: %v", len(got), closes(got))
	}
}

func TestSaveReplacesByDate(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(NewMemoryBarStore())
	_ = r.InsertAll(ctx, minuteBars("AAPL", 0, 3))

	updated := minuteBars("AAPL", 1, 1)[0]
	updated.VolumeIQRs = []models.IQR{{Size: 20, IQR: 10}}
	if err := r.Save(ctx, updated); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ := r.FindLastN("AAPL", 10, false, nil)
	if len(got) != 3 || got[1].VolumeIQR(20) == nil {
		t.Fatalf("expected replaced bar in recent cache")
	}
	before := base.Add(2 * time.Minute)
	got, _ = r.FindLastN("AAPL", 10, false, &before)
	if len(got) != 2 || got[1].VolumeIQR(20) == nil {
		t.Fatalf("expected replaced bar in ordered cache")
	}
}

func TestWarmCacheLoadsAscendingOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBarStore()
	_ = store.InsertBatch(ctx, minuteBars("AAPL", 0, 600))
	_ = store.InsertBatch(ctx, minuteBars("MSFT", 0, 5))

	r := newTestRepo(store)
	if err := r.WarmCache(ctx, ""); err != nil {
		t.Fatalf("warm: %v", err)
	}
	got, _ := r.FindLastN("AAPL", 500, false, nil)
	if len(got) != 500 || got[0].PriceClose != 100 || got[499].PriceClose != 599 {
		t.Fatalf("unexpected warmed window")
	}
	if got, _ := r.FindLastN("MSFT", 10, false, nil); len(got) != 5 {
		t.Fatalf("expected MSFT warmed, got %d", len(got))
	}

	if err := r.WarmCache(ctx, ""); err != nil {
		t.Fatalf("warm again: %v", err)
	}
	if c := r.cacheFor("MSFT", false); len(c.recent) != 5 {
		t.Fatalf("second warm must be a no-op, cache has %d", len(c.recent))
	}

	if err := r.WarmCache(ctx, "MSFT"); err != nil {
		t.Fatalf("warm symbol: %v", err)
	}
	if c := r.cacheFor("MSFT", false); len(c.recent) != 5 {
		t.Fatalf("symbol warm must reload, cache has %d", len(c.recent))
	}
}

func TestDeleteAllEvictsCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBarStore()
	r := newTestRepo(store)
	_ = r.InsertAll(ctx, minuteBars("AAPL", 0, 3))
	_ = r.InsertAll(ctx, minuteBars("MSFT", 0, 3))

	if err := r.DeleteAll(ctx, "AAPL"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := r.FindLastN("AAPL", 10, false, nil); len(got) != 0 {
		t.Fatalf("expected evicted cache")
	}
	if got, _ := store.FindAll(ctx, "AAPL"); len(got) != 0 {
		t.Fatalf("expected store emptied")
	}
	if got, _ := r.FindLastN("MSFT", 10, false, nil); len(got) != 3 {
		t.Fatalf("other symbols must stay cached")
	}
}

func TestClearCalculations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBarStore()
	r := newTestRepo(store)
	bars := minuteBars("AAPL", 0, 2)
	for _, b := range bars {
		b.VolumeIQRs = []models.IQR{{Size: 20}}
		b.Gap = &models.Gap{PercentageDelta: 0.1}
	}
	_ = r.InsertAll(ctx, bars)

	if err := r.ClearCalculations(ctx, "AAPL"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ := r.FindLastN("AAPL", 10, false, nil)
	for _, b := range got {
		if b.Gap != nil || len(b.VolumeIQRs) != 0 {
			t.Fatalf("derived fields not cleared in cache: %+v", b)
		}
	}
	stored, _ := store.FindAll(ctx, "AAPL")
	for _, b := range stored {
		if b.Gap != nil || len(b.VolumeIQRs) != 0 {
			t.Fatalf("derived fields not cleared in store: %+v", b)
		}
	}
}

func TestFindAllGroupsBySymbol(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(NewMemoryBarStore())
	_ = r.InsertAll(ctx, minuteBars("AAPL", 0, 3))
	_ = r.InsertAll(ctx, minuteBars("MSFT", 0, 2))

	all, err := r.FindAll(ctx, "")
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all["AAPL"]) != 3 || len(all["MSFT"]) != 2 {
		t.Fatalf("unexpected grouping %d/%d", len(all["AAPL"]), len(all["MSFT"]))
	}
	if !all["AAPL"][0].Date.Before(all["AAPL"][2].Date) {
		t.Fatalf("groups must be ascending")
	}
}

func TestOrderedCacheRetention(t *testing.T) {
	ctx := context.Background()
	r := NewStockpriceRepository(models.GranularityMinute, NewMemoryBarStore(),
		staticTickers{}, 5*time.Minute, applogger.NewNop())
	_ = r.InsertAll(ctx, minuteBars("AAPL", 0, 20))
	if c := r.cacheFor("AAPL", false); len(c.ordered) != 6 {
		t.Fatalf("ordered cache size = %d, want 6", len(c.ordered))
	}
}

func closes(bars []*models.Bar) []float64 {
	out := make([]float64, 0, len(bars))
	for _, b := range bars {
		out = append(out, b.PriceClose)
	}
	return out
}
