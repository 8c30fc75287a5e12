package usecase

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/services/features"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

type adminFixture struct {
	svc     *AdminService
	repo    *repository.StockpriceRepository
	tickers *repository.MemoryTickerRepository
	inv     *countingInvalidator
}

func newAdminFixture() *adminFixture {
	repo := newMinuteRepo()
	post := features.NewPostProcessor(repo, applogger.NewNop())
	seq := NewSequentialProcessor(post, repo, newRecordingAnalyzer(), applogger.NewNop())
	tickers := repository.NewMemoryTickerRepository()
	inv := &countingInvalidator{}
	svc := NewAdminService(repo, post, seq, tickers, inv, applogger.NewNop())
	svc.rng = func() *rand.Rand { return rand.New(rand.NewSource(7)) }
	return &adminFixture{svc: svc, repo: repo, tickers: tickers, inv: inv}
}

func TestGenerateNoise(t *testing.T) {
	from := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	to := from.Add(9 * time.Minute)

	a := GenerateNoise("aapl", from, to, FuzzinessHigh, rand.New(rand.NewSource(1)))
	b := GenerateNoise("aapl", from, to, FuzzinessHigh, rand.New(rand.NewSource(1)))
	if len(a) != 10 {
		t.Fatalf("expected 10 bars, got %d", len(a))
	}
	for i, bar := range a {
		if bar.Symbol != "AAPL" || !bar.Date.Equal(from.Add(time.Duration(i)*time.Minute)) {
			t.Fatalf("bar %d has key %s", i, bar.Key())
		}
		if *bar.PriceHigh < bar.PriceOpen || *bar.PriceHigh < bar.PriceClose {
			t.Fatalf("bar %d high %f below open/close", i, *bar.PriceHigh)
		}
		if *bar.PriceLow > bar.PriceOpen || *bar.PriceLow > bar.PriceClose {
			t.Fatalf("bar %d low %f above open/close", i, *bar.PriceLow)
		}
		if bar.Volume < 0 || bar.TradeCountOrZero() < 0 {
			t.Fatalf("bar %d has negative volume or trades", i)
		}
		if bar.PriceClose != b[i].PriceClose || bar.Volume != b[i].Volume {
			t.Fatal("same seed must produce the same walk")
		}
	}
}

func TestParseFuzziness(t *testing.T) {
	f, err := ParseFuzziness("medium")
	if err != nil || f != FuzzinessMedium {
		t.Fatalf("parse: %q %v", f, err)
	}
	if _, err := ParseFuzziness("extreme"); err == nil {
		t.Fatal("expected error for unknown fuzziness")
	}
}

func TestAdminServiceBackgroundNoiseAndLatest(t *testing.T) {
	ctx := context.Background()
	fx := newAdminFixture()
	from := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

	n, err := fx.svc.CreateBackgroundNoise(ctx, "aapl", from, from.Add(30*time.Minute), FuzzinessLow)
	if err != nil {
		t.Fatalf("noise: %v", err)
	}
	if n != 31 {
		t.Fatalf("expected 31 stored bars, got %d", n)
	}
	ticker, err := fx.tickers.FindByID(ctx, "AAPL")
	if err != nil || ticker.Name != "Mock Ticker" {
		t.Fatalf("mock ticker not stored: %+v %v", ticker, err)
	}
	if fx.inv.calls != 1 {
		t.Fatalf("expected cache invalidation, got %d", fx.inv.calls)
	}

	latest, err := fx.svc.LatestBars(ctx, "aapl", 10)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 10 {
		t.Fatalf("expected 10 bars, got %d", len(latest))
	}
	if !latest[9].Date.Equal(from.Add(30*time.Minute)) || !latest[0].Date.Equal(from.Add(21*time.Minute)) {
		t.Fatalf("unexpected window %s..%s", latest[0].Date, latest[9].Date)
	}
	if latest[9].VolumeIQR(20) == nil {
		t.Fatal("stored bars must be enriched")
	}
}

func TestAdminServiceRejectsInvertedRange(t *testing.T) {
	fx := newAdminFixture()
	from := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	_, err := fx.svc.CreateBackgroundNoise(context.Background(), "AAPL", from, from.Add(-time.Minute), FuzzinessLow)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestAdminServiceRecalculate(t *testing.T) {
	ctx := context.Background()
	fx := newAdminFixture()
	from := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	if _, err := fx.svc.CreateBackgroundNoise(ctx, "AAPL", from, from.Add(30*time.Minute), FuzzinessMedium); err != nil {
		t.Fatalf("noise: %v", err)
	}
	before, _ := fx.repo.FindLastN("AAPL", 1, false, nil)

	saved, err := fx.svc.Recalculate(ctx, "aapl")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if saved != 31 {
		t.Fatalf("expected 31 recalculated bars, got %d", saved)
	}

	after, _ := fx.repo.FindLastN("AAPL", 31, false, nil)
	if len(after) != 31 {
		t.Fatalf("expected 31 cached bars, got %d", len(after))
	}
	last := after[30]
	if last.VolumeIQR(20) == nil || last.PriceMA(20) == nil {
		t.Fatal("recalculated bar is missing derived fields")
	}
	if last.VolumeIQR(20).Q3 != before[0].VolumeIQR(20).Q3 {
		t.Fatalf("recalculation changed the result: %f vs %f", last.VolumeIQR(20).Q3, before[0].VolumeIQR(20).Q3)
	}
}

func TestAdminServiceDeleteSymbol(t *testing.T) {
	ctx := context.Background()
	fx := newAdminFixture()
	from := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	if _, err := fx.svc.CreateBackgroundNoise(ctx, "AAPL", from, from.Add(5*time.Minute), FuzzinessLow); err != nil {
		t.Fatalf("noise: %v", err)
	}

	if err := fx.svc.DeleteSymbol(ctx, "aapl"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	bars, _ := fx.repo.FindLastN("AAPL", 10, false, nil)
	if len(bars) != 0 {
		t.Fatalf("expected no bars, got %d", len(bars))
	}
	all, _ := fx.repo.FindAll(ctx, "AAPL")
	if len(all["AAPL"]) != 0 {
		t.Fatal("store still holds bars")
	}
	if _, err := fx.tickers.FindByID(ctx, "AAPL"); !errors.Is(err, domrepo.ErrTickerNotFound) {
		t.Fatalf("expected ticker to be gone, got %v", err)
	}
}
