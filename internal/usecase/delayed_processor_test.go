package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/services/features"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/metrics"
)

func newMinuteRepo() *repository.StockpriceRepository {
	return repository.NewStockpriceRepository(
		models.GranularityMinute,
		repository.NewMemoryBarStore(),
		testTickers(),
		0,
		applogger.NewNop(),
	)
}

func TestDelayedProcessorBatchesAndDeduplicates(t *testing.T) {
	repo := newMinuteRepo()
	analyzer := newRecordingAnalyzer()
	post := features.NewPostProcessor(repo, applogger.NewNop())
	p := NewDelayedProcessor(post, repo, analyzer, metrics.Noop{}, 10*time.Millisecond, applogger.NewNop())
	ctx := context.Background()

	first := minuteCandle("aapl", rollupStart, 100, 1000)
	second := minuteCandle("aapl", rollupStart.Add(time.Minute), 101, 1100)
	p.OnCandle(ctx, first)
	p.OnCandle(ctx, second)
	p.OnCandle(ctx, minuteCandle("aapl", rollupStart, 500, 9999))

	call := analyzer.waitDispatch(t)
	if call.granularity != models.GranularityMinute {
		t.Fatalf("unexpected granularity %s", call.granularity)
	}
	if len(call.bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(call.bars))
	}
	if call.bars[0].Symbol != "AAPL" || !call.bars[0].Date.Equal(rollupStart) || call.bars[0].Volume != 1000 {
		t.Fatalf("unexpected first bar %+v", call.bars[0])
	}
	if call.bars[1].Gap != nil {
		t.Fatalf("small move must not produce a gap: %+v", call.bars[1].Gap)
	}

	stored, err := repo.FindLastN("AAPL", 10, false, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored bars, got %d", len(stored))
	}
	if p.Pending() != 0 {
		t.Fatalf("buffer must be empty after flush, got %d", p.Pending())
	}
}

func TestDelayedProcessorRearmsAfterFlush(t *testing.T) {
	repo := newMinuteRepo()
	analyzer := newRecordingAnalyzer()
	post := features.NewPostProcessor(repo, applogger.NewNop())
	p := NewDelayedProcessor(post, repo, analyzer, metrics.Noop{}, 5*time.Millisecond, applogger.NewNop())
	ctx := context.Background()

	p.OnCandle(ctx, minuteCandle("MSFT", rollupStart, 300, 500))
	analyzer.waitDispatch(t)
	p.OnCandle(ctx, minuteCandle("MSFT", rollupStart.Add(time.Minute), 301, 600))
	call := analyzer.waitDispatch(t)
	if len(call.bars) != 1 || !call.bars[0].Date.Equal(rollupStart.Add(time.Minute)) {
		t.Fatalf("unexpected second batch %+v", call.bars)
	}
}

func TestDelayedProcessorStopFlushesImmediately(t *testing.T) {
	repo := newMinuteRepo()
	analyzer := newRecordingAnalyzer()
	post := features.NewPostProcessor(repo, applogger.NewNop())
	p := NewDelayedProcessor(post, repo, analyzer, metrics.Noop{}, time.Hour, applogger.NewNop())

	p.OnCandle(context.Background(), minuteCandle("AAPL", rollupStart, 100, 1000))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Stop(ctx)

	call := analyzer.waitDispatch(t)
	if len(call.bars) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(call.bars))
	}
}

func TestSequentialProcessorHandlesBarsOneByOne(t *testing.T) {
	repo := newMinuteRepo()
	analyzer := newRecordingAnalyzer()
	post := features.NewPostProcessor(repo, applogger.NewNop())
	p := NewSequentialProcessor(post, repo, analyzer, applogger.NewNop())

	candles := minutes("AAPL", rollupStart, 25)
	stored, err := p.ProcessCandles(context.Background(), candles)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stored != 25 {
		t.Fatalf("expected 25 stored bars, got %d", stored)
	}
	if len(analyzer.analyzed) != 25 {
		t.Fatalf("expected 25 analyze calls, got %d", len(analyzer.analyzed))
	}

	last := analyzer.analyzed[24][0]
	if last.VolumeMA(20) == nil {
		t.Fatal("history written by earlier bars must feed the moving average")
	}
	if last.VolumeIQR(20) == nil {
		t.Fatal("history written by earlier bars must feed the IQR")
	}
}
