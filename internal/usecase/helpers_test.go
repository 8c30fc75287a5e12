package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
)

type fakeTickers map[string]*models.Ticker

func (f fakeTickers) Get(ctx context.Context, symbol string) (*models.Ticker, error) {
	if t, ok := f[symbol]; ok {
		return t, nil
	}
	return nil, domrepo.ErrTickerNotFound
}

func (f fakeTickers) ActiveTickers(ctx context.Context) ([]*models.Ticker, error) {
	out := make([]*models.Ticker, 0, len(f))
	for _, t := range f {
		out = append(out, t)
	}
	return out, nil
}

func (f fakeTickers) FindByCompanyName(ctx context.Context, name string) (*models.Ticker, error) {
	for _, t := range f {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, domrepo.ErrTickerNotFound
}

func testTickers() fakeTickers {
	return fakeTickers{
		"AAPL": {ID: "AAPL", Name: "Apple Inc.", PrimaryExchange: "XNAS", Active: true, MarketCap: 2_900_000_000_000},
		"MSFT": {ID: "MSFT", Name: "Microsoft", PrimaryExchange: "XNAS", Active: true, MarketCap: 3_000_000_000_000},
	}
}

type dispatchCall struct {
	bars        []*models.Bar
	granularity models.Granularity
}

// recordingAnalyzer records calls and signals each Dispatch on dispatched.
type recordingAnalyzer struct {
	mu         sync.Mutex
	analyzed   [][]*models.Bar
	dispatched chan dispatchCall
}

func newRecordingAnalyzer() *recordingAnalyzer {
	return &recordingAnalyzer{dispatched: make(chan dispatchCall, 16)}
}

func (r *recordingAnalyzer) Analyze(ctx context.Context, bars []*models.Bar, g models.Granularity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyzed = append(r.analyzed, bars)
	return nil
}

func (r *recordingAnalyzer) Dispatch(bars []*models.Bar, g models.Granularity) {
	r.dispatched <- dispatchCall{bars: bars, granularity: g}
}

func (r *recordingAnalyzer) waitDispatch(t *testing.T) dispatchCall {
	t.Helper()
	select {
	case c := <-r.dispatched:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return dispatchCall{}
	}
}

type recordingSubscriber struct {
	mu   sync.Mutex
	name string
	got  []domrepo.Notification
}

func (r *recordingSubscriber) Name() string { return r.name }

func (r *recordingSubscriber) Notify(ctx context.Context, n domrepo.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}
