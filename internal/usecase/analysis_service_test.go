package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/service"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/repository"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/metrics"
)

// volumeOver signals every bar with more volume than its threshold.
type volumeOver struct {
	threshold float64
	inputs    []service.StrategyInput
	fail      bool
}

func (s *volumeOver) ID() string   { return "VOLUME_OVER" }
func (s *volumeOver) Name() string { return "Volume over threshold" }

func (s *volumeOver) Analyze(ctx context.Context, in service.StrategyInput) (*models.AnalysisResult, error) {
	s.inputs = append(s.inputs, in)
	if s.fail {
		return nil, errors.New("broken strategy")
	}
	if in.Current.Volume <= s.threshold {
		return nil, nil
	}
	return &models.AnalysisResult{
		ID:          in.Current.Key(),
		Symbol:      in.Current.Symbol,
		Date:        in.Current.Date,
		Signal:      models.SignalBuy,
		StrategyID:  s.ID(),
		Granularity: in.Granularity,
		Magnitude:   in.Current.Volume,
		CreatedAt:   in.Now,
	}, nil
}

type staticStrategies map[models.Granularity][]service.Strategy

func (s staticStrategies) For(g models.Granularity) []service.Strategy { return s[g] }

type fixedHistory map[string][]*models.Bar

func (f fixedHistory) FindLastN(symbol string, amount int, skipLast bool, beforeDate *time.Time) ([]*models.Bar, error) {
	return f[symbol], nil
}

type recordingNotifier struct {
	got []domrepo.Notification
}

func (r *recordingNotifier) Publish(ctx context.Context, n []domrepo.Notification) {
	r.got = append(r.got, n...)
}

func analysisBar(symbol string, minute int, volume float64) *models.Bar {
	return &models.Bar{Symbol: symbol, Date: rollupStart.Add(time.Duration(minute) * time.Minute), Volume: volume}
}

func newTestAnalysis(strategy service.Strategy, history fixedHistory, results domrepo.AnalysisRepository, notifier Notifier, enabled bool) *AnalysisService {
	return NewAnalysisService(
		enabled,
		testTickers(),
		map[models.Granularity]BarHistory{models.GranularityMinute: history},
		staticStrategies{models.GranularityMinute: {strategy}},
		results,
		notifier,
		metrics.Noop{},
		applogger.NewNop(),
		WithAnalysisClock(func() time.Time { return rollupStart.Add(time.Hour) }),
	)
}

func TestAnalyzeGroupsByTickerInDateOrder(t *testing.T) {
	strategy := &volumeOver{threshold: 100}
	results := repository.NewMemoryAnalysisRepository()
	notifier := &recordingNotifier{}
	history := fixedHistory{
		"AAPL": {analysisBar("AAPL", -1, 50)},
		"MSFT": {analysisBar("MSFT", -1, 50)},
	}
	s := newTestAnalysis(strategy, history, results, notifier, true)

	bars := []*models.Bar{
		analysisBar("AAPL", 2, 500),
		analysisBar("TSLA", 1, 900),
		analysisBar("AAPL", 1, 400),
		analysisBar("MSFT", 1, 10),
	}
	if err := s.Analyze(context.Background(), bars, models.GranularityMinute); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if len(strategy.inputs) != 3 {
		t.Fatalf("expected 3 strategy calls without the unknown ticker, got %d", len(strategy.inputs))
	}
	if !strategy.inputs[0].Current.Date.Before(strategy.inputs[1].Current.Date) {
		t.Fatal("bars of a ticker must be analyzed in date order")
	}
	if strategy.inputs[0].Ticker.Name != "Apple Inc." || strategy.inputs[0].Before.Volume != 50 {
		t.Fatalf("unexpected strategy input %+v", strategy.inputs[0])
	}
	if !strategy.inputs[0].Now.Equal(rollupStart.Add(time.Hour)) {
		t.Fatalf("unexpected now %v", strategy.inputs[0].Now)
	}

	stored := results.All()
	if len(stored) != 2 || stored[0].Magnitude != 400 || stored[1].Magnitude != 500 {
		t.Fatalf("unexpected stored results %+v", stored)
	}
	if len(notifier.got) != 2 || notifier.got[0].Ticker.ID != "AAPL" {
		t.Fatalf("unexpected notifications %+v", notifier.got)
	}
}

func TestAnalyzeSkipsTickerWithoutPreviousBar(t *testing.T) {
	strategy := &volumeOver{threshold: 0}
	results := repository.NewMemoryAnalysisRepository()
	s := newTestAnalysis(strategy, fixedHistory{}, results, &recordingNotifier{}, true)

	if err := s.Analyze(context.Background(), []*models.Bar{analysisBar("AAPL", 1, 500)}, models.GranularityMinute); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(strategy.inputs) != 0 || len(results.All()) != 0 {
		t.Fatal("no analysis expected without a previous bar")
	}
}

func TestAnalyzeDisabledAndFailingStrategy(t *testing.T) {
	history := fixedHistory{"AAPL": {analysisBar("AAPL", 0, 50)}}
	bars := []*models.Bar{analysisBar("AAPL", 1, 500)}

	off := &volumeOver{}
	s := newTestAnalysis(off, history, repository.NewMemoryAnalysisRepository(), &recordingNotifier{}, false)
	if err := s.Analyze(context.Background(), bars, models.GranularityMinute); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(off.inputs) != 0 {
		t.Fatal("disabled analysis must not run strategies")
	}

	broken := &volumeOver{fail: true}
	results := repository.NewMemoryAnalysisRepository()
	s = newTestAnalysis(broken, history, results, &recordingNotifier{}, true)
	if err := s.Analyze(context.Background(), bars, models.GranularityMinute); err != nil {
		t.Fatalf("strategy errors must be isolated, got %v", err)
	}
	if len(results.All()) != 0 {
		t.Fatal("no results expected")
	}
}

func TestAnalyzeUnknownGranularity(t *testing.T) {
	s := newTestAnalysis(&volumeOver{}, fixedHistory{}, repository.NewMemoryAnalysisRepository(), nil, true)
	err := s.Analyze(context.Background(), []*models.Bar{analysisBar("AAPL", 1, 1)}, models.GranularityDaily)
	if err == nil {
		t.Fatal("expected error for granularity without history")
	}
}

func TestDispatchAndShutdown(t *testing.T) {
	strategy := &volumeOver{threshold: 100}
	results := repository.NewMemoryAnalysisRepository()
	history := fixedHistory{"AAPL": {analysisBar("AAPL", 0, 50)}}
	s := newTestAnalysis(strategy, history, results, &recordingNotifier{}, true)
	s.Start(context.Background())

	s.Dispatch([]*models.Bar{analysisBar("AAPL", 1, 500)}, models.GranularityMinute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(results.All()) != 1 {
		t.Fatalf("expected the dispatched bar to be analyzed, got %d results", len(results.All()))
	}

	s.Dispatch([]*models.Bar{analysisBar("AAPL", 2, 500)}, models.GranularityMinute)
	if s.InFlight() != 0 {
		t.Fatal("dispatch after shutdown must be dropped")
	}
}

func TestNotificationServiceIsolatesSubscribers(t *testing.T) {
	ok := &recordingSubscriber{name: "ok"}
	s := NewNotificationService(metrics.Noop{}, applogger.NewNop(),
		failingSubscriber{},
		panickingSubscriber{},
		ok,
	)

	n := domrepo.Notification{Result: &models.AnalysisResult{Symbol: "AAPL"}, Ticker: testTickers()["AAPL"]}
	s.Deliver(context.Background(), []domrepo.Notification{n, n})
	if ok.count() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", ok.count())
	}

	s.Publish(context.Background(), []domrepo.Notification{n})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ok.count() != 3 {
		t.Fatalf("expected 3 deliveries, got %d", ok.count())
	}

	s.Publish(context.Background(), []domrepo.Notification{n})
	if ok.count() != 3 {
		t.Fatal("publish after shutdown must be dropped")
	}
}

type failingSubscriber struct{}

func (failingSubscriber) Name() string { return "failing" }
func (failingSubscriber) Notify(context.Context, domrepo.Notification) error {
	return errors.New("unavailable")
}

type panickingSubscriber struct{}

func (panickingSubscriber) Name() string { return "panicking" }
func (panickingSubscriber) Notify(context.Context, domrepo.Notification) error {
	panic("subscriber bug")
}
