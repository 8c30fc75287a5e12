package analytics

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/service"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/util"
)

// 15:00 Berlin in July, outside the suppressed hours.
var start = time.Date(2024, 7, 1, 15, 0, 0, 0, util.Berlin())

func bar(volume, deviation, iqr float64, outliers int, at time.Time) *models.Bar {
	tc := int64(20)
	big := int64(100)
	return &models.Bar{
		Symbol:                   "AAPL",
		Date:                     at.UTC(),
		PriceOpen:                10,
		PriceClose:               10,
		Volume:                   volume,
		TradeCount:               &tc,
		BiggestSingleTradeVolume: &big,
		VolumeIQRs: []models.IQR{
			{Size: 50, IQR: iqr, DeviationFromCurrent: deviation, OutlierCount: outliers},
		},
	}
}

func input(cur *models.Bar, before *models.Bar, now time.Time) service.StrategyInput {
	return service.StrategyInput{
		Ticker:      &models.Ticker{ID: "AAPL", MarketCap: 100_000_000},
		Current:     cur,
		Before:      before,
		Granularity: models.GranularityMinute,
		Now:         now,
	}
}

func baseline() *models.Bar {
	return bar(2000, 0, 2000, 0, start.Add(-time.Minute))
}

func analyze(t *testing.T, s *VolumeAnomaly, in service.StrategyInput) *models.AnalysisResult {
	t.Helper()
	res, err := s.Analyze(context.Background(), in)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	return res
}

func TestVolumeAnomalyEmitsAfterConfirmations(t *testing.T) {
	s := NewVolumeAnomaly(models.GranularityMinute, applogger.NewNop())
	spike := bar(10000, 4, 2000, 0, start)
	if res := analyze(t, s, input(spike, baseline(), start)); res != nil {
		t.Fatalf("first outlier must not signal")
	}
	if !s.HasPending("AAPL") {
		t.Fatalf("expected pending candidate")
	}

	var res *models.AnalysisResult
	for i := 1; i <= 3; i++ {
		at := start.Add(time.Duration(i) * time.Minute)
		res = analyze(t, s, input(bar(6000, 2, 2000, 1, at), spike, at))
		if i < 3 && res != nil {
			t.Fatalf("signal after %d confirmations, want 3", i)
		}
	}
	if res == nil {
		t.Fatalf("expected BUY after 3 confirmations")
	}
	if res.Signal != models.SignalBuy || res.StrategyID != VolumeAnomalyID || res.Granularity != models.GranularityMinute {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Magnitude != 4 {
		t.Fatalf("magnitude = %v, want snapshot deviation 4", res.Magnitude)
	}
	if want := 0.5668; math.Abs(res.Confidence-want) > 1e-9 {
		t.Fatalf("confidence = %v, want %v", res.Confidence, want)
	}
	if res.ID == "" || res.Symbol != "AAPL" {
		t.Fatalf("missing id or symbol: %+v", res)
	}
	if s.HasPending("AAPL") {
		t.Fatalf("pending must be cleared after signal")
	}
}

func TestVolumeAnomalyHardGateTearsDown(t *testing.T) {
	s := NewVolumeAnomaly(models.GranularityMinute, applogger.NewNop())
	spike := bar(10000, 4, 2000, 0, start)
	analyze(t, s, input(spike, baseline(), start))

	in := input(bar(10000, 4, 2000, 0, start.Add(time.Minute)), spike, start.Add(time.Minute))
	in.Ticker.MarketCap = 10_000_000
	if res := analyze(t, s, in); res != nil {
		t.Fatalf("unexpected signal")
	}
	if s.HasPending("AAPL") {
		t.Fatalf("hard gate must tear down pending")
	}

	analyze(t, s, input(spike, baseline(), start))
	few := bar(10000, 4, 2000, 0, start.Add(time.Minute))
	tc := int64(5)
	few.TradeCount = &tc
	analyze(t, s, input(few, spike, start.Add(time.Minute)))
	if s.HasPending("AAPL") {
		t.Fatalf("trade count gate must tear down pending")
	}
}

func TestVolumeAnomalySoftGateKeepsOrTearsDown(t *testing.T) {
	s := NewVolumeAnomaly(models.GranularityMinute, applogger.NewNop())
	spike := bar(10000, 4, 2000, 0, start)
	analyze(t, s, input(spike, baseline(), start))

	// still more than double the snapshot range
	at := start.Add(time.Minute)
	analyze(t, s, input(bar(5000, 0.5, 2000, 1, at), spike, at))
	if !s.HasPending("AAPL") {
		t.Fatalf("pending must survive while volume stays elevated")
	}

	at = start.Add(2 * time.Minute)
	analyze(t, s, input(bar(2500, 0.5, 2000, 1, at), spike, at))
	if s.HasPending("AAPL") {
		t.Fatalf("pending must be torn down when volume is less than double")
	}
}

func TestVolumeAnomalyPendingTimesOut(t *testing.T) {
	s := NewVolumeAnomaly(models.GranularityMinute, applogger.NewNop())
	spike := bar(10000, 4, 2000, 0, start)
	analyze(t, s, input(spike, baseline(), start))

	at := start.Add(11 * time.Minute)
	analyze(t, s, input(bar(5000, 0.5, 2000, 1, at), spike, at))
	if s.HasPending("AAPL") {
		t.Fatalf("pending older than 10 minutes must be torn down")
	}
}

func TestVolumeAnomalyRejections(t *testing.T) {
	cases := []struct {
		name   string
		cur    *models.Bar
		before *models.Bar
	}{
		{"suppressed hours", bar(10000, 4, 2000, 0, time.Date(2024, 7, 1, 22, 0, 0, 0, util.Berlin())), baseline()},
		{"below threshold", bar(10000, 2.9, 2000, 0, start), baseline()},
		{"small average", bar(10000, 4, 2000, 0, start), bar(400, 0, 400, 0, start)},
		{"too many prior outliers", bar(10000, 4, 2000, 0, start), bar(2000, 0, 2000, 6, start)},
		{"prior outliers raise threshold", bar(10000, 4.5, 2000, 0, start), bar(2000, 0, 2000, 4, start)},
		{"tiny average needs more", bar(5000, 5, 800, 0, start), bar(800, 0, 800, 0, start)},
		{"no baseline", bar(10000, 4, 2000, 0, start), &models.Bar{Symbol: "AAPL"}},
	}
	for _, c := range cases {
		s := NewVolumeAnomaly(models.GranularityMinute, applogger.NewNop())
		if res := analyze(t, s, input(c.cur, c.before, start)); res != nil {
			t.Fatalf("%s: unexpected signal", c.name)
		}
		if s.HasPending("AAPL") {
			t.Fatalf("%s: unexpected pending candidate", c.name)
		}
	}
}

func TestVolumeAnomalyTinyAverageWithLargeDeviation(t *testing.T) {
	s := NewVolumeAnomaly(models.GranularityMinute, applogger.NewNop())
	analyze(t, s, input(bar(8000, 7, 800, 0, start), bar(800, 0, 800, 0, start), start))
	if !s.HasPending("AAPL") {
		t.Fatalf("expected pending candidate for large deviation on tiny average")
	}
}

func TestVolumeAnomalyBiggestTradeShare(t *testing.T) {
	s := NewVolumeAnomaly(models.GranularityMinute, applogger.NewNop())
	cur := bar(10000, 4, 2000, 0, start)
	big := int64(6000)
	cur.BiggestSingleTradeVolume = &big
	analyze(t, s, input(cur, baseline(), start))
	if s.HasPending("AAPL") {
		t.Fatalf("a single trade making up 60%% must not qualify")
	}
}

func TestVolumeAnomalyOnlyMinuteBars(t *testing.T) {
	s := NewVolumeAnomaly(models.GranularityThirtyMinute, applogger.NewNop())
	in := input(bar(10000, 4, 2000, 0, start), baseline(), start)
	in.Granularity = models.GranularityThirtyMinute
	if res := analyze(t, s, in); res != nil {
		t.Fatalf("unexpected signal")
	}
	if s.HasPending("AAPL") {
		t.Fatalf("thirty minute bars must not open candidates")
	}
}

func TestRequiredDeviation(t *testing.T) {
	cases := []struct {
		confirming bool
		outliers   int
		low        bool
		want       float64
	}{
		{false, 0, false, 3},
		{false, 4, false, 5},
		{false, 0, true, 6},
		{false, 4, true, 8},
		{true, 0, false, 1.5},
		{true, 5, true, 4},
	}
	for _, c := range cases {
		if got := RequiredDeviation(c.confirming, c.outliers, c.low); got != c.want {
			t.Fatalf("RequiredDeviation(%v, %d, %v) = %v, want %v", c.confirming, c.outliers, c.low, got, c.want)
		}
	}
}

func TestRequiredConfirmations(t *testing.T) {
	cases := map[int]int{0: 3, 3: 3, 4: 4, 5: 4, 6: 5, 99: 5}
	for outliers, want := range cases {
		if got := RequiredConfirmations(outliers); got != want {
			t.Fatalf("RequiredConfirmations(%d) = %d, want %d", outliers, got, want)
		}
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(applogger.NewNop())
	for _, g := range []models.Granularity{models.GranularityMinute, models.GranularityThirtyMinute, models.GranularityDaily} {
		if len(r.For(g)) != 1 {
			t.Fatalf("expected one strategy for %s", g)
		}
	}
}
