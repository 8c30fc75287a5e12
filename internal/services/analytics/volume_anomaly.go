package analytics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/service"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/util"
)

const (
	VolumeAnomalyID   = "VOLUME_ANOMALY"
	VolumeAnomalyName = "volume anomaly"

	minMarketCap          = 50_000_000
	minTradeCount         = 5
	minAverageVolume      = 500.0
	tinyAverageVolume     = 1_000.0
	maxPriorOutliers      = 6
	minDeviation          = 1.0
	maxBiggestTradeShare  = 60.0
	confidencePerMultiple = 0.0167
	iqrWindow             = 50
)

var (
	suppressFrom = util.Clock{Hour: 21, Minute: 20}
	suppressTo   = util.Clock{Hour: 10}
)

type pendingConfirmation struct {
	confirmations int
	snapshot      *models.Bar
	createdAt     time.Time
}

type symbolState struct {
	mu      sync.Mutex
	pending *pendingConfirmation
}

// VolumeAnomaly flags bars whose volume lies far above the interquartile range
// of the preceding bars and emits BUY once the anomaly has been confirmed by
// enough following bars.
type VolumeAnomaly struct {
	granularity models.Granularity
	log         *applogger.Logger

	mu      sync.Mutex
	symbols map[string]*symbolState
}

var _ service.Strategy = (*VolumeAnomaly)(nil)

func NewVolumeAnomaly(granularity models.Granularity, log *applogger.Logger) *VolumeAnomaly {
	return &VolumeAnomaly{
		granularity: granularity,
		log:         log.Named("volume_anomaly"),
		symbols:     make(map[string]*symbolState),
	}
}

func (s *VolumeAnomaly) ID() string   { return VolumeAnomalyID }
func (s *VolumeAnomaly) Name() string { return VolumeAnomalyName }

func (s *VolumeAnomaly) state(symbol string) *symbolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.symbols[symbol]
	if !ok {
		st = &symbolState{}
		s.symbols[symbol] = st
	}
	return st
}

// HasPending reports whether symbol has an unconfirmed candidate.
func (s *VolumeAnomaly) HasPending(symbol string) bool {
	st := s.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending != nil
}

func (s *VolumeAnomaly) Analyze(ctx context.Context, in service.StrategyInput) (*models.AnalysisResult, error) {
	if in.Ticker == nil || in.Current == nil || in.Before == nil {
		return nil, fmt.Errorf("incomplete strategy input")
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	st := s.state(in.Ticker.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if in.Ticker.MarketCap < minMarketCap || in.Current.TradeCountOrZero() <= minTradeCount {
		return s.noSignal(st, in, true), nil
	}

	baseline := in.Before.VolumeIQR(iqrWindow)
	if baseline == nil {
		return s.noSignal(st, in, false), nil
	}
	average := baseline.IQR
	if average < minAverageVolume {
		return s.noSignal(st, in, false), nil
	}
	if baseline.OutlierCount >= maxPriorOutliers {
		return s.noSignal(st, in, false), nil
	}

	deviation, ok := s.deviation(in.Current)
	if !ok {
		return nil, nil
	}
	if deviation < minDeviation {
		return s.noSignal(st, in, false), nil
	}

	confirming := st.pending != nil
	priorOutliers := baseline.OutlierCount
	if confirming {
		priorOutliers = outlierCount50(st.pending.snapshot)
	}
	if average <= tinyAverageVolume && deviation < RequiredDeviation(confirming, priorOutliers, true) {
		return s.noSignal(st, in, false), nil
	}
	if deviation < RequiredDeviation(confirming, priorOutliers, false) {
		return s.noSignal(st, in, false), nil
	}
	if biggestTradeShare(in.Current) >= maxBiggestTradeShare {
		return s.noSignal(st, in, false), nil
	}
	if util.InTradingAdjustedWindow(in.Current.Date, suppressFrom, suppressTo) {
		return s.noSignal(st, in, false), nil
	}

	return s.inspect(st, in, average, deviation), nil
}

// deviation is only defined for minute bars.
func (s *VolumeAnomaly) deviation(cur *models.Bar) (float64, bool) {
	if s.granularity != models.GranularityMinute {
		return 0, false
	}
	iqr := cur.VolumeIQR(iqrWindow)
	if iqr == nil {
		return 0, false
	}
	return iqr.DeviationFromCurrent, true
}

func (s *VolumeAnomaly) inspect(st *symbolState, in service.StrategyInput, average, deviation float64) *models.AnalysisResult {
	symbol := in.Ticker.ID
	if st.pending == nil {
		st.pending = &pendingConfirmation{snapshot: in.Current.Clone(), createdAt: in.Now}
		s.log.Debug("volume outlier detected, waiting for confirmation",
			applogger.String("symbol", symbol),
			applogger.Float64("average_volume", average),
			applogger.Float64("volume", in.Current.Volume),
			applogger.Float64("deviation", deviation),
			applogger.Float64("biggest_trade_pct", biggestTradeShare(in.Current)),
		)
		return nil
	}

	st.pending.confirmations++
	required := RequiredConfirmations(outlierCount50(st.pending.snapshot))
	if st.pending.confirmations < required {
		s.log.Debug("volume outlier confirmed",
			applogger.String("symbol", symbol),
			applogger.Int("confirmations", st.pending.confirmations),
			applogger.Int("required", required),
		)
		return nil
	}

	snapshot := st.pending.snapshot
	st.pending = nil
	magnitude := snapshot.VolumeIQR(iqrWindow).DeviationFromCurrent
	return &models.AnalysisResult{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Date:         in.Current.Date,
		Signal:       models.SignalBuy,
		StrategyID:   VolumeAnomalyID,
		StrategyName: VolumeAnomalyName,
		Granularity:  s.granularity,
		Magnitude:    magnitude,
		Confidence:   math.Min(1, 0.5+confidencePerMultiple*magnitude),
		DebugNote:    fmt.Sprintf("initial outlier at %s, trade count %d", snapshot.Date.Format(time.RFC3339), in.Current.TradeCountOrZero()),
		CreatedAt:    in.Now,
	}
}

// noSignal applies the teardown rule to a pending candidate and returns nil.
func (s *VolumeAnomaly) noSignal(st *symbolState, in service.StrategyInput, force bool) *models.AnalysisResult {
	if st.pending == nil {
		return nil
	}
	if force || s.shouldTearDown(st.pending, in) {
		s.log.Debug("dropping volume outlier candidate", applogger.String("symbol", in.Ticker.ID), applogger.Bool("forced", force))
		st.pending = nil
	}
	return nil
}

func (s *VolumeAnomaly) shouldTearDown(p *pendingConfirmation, in service.StrategyInput) bool {
	if iqr := p.snapshot.VolumeIQR(iqrWindow); iqr != nil && iqr.IQR > 0 {
		if in.Current.Volume/iqr.IQR-1 < minDeviation {
			return true
		}
	}
	return in.Now.Sub(p.createdAt) > s.maxPendingAge()
}

func (s *VolumeAnomaly) maxPendingAge() time.Duration {
	switch s.granularity {
	case models.GranularityMinute:
		return 10 * time.Minute
	case models.GranularityDaily:
		return 48 * time.Hour
	default:
		return 3 * time.Hour
	}
}

// RequiredDeviation is the deviation a bar needs to count as outlier.
func RequiredDeviation(confirming bool, priorOutliers int, lowVolume bool) float64 {
	base := 3.0
	if priorOutliers >= 4 {
		base += 2.0
	}
	if lowVolume {
		base += 3.0
	}
	if confirming {
		base /= 2
	}
	return base
}

// RequiredConfirmations grows with the outliers seen before the candidate.
func RequiredConfirmations(priorOutliers int) int {
	switch {
	case priorOutliers <= 3:
		return 3
	case priorOutliers <= 5:
		return 4
	default:
		return 5
	}
}

// outlierCount50 treats a missing IQR as too many outliers.
func outlierCount50(b *models.Bar) int {
	if iqr := b.VolumeIQR(iqrWindow); iqr != nil {
		return iqr.OutlierCount
	}
	return 99
}

func biggestTradeShare(b *models.Bar) float64 {
	if b.BiggestSingleTradeVolume == nil || b.Volume == 0 {
		return 0
	}
	return float64(*b.BiggestSingleTradeVolume) / b.Volume * 100
}
