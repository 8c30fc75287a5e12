package features

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

var (
	// MovingAveragePeriods are computed for both price and volume.
	MovingAveragePeriods = []int{20, 50, 200, 360}
	// IQRSizes are the volume IQR windows.
	IQRSizes = []int{20, 50, 200}
)

const (
	minLookback = 400
	maxLookback = 500
)

// History reads previously persisted bars of a symbol in ascending date order.
type History interface {
	FindLastN(symbol string, amount int, skipLast bool, beforeDate *time.Time) ([]*models.Bar, error)
}

// PostProcessor enriches bars with gap, moving averages and volume IQRs
// computed against their stored history.
type PostProcessor struct {
	history  History
	log      *logger.Logger
	parallel int
}

func NewPostProcessor(history History, log *logger.Logger) *PostProcessor {
	return &PostProcessor{
		history:  history,
		log:      log,
		parallel: runtime.NumCPU(),
	}
}

// Lookback returns how many history bars are read per bar.
func Lookback() int {
	largest := 0
	for _, p := range MovingAveragePeriods {
		largest = max(largest, p)
	}
	for _, s := range IQRSizes {
		largest = max(largest, s)
	}
	return min(maxLookback, max(minLookback, largest))
}

// Process returns enriched copies of bars in input order. With recalculation,
// history is read strictly before each bar's date so stored bars can be
// recomputed in place. Bars that fail are logged and left out.
func (p *PostProcessor) Process(ctx context.Context, bars []*models.Bar, recalculation bool) []*models.Bar {
	if len(bars) == 0 {
		return nil
	}
	p.log.Debug("post-processing bars", logger.Int("count", len(bars)), logger.Bool("recalculation", recalculation))

	out := make([]*models.Bar, len(bars))
	sem := make(chan struct{}, max(1, p.parallel))
	var wg sync.WaitGroup
	for i, bar := range bars {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, bar *models.Bar) {
			defer wg.Done()
			defer func() { <-sem }()
			enriched, err := p.processOne(bar, recalculation)
			if err != nil {
				p.log.Error("post-processing failed",
					logger.String("symbol", bar.Symbol),
					logger.Time("date", bar.Date),
					logger.Error(err),
				)
				return
			}
			out[i] = enriched
		}(i, bar)
	}
	wg.Wait()

	result := make([]*models.Bar, 0, len(out))
	for _, b := range out {
		if b != nil {
			result = append(result, b)
		}
	}
	return result
}

func (p *PostProcessor) processOne(bar *models.Bar, recalculation bool) (*models.Bar, error) {
	var before *time.Time
	if recalculation {
		d := bar.Date
		before = &d
	}
	history, err := p.history.FindLastN(bar.Symbol, Lookback(), false, before)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return Enrich(bar, history), nil
}

// Enrich computes all derived fields of bar from its ascending history.
func Enrich(bar *models.Bar, history []*models.Bar) *models.Bar {
	out := bar.WithoutCalculations()
	if len(history) > 0 {
		out.Gap = CalculateGap(history[len(history)-1], out)
	}

	prices := make([]float64, 0, len(history)+1)
	volumes := make([]float64, 0, len(history)+1)
	for _, h := range history {
		prices = append(prices, h.PriceClose)
		volumes = append(volumes, h.Volume)
	}
	prices = append(prices, out.PriceClose)
	volumes = append(volumes, out.Volume)

	for _, period := range MovingAveragePeriods {
		if ma, ok := CalculateMovingAverage(prices, period); ok {
			out.PriceMovingAverages = append(out.PriceMovingAverages, *ma)
		}
		if ma, ok := CalculateMovingAverage(volumes, period); ok {
			out.VolumeMovingAverages = append(out.VolumeMovingAverages, *ma)
		}
	}

	for _, size := range IQRSizes {
		iqr, ok := CalculateIQR(volumes, out.Volume, size)
		if !ok {
			continue
		}
		iqr.OutlierCount = countOutliers(history, size)
		if iqr.IsSignificantOutlier() {
			iqr.OutlierCount++
		}
		out.VolumeIQRs = append(out.VolumeIQRs, *iqr)
	}
	return out
}

// countOutliers counts the previous size-1 history bars whose own IQR of the
// same size was a significant outlier.
func countOutliers(history []*models.Bar, size int) int {
	start := max(0, len(history)-(size-1))
	count := 0
	for _, h := range history[start:] {
		if iqr := h.VolumeIQR(size); iqr != nil && iqr.IsSignificantOutlier() {
			count++
		}
	}
	return count
}
