package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
)

const (
	// MinGapPercentage is the smallest relative open/close jump recorded as gap.
	MinGapPercentage = 0.05
	// MinGapVolume is the volume both bars need for a gap to be meaningful.
	MinGapVolume = 100_000
	// MaxGapDistance is the largest distance between two bars compared for a gap.
	MaxGapDistance = 10 * 24 * time.Hour
)

// Median returns the median of values. At least three samples are required.
func Median(values []float64) (float64, bool) {
	if len(values) < 3 {
		return 0, false
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return medianSorted(sorted), true
}

func medianSorted(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// CalculateIQR computes the interquartile range of the last size volumes and
// how far current lies above it. OutlierCount is left for the caller.
func CalculateIQR(volumes []float64, current float64, size int) (*models.IQR, bool) {
	if len(volumes) < 3 || size <= 0 {
		return nil, false
	}
	if len(volumes) > size {
		volumes = volumes[len(volumes)-size:]
	}
	data := append([]float64(nil), volumes...)
	sort.Float64s(data)
	n := len(data)

	q1, ok := Median(data[:n/2])
	if !ok {
		return nil, false
	}
	q3, ok := Median(data[(n+1)/2:])
	if !ok {
		return nil, false
	}
	iqr := q3 - q1
	deviation := 0.0
	if iqr != 0 {
		deviation = math.Max(0, current/iqr-1)
	}
	return &models.IQR{
		Size:                 size,
		Q1:                   q1,
		Q3:                   q3,
		IQR:                  iqr,
		DeviationFromCurrent: deviation,
	}, true
}

// CalculateMovingAverage computes the simple moving average over the last
// period values, where the last value is the current one.
func CalculateMovingAverage(values []float64, period int) (*models.MovingAverage, bool) {
	if period <= 0 || len(values) < period {
		return nil, false
	}
	window := values[len(values)-period:]
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(period)
	if mean <= 0 {
		return nil, false
	}

	current := values[len(values)-1]
	deviation := 0.0
	if current != 0 {
		deviation = current/mean - 1
	}

	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	variance /= float64(period)
	cv := math.Sqrt(variance) / mean

	return &models.MovingAverage{
		PeriodCount:            period,
		Mean:                   round(mean, 2),
		HumanReadableMean:      HumanReadable(int64(mean)),
		DeviationFromMean:      round(deviation, 3),
		CoefficientOfVariation: round(cv, 3),
	}, true
}

// CalculateGap compares the open of cur with the close of prev.
func CalculateGap(prev, cur *models.Bar) *models.Gap {
	if prev == nil || cur == nil {
		return nil
	}
	if prev.Volume < MinGapVolume || cur.Volume < MinGapVolume {
		return nil
	}
	if cur.Date.Sub(prev.Date) > MaxGapDistance {
		return nil
	}
	if prev.PriceClose <= 0 {
		return nil
	}
	pct := cur.PriceOpen/prev.PriceClose - 1
	if math.Abs(pct) < MinGapPercentage {
		return nil
	}
	return &models.Gap{
		AbsoluteDelta:   cur.PriceOpen - prev.PriceClose,
		PercentageDelta: pct,
		Time:            cur.Date,
	}
}

// HumanReadable formats n with a T, B, M or K suffix.
func HumanReadable(n int64) string {
	switch {
	case n >= 1_000_000_000_000:
		return fmt.Sprintf("%.2fT", float64(n)/1_000_000_000_000)
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.2fB", float64(n)/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.2fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
