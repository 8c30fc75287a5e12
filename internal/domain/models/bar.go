package models

import (
	"strings"
	"time"
)

// SignificantOutlierDeviation is the deviation from which a volume counts as outlier.
const SignificantOutlierDeviation = 2.5

// Bar is a persisted OHLCV record for one symbol and one window, enriched with
// statistical features. Identity is (Symbol, Date).
type Bar struct {
	Symbol                   string          `json:"symbol"`
	Date                     time.Time       `json:"date"`
	PriceOpen                float64         `json:"price_open"`
	PriceClose               float64         `json:"price_close"`
	PriceHigh                *float64        `json:"price_high,omitempty"`
	PriceLow                 *float64        `json:"price_low,omitempty"`
	Volume                   float64         `json:"volume"`
	TradeCount               *int64          `json:"trade_count,omitempty"`
	BiggestSingleTradeVolume *int64          `json:"biggest_single_trade_volume,omitempty"`
	Gap                      *Gap            `json:"gap,omitempty"`
	PriceMovingAverages      []MovingAverage `json:"price_smas,omitempty"`
	VolumeMovingAverages     []MovingAverage `json:"volume_smas,omitempty"`
	VolumeIQRs               []IQR           `json:"volume_iqrs,omitempty"`
	AggregatedAt             time.Time       `json:"aggregated_at"`
}

// MovingAverage describes a simple moving average over PeriodCount samples.
type MovingAverage struct {
	PeriodCount            int     `json:"period_count"`
	Mean                   float64 `json:"mean"`
	HumanReadableMean      string  `json:"human_readable_mean"`
	DeviationFromMean      float64 `json:"deviation_from_mean"`
	CoefficientOfVariation float64 `json:"coefficient_of_variation"`
}

// IQR is the interquartile range of the last Size volumes.
type IQR struct {
	Size                 int     `json:"size"`
	Q1                   float64 `json:"q1"`
	Q3                   float64 `json:"q3"`
	IQR                  float64 `json:"iqr"`
	DeviationFromCurrent float64 `json:"deviation_from_current"`
	OutlierCount         int     `json:"outlier_count"`
}

// IsSignificantOutlier reports whether the current volume is far above the range.
func (i IQR) IsSignificantOutlier() bool {
	return i.DeviationFromCurrent >= SignificantOutlierDeviation
}

// Gap is the jump between the previous close and the current open.
type Gap struct {
	AbsoluteDelta   float64   `json:"absolute_delta"`
	PercentageDelta float64   `json:"percentage_delta"`
	Time            time.Time `json:"time"`
}

// BarKey builds the identity key of a bar.
func BarKey(symbol string, date time.Time) string {
	return strings.ToUpper(symbol) + "|" + date.UTC().Format(time.RFC3339Nano)
}

// Key returns the identity key of the bar.
func (b *Bar) Key() string {
	return BarKey(b.Symbol, b.Date)
}

// TradeCountOrZero returns the trade count, treating a missing value as zero.
func (b *Bar) TradeCountOrZero() int64 {
	if b.TradeCount == nil {
		return 0
	}
	return *b.TradeCount
}

// VolumeIQR returns the IQR computed over size bars, or nil.
func (b *Bar) VolumeIQR(size int) *IQR {
	for i := range b.VolumeIQRs {
		if b.VolumeIQRs[i].Size == size {
			return &b.VolumeIQRs[i]
		}
	}
	return nil
}

// PriceMA returns the price moving average for period, or nil.
func (b *Bar) PriceMA(period int) *MovingAverage {
	return findMA(b.PriceMovingAverages, period)
}

// VolumeMA returns the volume moving average for period, or nil.
func (b *Bar) VolumeMA(period int) *MovingAverage {
	return findMA(b.VolumeMovingAverages, period)
}

func findMA(mas []MovingAverage, period int) *MovingAverage {
	for i := range mas {
		if mas[i].PeriodCount == period {
			return &mas[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the bar.
func (b *Bar) Clone() *Bar {
	c := *b
	if b.PriceHigh != nil {
		v := *b.PriceHigh
		c.PriceHigh = &v
	}
	if b.PriceLow != nil {
		v := *b.PriceLow
		c.PriceLow = &v
	}
	if b.TradeCount != nil {
		v := *b.TradeCount
		c.TradeCount = &v
	}
	if b.BiggestSingleTradeVolume != nil {
		v := *b.BiggestSingleTradeVolume
		c.BiggestSingleTradeVolume = &v
	}
	if b.Gap != nil {
		g := *b.Gap
		c.Gap = &g
	}
	c.PriceMovingAverages = append([]MovingAverage(nil), b.PriceMovingAverages...)
	c.VolumeMovingAverages = append([]MovingAverage(nil), b.VolumeMovingAverages...)
	c.VolumeIQRs = append([]IQR(nil), b.VolumeIQRs...)
	return &c
}

// WithoutCalculations returns a copy with all derived fields unset.
func (b *Bar) WithoutCalculations() *Bar {
	c := b.Clone()
	c.Gap = nil
	c.PriceMovingAverages = nil
	c.VolumeMovingAverages = nil
	c.VolumeIQRs = nil
	return c
}

// BarFromCandle maps an aggregated candle to a bar.
func BarFromCandle(c *Candle) *Bar {
	high, low := c.High, c.Low
	tc, big := c.TradeCount, c.BiggestSingleTradeVolume
	return &Bar{
		Symbol:                   strings.ToUpper(c.Ticker),
		Date:                     c.Start(),
		PriceOpen:                c.Open,
		PriceClose:               c.Close,
		PriceHigh:                &high,
		PriceLow:                 &low,
		Volume:                   float64(c.Volume),
		TradeCount:               &tc,
		BiggestSingleTradeVolume: &big,
		AggregatedAt:             time.UnixMilli(c.AggregatedAt).UTC(),
	}
}
