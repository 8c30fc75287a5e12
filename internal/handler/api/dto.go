package api

import (
	"strings"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
)

// StockpriceDto is the wire form of a minute bar on the admin API.
type StockpriceDto struct {
	Ticker                   string    `json:"ticker" validate:"required"`
	Date                     time.Time `json:"date"`
	Open                     float64   `json:"open"`
	High                     float64   `json:"high"`
	Low                      float64   `json:"low"`
	Close                    float64   `json:"close"`
	Volume                   float64   `json:"volume" validate:"gte=0"`
	BiggestSingleTradeVolume *int64    `json:"biggestSingleTradeVolume,omitempty"`
	TradeCount               int64     `json:"tradeCount" validate:"gte=0"`
	TrendlineShort           float64   `json:"trendlineShort"`
	TrendlineMedium          float64   `json:"trendlineMedium"`
	TrendlineLong            float64   `json:"trendlineLong"`
	SignificantOutlierCount  int       `json:"significantOutlierCount"`
	IsOutlierToday           bool      `json:"isOutlierToday"`
}

// InsertPricesDto is the body of the bulk insert endpoint.
type InsertPricesDto struct {
	Data []StockpriceDto `json:"data" validate:"required,dive"`
}

type latestRequest struct {
	Symbol string `query:"symbol" validate:"required"`
	Ticks  int    `query:"ticks" default:"120" validate:"gte=1,lte=500"`
}

type noiseRequest struct {
	Symbol    string `query:"symbol" validate:"required"`
	From      string `query:"from" validate:"required"`
	To        string `query:"to" validate:"required"`
	Fuzziness string `query:"fuzzyness" default:"LOW" validate:"oneof=LOW MEDIUM HIGH low medium high"`
}

func toStockpriceDto(b *models.Bar) StockpriceDto {
	dto := StockpriceDto{
		Ticker:                   b.Symbol,
		Date:                     b.Date,
		Open:                     b.PriceOpen,
		Close:                    b.PriceClose,
		Volume:                   b.Volume,
		BiggestSingleTradeVolume: b.BiggestSingleTradeVolume,
		TradeCount:               b.TradeCountOrZero(),
	}
	if b.PriceHigh != nil {
		dto.High = *b.PriceHigh
	}
	if b.PriceLow != nil {
		dto.Low = *b.PriceLow
	}
	if iqr := b.VolumeIQR(20); iqr != nil {
		dto.TrendlineShort = iqr.IQR
	}
	if iqr := b.VolumeIQR(50); iqr != nil {
		dto.TrendlineMedium = iqr.IQR
		dto.SignificantOutlierCount = iqr.OutlierCount
		dto.IsOutlierToday = iqr.IsSignificantOutlier()
	}
	if iqr := b.VolumeIQR(200); iqr != nil {
		dto.TrendlineLong = iqr.IQR
	}
	return dto
}

func (d StockpriceDto) toBar() *models.Bar {
	high, low := d.High, d.Low
	tc := d.TradeCount
	return &models.Bar{
		Symbol:                   strings.ToUpper(d.Ticker),
		Date:                     d.Date.UTC(),
		PriceOpen:                d.Open,
		PriceClose:               d.Close,
		PriceHigh:                &high,
		PriceLow:                 &low,
		Volume:                   d.Volume,
		TradeCount:               &tc,
		BiggestSingleTradeVolume: d.BiggestSingleTradeVolume,
		AggregatedAt:             d.Date.UTC(),
	}
}
