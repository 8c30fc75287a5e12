package models

import "time"

// Trade is a single print received from the market-data feed.
type Trade struct {
	Symbol          string  `json:"sym"`
	Price           float64 `json:"p"`
	Size            int64   `json:"s"`
	TimestampMillis int64   `json:"t"`
	VenueID         int     `json:"x"`
	Conditions      []int   `json:"c,omitempty"`
	Sequence        int64   `json:"q"`
}

// MinuteKey returns the index of the one-minute bucket the trade belongs to.
func (t *Trade) MinuteKey() int64 {
	return t.TimestampMillis / 60000
}

// Candle is an aggregated OHLCV window before statistical enrichment.
type Candle struct {
	Ticker                   string  `json:"ticker"`
	Open                     float64 `json:"open"`
	Close                    float64 `json:"close"`
	High                     float64 `json:"high"`
	Low                      float64 `json:"low"`
	TradeCount               int64   `json:"trade_count"`
	BiggestSingleTradeVolume int64   `json:"biggest_single_trade_volume"`
	ExchangeBiggestTrade     string  `json:"exchange_biggest_trade,omitempty"`
	Volume                   int64   `json:"volume"`
	StartMillis              int64   `json:"start"`
	EndMillis                int64   `json:"end"`
	AggregatedAt             int64   `json:"aggregated_at"`
}

// IsPopulated reports whether all four prices are set.
func (c *Candle) IsPopulated() bool {
	return c.Open != 0 && c.Close != 0 && c.High != 0 && c.Low != 0
}

// WithLastKnownPrice fills all prices with the close of last. Returns nil when
// there is no last known price.
func (c Candle) WithLastKnownPrice(last *Bar) *Candle {
	if last == nil {
		return nil
	}
	c.Open = last.PriceClose
	c.Close = last.PriceClose
	c.High = last.PriceClose
	c.Low = last.PriceClose
	return &c
}

// Start returns the window start as UTC time.
func (c *Candle) Start() time.Time {
	return time.UnixMilli(c.StartMillis).UTC()
}

// End returns the window end as UTC time.
func (c *Candle) End() time.Time {
	return time.UnixMilli(c.EndMillis).UTC()
}

// Key identifies a candle by symbol and window start.
func (c *Candle) Key() string {
	return BarKey(c.Ticker, c.Start())
}
