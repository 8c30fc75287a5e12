package models

import (
	"fmt"
	"time"
)

// Ticker is reference data about a listed symbol.
type Ticker struct {
	ID              string     `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	Market          string     `json:"market" db:"market"`
	Type            string     `json:"type" db:"type"`
	Currency        string     `json:"currency" db:"currency"`
	PrimaryExchange string     `json:"primary_exchange" db:"primary_exchange"`
	Active          bool       `json:"active" db:"active"`
	MarketCap       int64      `json:"market_cap" db:"market_cap"`
	LastUpdatedUTC  time.Time  `json:"last_updated_utc" db:"last_updated_utc"`
	DelistedUTC     *time.Time `json:"delisted_utc,omitempty" db:"delisted_utc"`
}

// ExchangeHumanReadable maps MIC codes to common exchange names.
func (t *Ticker) ExchangeHumanReadable() string {
	switch t.PrimaryExchange {
	case "XNAS":
		return "NASDAQ"
	case "XNYS":
		return "NYSE"
	default:
		return t.PrimaryExchange
	}
}

// TradingViewLink returns the chart URL, or "" when the exchange is unknown.
func (t *Ticker) TradingViewLink() string {
	exchange := t.ExchangeHumanReadable()
	if exchange == "" {
		return ""
	}
	return fmt.Sprintf("https://www.tradingview.com/symbols/%s-%s/", exchange, t.ID)
}
