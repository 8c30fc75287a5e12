package usecase

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
)

// Fuzziness controls how strongly generated volumes and trade counts vary.
type Fuzziness string

const (
	FuzzinessLow    Fuzziness = "LOW"
	FuzzinessMedium Fuzziness = "MEDIUM"
	FuzzinessHigh   Fuzziness = "HIGH"
)

const (
	noiseBaseVolume   = 1000
	noisePriceSwing   = 0.01
	noiseBiggestTrade = 42
)

// ParseFuzziness accepts LOW, MEDIUM or HIGH in any case.
func ParseFuzziness(s string) (Fuzziness, error) {
	f := Fuzziness(strings.ToUpper(s))
	switch f {
	case FuzzinessLow, FuzzinessMedium, FuzzinessHigh:
		return f, nil
	}
	return "", fmt.Errorf("unknown fuzziness %q", s)
}

func (f Fuzziness) volatility() (volume, trades float64) {
	switch f {
	case FuzzinessHigh:
		return 0.8, 0.6
	case FuzzinessMedium:
		return 0.4, 0.3
	default:
		return 0.2, 0.1
	}
}

// GenerateNoise builds a random walk of one-minute bars from from to to
// (inclusive). Each open starts near the previous close.
func GenerateNoise(symbol string, from, to time.Time, f Fuzziness, rng *rand.Rand) []*models.Bar {
	volumeSwing, tradeSwing := f.volatility()
	uniform := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }

	price := uniform(100, 200)
	trades := int64(100 + rng.Intn(900))
	symbol = strings.ToUpper(symbol)

	var out []*models.Bar
	for at := from.UTC(); !at.After(to); at = at.Add(time.Minute) {
		open := price * (1 + uniform(-noisePriceSwing, noisePriceSwing))
		high := open * (1 + uniform(0, noisePriceSwing))
		low := open * (1 - uniform(0, noisePriceSwing))
		closing := open * (1 + uniform(-noisePriceSwing, noisePriceSwing))
		high = max(high, open, closing)
		low = min(low, open, closing)

		volume := max(0, int64(noiseBaseVolume*(1+uniform(-volumeSwing, volumeSwing))))
		trades = max(0, int64(float64(trades)*(1+uniform(-tradeSwing, tradeSwing))))
		tc, big := trades, int64(noiseBiggestTrade)

		out = append(out, &models.Bar{
			Symbol:                   symbol,
			Date:                     at,
			PriceOpen:                open,
			PriceClose:               closing,
			PriceHigh:                &high,
			PriceLow:                 &low,
			Volume:                   float64(volume),
			TradeCount:               &tc,
			BiggestSingleTradeVolume: &big,
			AggregatedAt:             at,
		})
		price = closing
	}
	return out
}

// MockTicker is the reference data stored for generated symbols.
func MockTicker(symbol string, now time.Time) *models.Ticker {
	return &models.Ticker{
		ID:              strings.ToUpper(symbol),
		Name:            "Mock Ticker",
		Market:          "US",
		Type:            "Stock",
		Currency:        "USD",
		PrimaryExchange: "XNAS",
		Active:          true,
		MarketCap:       100_000_000,
		LastUpdatedUTC:  now.UTC(),
	}
}
