package notify

import (
	"fmt"
	"strings"

	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/services/features"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/util"
)

// Event is the wire format published to brokers.
type Event struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	Name        string  `json:"name"`
	Exchange    string  `json:"exchange"`
	MarketCap   int64   `json:"market_cap"`
	Signal      string  `json:"signal"`
	StrategyID  string  `json:"strategy_id"`
	Granularity string  `json:"granularity"`
	Magnitude   float64 `json:"magnitude"`
	Confidence  float64 `json:"confidence"`
	Date        string  `json:"date"`
	ChartURL    string  `json:"chart_url,omitempty"`
}

// NewEvent flattens a notification.
func NewEvent(n domrepo.Notification) Event {
	r := n.Result
	e := Event{
		ID:          r.ID,
		Symbol:      r.Symbol,
		Signal:      string(r.Signal),
		StrategyID:  r.StrategyID,
		Granularity: string(r.Granularity),
		Magnitude:   r.Magnitude,
		Confidence:  r.Confidence,
		Date:        r.Date.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if n.Ticker != nil {
		e.Name = n.Ticker.Name
		e.Exchange = n.Ticker.ExchangeHumanReadable()
		e.MarketCap = n.Ticker.MarketCap
		e.ChartURL = n.Ticker.TradingViewLink()
	}
	return e
}

// FormatMessage renders a notification as human readable text.
func FormatMessage(n domrepo.Notification) string {
	r := n.Result
	var b strings.Builder

	name := r.Symbol
	if n.Ticker != nil && n.Ticker.Name != "" {
		name = fmt.Sprintf("%s (%s)", n.Ticker.Name, r.Symbol)
	}
	fmt.Fprintf(&b, "%s signal: %s\n", r.Signal, name)
	if n.Ticker != nil {
		if ex := n.Ticker.ExchangeHumanReadable(); ex != "" {
			fmt.Fprintf(&b, "Exchange: %s\n", ex)
		}
		fmt.Fprintf(&b, "Market cap: %s\n", features.HumanReadable(n.Ticker.MarketCap))
	}
	fmt.Fprintf(&b, "Strategy: %s (%s)\n", r.StrategyName, r.Granularity)
	fmt.Fprintf(&b, "Magnitude: %.2f, confidence: %.0f%%\n", r.Magnitude, r.Confidence*100)
	fmt.Fprintf(&b, "Bar: %s", r.Date.In(util.Berlin()).Format("2006-01-02 15:04 MST"))
	if n.Ticker != nil {
		if link := n.Ticker.TradingViewLink(); link != "" {
			fmt.Fprintf(&b, "\n%s", link)
		}
	}
	return b.String()
}
