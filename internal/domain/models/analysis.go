package models

import "time"

// Granularity is the bar window size.
type Granularity string

const (
	GranularityMinute       Granularity = "MINUTE"
	GranularityThirtyMinute Granularity = "THIRTY_MINUTE"
	GranularityDaily        Granularity = "DAILY"
)

// Signal is the trade direction suggested by a strategy.
type Signal string

const SignalBuy Signal = "BUY"

// AnalysisResult is an append-only record of a strategy signal.
type AnalysisResult struct {
	ID           string      `json:"id"`
	Symbol       string      `json:"symbol"`
	Date         time.Time   `json:"date"`
	Signal       Signal      `json:"signal"`
	StrategyID   string      `json:"strategy_id"`
	StrategyName string      `json:"strategy_name"`
	Granularity  Granularity `json:"granularity"`
	Magnitude    float64     `json:"magnitude"`
	Confidence   float64     `json:"confidence"`
	DebugNote    string      `json:"debug_note,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}
