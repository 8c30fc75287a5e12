package service

import (
	"context"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
)

// StrategyInput is everything a strategy may look at for one bar.
type StrategyInput struct {
	Ticker      *models.Ticker
	Current     *models.Bar
	Before      *models.Bar
	Granularity models.Granularity
	Now         time.Time
}

// Strategy analyzes a single bar and may produce a signal.
type Strategy interface {
	ID() string
	Name() string
	Analyze(ctx context.Context, in StrategyInput) (*models.AnalysisResult, error)
}
