package analytics

import (
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/service"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

// Registry maps a granularity to the strategies run on its bars.
type Registry struct {
	strategies map[models.Granularity][]service.Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[models.Granularity][]service.Strategy)}
}

// NewDefaultRegistry registers one volume anomaly strategy per granularity.
func NewDefaultRegistry(log *applogger.Logger) *Registry {
	r := NewRegistry()
	for _, g := range []models.Granularity{
		models.GranularityMinute,
		models.GranularityThirtyMinute,
		models.GranularityDaily,
	} {
		r.Register(g, NewVolumeAnomaly(g, log))
	}
	return r
}

func (r *Registry) Register(g models.Granularity, s service.Strategy) {
	r.strategies[g] = append(r.strategies[g], s)
}

// For returns the strategies of g.
func (r *Registry) For(g models.Granularity) []service.Strategy {
	return r.strategies[g]
}
