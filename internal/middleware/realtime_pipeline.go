package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
)

// DefaultLitVenues are the exchange ids whose trades are aggregated. Trades
// reported by dark pools and other off-exchange facilities are dropped.
var DefaultLitVenues = []int{1, 2, 3, 9, 10, 11, 12, 17}

var (
	ErrInvalidTrade  = errors.New("invalid trade")
	ErrVenueFiltered = errors.New("venue not allowed")
)

// Proc is the minimal processor interface the pipeline needs.
type Proc interface {
	Process(ctx context.Context, t *models.Trade) error
}

// RealtimePipeline sits between the market stream and the aggregator.
// It validates, filters by venue and optionally transforms trades.
type RealtimePipeline struct {
	proc      Proc
	metrics   domrepo.Metrics
	venues    map[int]bool
	transform func(*models.Trade) *models.Trade
}

type PipelineOption func(*RealtimePipeline)

// WithVenues replaces the venue allow-list. An empty list allows all venues.
func WithVenues(ids []int) PipelineOption {
	return func(p *RealtimePipeline) {
		p.venues = venueSet(ids)
	}
}

// WithTransform sets a transformation hook to modify trade format.
func WithTransform(fn func(*models.Trade) *models.Trade) PipelineOption {
	return func(p *RealtimePipeline) { p.transform = fn }
}

// UpperSymbol normalizes the ticker symbol.
func UpperSymbol(t *models.Trade) *models.Trade {
	t.Symbol = strings.ToUpper(t.Symbol)
	return t
}

// NewRealtimePipeline creates a new pipeline.
func NewRealtimePipeline(proc Proc, metrics domrepo.Metrics, opts ...PipelineOption) *RealtimePipeline {
	p := &RealtimePipeline{
		proc:    proc,
		metrics: metrics,
		venues:  venueSet(DefaultLitVenues),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func venueSet(ids []int) map[int]bool {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[int]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// Process validates and filters t and forwards it downstream.
func (p *RealtimePipeline) Process(ctx context.Context, t *models.Trade) error {
	if err := validateTrade(t); err != nil {
		p.metrics.RecordTrade(false)
		return err
	}
	if p.venues != nil && !p.venues[t.VenueID] {
		p.metrics.RecordTrade(false)
		return ErrVenueFiltered
	}
	if p.transform != nil {
		t = p.transform(t)
		if err := validateTrade(t); err != nil {
			p.metrics.RecordTrade(false)
			return err
		}
	}
	return p.proc.Process(ctx, t)
}

func validateTrade(t *models.Trade) error {
	switch {
	case t == nil:
		return ErrInvalidTrade
	case t.Symbol == "":
		return errors.Join(ErrInvalidTrade, errors.New("symbol empty"))
	case t.TimestampMillis <= 0:
		return errors.Join(ErrInvalidTrade, errors.New("timestamp invalid"))
	case t.Price <= 0 || t.Size <= 0:
		return errors.Join(ErrInvalidTrade, errors.New("price or size not positive"))
	}
	return nil
}
