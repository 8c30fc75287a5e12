package repository

import (
	"context"
	"errors"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
)

var (
	// ErrDuplicateKey is returned by a BarStore when a (symbol, date) pair already exists.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrTickerNotFound is returned when no reference data exists for a symbol.
	ErrTickerNotFound = errors.New("ticker not found")
)

type MarketStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.Trade, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// BarStore is the durable store for bars of one granularity.
type BarStore interface {
	Init(ctx context.Context) error
	InsertBatch(ctx context.Context, bars []*models.Bar) error
	Upsert(ctx context.Context, bar *models.Bar) error
	// FindRecent returns up to limit bars of symbol, newest first.
	FindRecent(ctx context.Context, symbol string, limit int) ([]*models.Bar, error)
	// FindAll returns all bars, or those of symbol when it is not empty.
	FindAll(ctx context.Context, symbol string) ([]*models.Bar, error)
	DeleteBySymbol(ctx context.Context, symbol string) error
	ClearCalculations(ctx context.Context, symbol string) error
}

type TickerRepository interface {
	Save(ctx context.Context, t *models.Ticker) error
	FindByID(ctx context.Context, id string) (*models.Ticker, error)
	FindActive(ctx context.Context) ([]*models.Ticker, error)
	FindByCompanyName(ctx context.Context, name string) (*models.Ticker, error)
	Delete(ctx context.Context, id string) error
}

// TickerProvider is the read side of ticker reference data used by the core.
type TickerProvider interface {
	Get(ctx context.Context, symbol string) (*models.Ticker, error)
	ActiveTickers(ctx context.Context) ([]*models.Ticker, error)
	FindByCompanyName(ctx context.Context, name string) (*models.Ticker, error)
}

type AnalysisRepository interface {
	InsertAll(ctx context.Context, results []*models.AnalysisResult) error
}

// Notification is a signal together with the reference data of its symbol.
type Notification struct {
	Result *models.AnalysisResult
	Ticker *models.Ticker
}

// Subscriber receives signal notifications.
type Subscriber interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

type Metrics interface {
	RecordTrade(accepted bool)
	RecordCandle(g models.Granularity)
	RecordBarsPersisted(g models.Granularity, n int)
	RecordSignal(strategyID string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
	SetInFlight(component string, n int64)
}
