package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
)

const tickerSchema = `
CREATE TABLE IF NOT EXISTS tickers (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL DEFAULT '',
    market           TEXT NOT NULL DEFAULT '',
    type             TEXT NOT NULL DEFAULT '',
    currency         TEXT NOT NULL DEFAULT '',
    primary_exchange TEXT NOT NULL DEFAULT '',
    active           BOOLEAN NOT NULL DEFAULT TRUE,
    market_cap       BIGINT NOT NULL DEFAULT 0,
    last_updated_utc TIMESTAMPTZ NOT NULL DEFAULT now(),
    delisted_utc     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS tickers_name_idx ON tickers (name);
`

// PGTickerRepository stores ticker reference data in PostgreSQL.
type PGTickerRepository struct {
	db *sqlx.DB
}

func NewPGTickerRepository(db *sqlx.DB) *PGTickerRepository {
	return &PGTickerRepository{db: db}
}

func (r *PGTickerRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, tickerSchema); err != nil {
		return fmt.Errorf("create tickers table: %w", err)
	}
	return nil
}

func (r *PGTickerRepository) Save(ctx context.Context, t *models.Ticker) error {
	query := `
    INSERT INTO tickers (
        id, name, market, type, currency, primary_exchange,
        active, market_cap, last_updated_utc, delisted_utc
    ) VALUES (
        :id, :name, :market, :type, :currency, :primary_exchange,
        :active, :market_cap, :last_updated_utc, :delisted_utc
    )
    ON CONFLICT (id) DO UPDATE SET
        name = EXCLUDED.name,
        market = EXCLUDED.market,
        type = EXCLUDED.type,
        currency = EXCLUDED.currency,
        primary_exchange = EXCLUDED.primary_exchange,
        active = EXCLUDED.active,
        market_cap = EXCLUDED.market_cap,
        last_updated_utc = EXCLUDED.last_updated_utc,
        delisted_utc = EXCLUDED.delisted_utc
    `
	if _, err := r.db.NamedExecContext(ctx, query, t); err != nil {
		return fmt.Errorf("save ticker %s: %w", t.ID, err)
	}
	return nil
}

func (r *PGTickerRepository) FindByID(ctx context.Context, id string) (*models.Ticker, error) {
	var t models.Ticker
	err := r.db.GetContext(ctx, &t, `SELECT * FROM tickers WHERE id = $1`, strings.ToUpper(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticker %s: %w", id, domrepo.ErrTickerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find ticker %s: %w", id, err)
	}
	return &t, nil
}

func (r *PGTickerRepository) FindActive(ctx context.Context) ([]*models.Ticker, error) {
	var out []*models.Ticker
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM tickers WHERE active = true ORDER BY id`); err != nil {
		return nil, fmt.Errorf("find active tickers: %w", err)
	}
	return out, nil
}

func (r *PGTickerRepository) FindByCompanyName(ctx context.Context, name string) (*models.Ticker, error) {
	var t models.Ticker
	err := r.db.GetContext(ctx, &t, `SELECT * FROM tickers WHERE lower(name) = lower($1) LIMIT 1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticker named %s: %w", name, domrepo.ErrTickerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find ticker by name %s: %w", name, err)
	}
	return &t, nil
}

func (r *PGTickerRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM tickers WHERE id = $1`, strings.ToUpper(id)); err != nil {
		return fmt.Errorf("delete ticker %s: %w", id, err)
	}
	return nil
}

// MemoryTickerRepository keeps tickers in memory.
type MemoryTickerRepository struct {
	mu      sync.RWMutex
	tickers map[string]*models.Ticker
}

func NewMemoryTickerRepository() *MemoryTickerRepository {
	return &MemoryTickerRepository{tickers: make(map[string]*models.Ticker)}
}

func (r *MemoryTickerRepository) Save(ctx context.Context, t *models.Ticker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *t
	c.ID = strings.ToUpper(c.ID)
	r.tickers[c.ID] = &c
	return nil
}

func (r *MemoryTickerRepository) FindByID(ctx context.Context, id string) (*models.Ticker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickers[strings.ToUpper(id)]
	if !ok {
		return nil, fmt.Errorf("ticker %s: %w", id, domrepo.ErrTickerNotFound)
	}
	c := *t
	return &c, nil
}

func (r *MemoryTickerRepository) FindActive(ctx context.Context) ([]*models.Ticker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Ticker, 0, len(r.tickers))
	for _, t := range r.tickers {
		if t.Active {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryTickerRepository) FindByCompanyName(ctx context.Context, name string) (*models.Ticker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tickers {
		if strings.EqualFold(t.Name, name) {
			c := *t
			return &c, nil
		}
	}
	return nil, fmt.Errorf("ticker named %s: %w", name, domrepo.ErrTickerNotFound)
}

func (r *MemoryTickerRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tickers, strings.ToUpper(id))
	return nil
}
