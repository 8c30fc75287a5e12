package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

var (
	ErrAmountTooLarge         = errors.New("amount must not exceed 500")
	ErrSkipLastWithBeforeDate = errors.New("skipLast and beforeDate cannot be used together")
)

const (
	// MaxFindAmount is the largest history FindLastN serves.
	MaxFindAmount = 500

	recentCacheLimit = 900
	recentCacheKeep  = 500
	warmLoadSize     = 500
	warmParallelism  = 8
)

// symbolCache holds the two views of one symbol's bars. Both are mutated under mu.
type symbolCache struct {
	mu      sync.RWMutex
	recent  []*models.Bar // insertion order
	ordered []*models.Bar // ascending by date, one bar per date
}

// StockpriceRepository serves bars of one granularity from memory and writes
// through to a durable BarStore.
type StockpriceRepository struct {
	granularity models.Granularity
	store       domrepo.BarStore
	tickers     domrepo.TickerProvider
	log         *applogger.Logger
	retention   time.Duration

	mu     sync.RWMutex
	caches map[string]*symbolCache

	warmMu sync.Mutex
	warmed bool
}

// NewStockpriceRepository creates a repository. A positive retention bounds
// how far back the ordered cache reaches behind the newest bar of a symbol.
func NewStockpriceRepository(
	granularity models.Granularity,
	store domrepo.BarStore,
	tickers domrepo.TickerProvider,
	retention time.Duration,
	log *applogger.Logger,
) *StockpriceRepository {
	return &StockpriceRepository{
		granularity: granularity,
		store:       store,
		tickers:     tickers,
		log:         log.Named("stockprices_" + strings.ToLower(string(granularity))),
		retention:   retention,
		caches:      make(map[string]*symbolCache),
	}
}

func (r *StockpriceRepository) Granularity() models.Granularity { return r.granularity }

// Init prepares the durable store.
func (r *StockpriceRepository) Init(ctx context.Context) error {
	if err := r.store.Init(ctx); err != nil {
		return fmt.Errorf("init %s store: %w", r.granularity, err)
	}
	return nil
}

func (r *StockpriceRepository) cacheFor(symbol string, create bool) *symbolCache {
	key := strings.ToUpper(symbol)
	r.mu.RLock()
	c := r.caches[key]
	r.mu.RUnlock()
	if c != nil || !create {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c = r.caches[key]; c == nil {
		c = &symbolCache{}
		r.caches[key] = c
	}
	return c
}

// WarmCache loads the most recent bars of every active ticker, or of symbol
// only. Without a symbol it runs once per process.
func (r *StockpriceRepository) WarmCache(ctx context.Context, symbol string) error {
	r.warmMu.Lock()
	defer r.warmMu.Unlock()
	if symbol == "" && r.warmed {
		return nil
	}

	symbols, err := r.warmSymbols(ctx, symbol)
	if err != nil {
		return err
	}
	start := time.Now()

	sem := make(chan struct{}, warmParallelism)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error
	for _, s := range symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(s string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.warmSymbol(ctx, s, symbol != ""); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("warm cache: %w", err)
	}
	if symbol == "" {
		r.warmed = true
	}
	r.log.Info("cache warmed",
		applogger.Int("symbols", len(symbols)),
		applogger.Duration("took_ms", time.Since(start)),
	)
	return nil
}

func (r *StockpriceRepository) warmSymbols(ctx context.Context, symbol string) ([]string, error) {
	if symbol != "" {
		t, err := r.tickers.Get(ctx, symbol)
		if errors.Is(err, domrepo.ErrTickerNotFound) {
			t, err = r.tickers.FindByCompanyName(ctx, symbol)
		}
		if errors.Is(err, domrepo.ErrTickerNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve ticker %s: %w", symbol, err)
		}
		return []string{t.ID}, nil
	}
	active, err := r.tickers.ActiveTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active tickers: %w", err)
	}
	out := make([]string, 0, len(active))
	for _, t := range active {
		out = append(out, t.ID)
	}
	return out, nil
}

func (r *StockpriceRepository) warmSymbol(ctx context.Context, symbol string, reset bool) error {
	bars, err := r.store.FindRecent(ctx, symbol, warmLoadSize)
	if err != nil {
		return fmt.Errorf("load %s: %w", symbol, err)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

	c := r.cacheFor(symbol, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if reset {
		c.recent, c.ordered = nil, nil
	}
	for _, b := range bars {
		if !reset && hasDate(c, b.Date) {
			continue
		}
		r.put(c, b)
	}
	return nil
}

// hasDate must be called with c.mu held.
func hasDate(c *symbolCache, d time.Time) bool {
	i := sort.Search(len(c.ordered), func(i int) bool { return !c.ordered[i].Date.Before(d) })
	return i < len(c.ordered) && c.ordered[i].Date.Equal(d)
}

// InsertAll persists bars. On a uniqueness conflict every (symbol, date) group
// is inserted on its own and duplicates are dropped.
func (r *StockpriceRepository) InsertAll(ctx context.Context, bars []*models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	r.log.Debug("inserting bars", applogger.Int("count", len(bars)))

	inserted := bars
	err := r.store.InsertBatch(ctx, bars)
	if errors.Is(err, domrepo.ErrDuplicateKey) {
		r.log.Error("duplicate key on batch insert, retrying without duplicates", applogger.Error(err))
		inserted, err = r.insertUniques(ctx, bars)
	}
	if err != nil {
		return fmt.Errorf("insert %d %s bars: %w", len(bars), r.granularity, err)
	}

	for _, b := range inserted {
		c := r.cacheFor(b.Symbol, true)
		c.mu.Lock()
		r.put(c, b)
		c.mu.Unlock()
	}
	return nil
}

func (r *StockpriceRepository) insertUniques(ctx context.Context, bars []*models.Bar) ([]*models.Bar, error) {
	seen := make(map[string]bool, len(bars))
	inserted := make([]*models.Bar, 0, len(bars))
	var errs []error
	for _, b := range bars {
		key := b.Key()
		if seen[key] {
			r.log.Error("dropping duplicate bar", applogger.String("key", key))
			continue
		}
		seen[key] = true
		err := r.store.InsertBatch(ctx, []*models.Bar{b})
		switch {
		case errors.Is(err, domrepo.ErrDuplicateKey):
			r.log.Error("bar already stored, not inserting", applogger.String("key", key))
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		default:
			inserted = append(inserted, b)
		}
	}
	return inserted, errors.Join(errs...)
}

// Save upserts a single bar and replaces it in the caches.
func (r *StockpriceRepository) Save(ctx context.Context, bar *models.Bar) error {
	if bar == nil {
		return nil
	}
	if err := r.store.Upsert(ctx, bar); err != nil {
		return fmt.Errorf("save %s: %w", bar.Key(), err)
	}
	c := r.cacheFor(bar.Symbol, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range c.recent {
		if b.Date.Equal(bar.Date) {
			c.recent[i] = bar
			r.putOrdered(c, bar)
			return nil
		}
	}
	r.put(c, bar)
	return nil
}

// put must be called with c.mu held.
func (r *StockpriceRepository) put(c *symbolCache, b *models.Bar) {
	c.recent = append(c.recent, b)
	if len(c.recent) >= recentCacheLimit {
		c.recent = append([]*models.Bar(nil), c.recent[len(c.recent)-recentCacheKeep:]...)
	}
	r.putOrdered(c, b)
}

func (r *StockpriceRepository) putOrdered(c *symbolCache, b *models.Bar) {
	i := sort.Search(len(c.ordered), func(i int) bool { return !c.ordered[i].Date.Before(b.Date) })
	switch {
	case i < len(c.ordered) && c.ordered[i].Date.Equal(b.Date):
		c.ordered[i] = b
	default:
		c.ordered = append(c.ordered, nil)
		copy(c.ordered[i+1:], c.ordered[i:])
		c.ordered[i] = b
	}
	if r.retention > 0 {
		cutoff := c.ordered[len(c.ordered)-1].Date.Add(-r.retention)
		drop := sort.Search(len(c.ordered), func(i int) bool { return !c.ordered[i].Date.Before(cutoff) })
		if drop > 0 {
			c.ordered = append([]*models.Bar(nil), c.ordered[drop:]...)
		}
	}
}

// FindLastN returns up to amount cached bars of symbol in ascending order.
// With beforeDate only bars strictly before it are considered; with skipLast
// the most recent bar is left out.
func (r *StockpriceRepository) FindLastN(symbol string, amount int, skipLast bool, beforeDate *time.Time) ([]*models.Bar, error) {
	if amount > MaxFindAmount {
		return nil, ErrAmountTooLarge
	}
	if skipLast && beforeDate != nil {
		return nil, ErrSkipLastWithBeforeDate
	}
	if amount <= 0 {
		return []*models.Bar{}, nil
	}
	c := r.cacheFor(symbol, false)
	if c == nil {
		return []*models.Bar{}, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if beforeDate != nil {
		end := sort.Search(len(c.ordered), func(i int) bool { return !c.ordered[i].Date.Before(*beforeDate) })
		start := max(0, end-amount)
		return append([]*models.Bar(nil), c.ordered[start:end]...), nil
	}

	end := len(c.recent)
	if skipLast {
		end--
	}
	if end <= 0 {
		return []*models.Bar{}, nil
	}
	start := max(0, end-amount)
	return append([]*models.Bar(nil), c.recent[start:end]...), nil
}

// DeleteAll removes every bar of symbol from the store and the caches.
func (r *StockpriceRepository) DeleteAll(ctx context.Context, symbol string) error {
	if err := r.store.DeleteBySymbol(ctx, symbol); err != nil {
		return fmt.Errorf("delete %s: %w", symbol, err)
	}
	r.mu.Lock()
	delete(r.caches, strings.ToUpper(symbol))
	r.mu.Unlock()
	return nil
}

// ClearCalculations unsets derived fields of symbol, or of all symbols.
func (r *StockpriceRepository) ClearCalculations(ctx context.Context, symbol string) error {
	if err := r.store.ClearCalculations(ctx, symbol); err != nil {
		return fmt.Errorf("clear calculations: %w", err)
	}

	r.mu.RLock()
	targets := make([]*symbolCache, 0, len(r.caches))
	for key, c := range r.caches {
		if symbol == "" || key == strings.ToUpper(symbol) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.mu.Lock()
		cleared := make(map[*models.Bar]*models.Bar, len(c.ordered))
		for i, b := range c.ordered {
			nb := b.WithoutCalculations()
			cleared[b] = nb
			c.ordered[i] = nb
		}
		for i, b := range c.recent {
			if nb, ok := cleared[b]; ok {
				c.recent[i] = nb
			} else {
				c.recent[i] = b.WithoutCalculations()
			}
		}
		c.mu.Unlock()
	}
	return nil
}

// FindAll returns stored bars grouped by symbol, each group ascending by date.
func (r *StockpriceRepository) FindAll(ctx context.Context, symbol string) (map[string][]*models.Bar, error) {
	bars, err := r.store.FindAll(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("find all: %w", err)
	}
	out := make(map[string][]*models.Bar)
	for _, b := range bars {
		out[b.Symbol] = append(out[b.Symbol], b)
	}
	for _, group := range out {
		sort.Slice(group, func(i, j int) bool { return group[i].Date.Before(group[j].Date) })
	}
	return out, nil
}
