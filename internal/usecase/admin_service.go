package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

const DefaultLatestTicks = 120

var ErrInvalidRange = errors.New("from must not be after to")

// AdminStore is the part of the minute stockprice repository the admin
// operations work on.
type AdminStore interface {
	BarHistory
	WarmCache(ctx context.Context, symbol string) error
	DeleteAll(ctx context.Context, symbol string) error
	ClearCalculations(ctx context.Context, symbol string) error
	FindAll(ctx context.Context, symbol string) (map[string][]*models.Bar, error)
	Save(ctx context.Context, bar *models.Bar) error
}

// AdminService implements the maintenance operations of the admin API on
// minute bars.
type AdminService struct {
	store      AdminStore
	post       BarPostProcessor
	sequential *SequentialProcessor
	tickers    domrepo.TickerRepository
	cache      CacheInvalidator
	now        func() time.Time
	rng        func() *rand.Rand
	log        *logger.Logger
}

func NewAdminService(
	store AdminStore,
	post BarPostProcessor,
	sequential *SequentialProcessor,
	tickers domrepo.TickerRepository,
	cache CacheInvalidator,
	log *logger.Logger,
) *AdminService {
	return &AdminService{
		store:      store,
		post:       post,
		sequential: sequential,
		tickers:    tickers,
		cache:      cache,
		now:        time.Now,
		rng:        func() *rand.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) },
		log:        log.Named("admin"),
	}
}

// LatestBars returns the most recent ticks minute bars of symbol, oldest first.
func (s *AdminService) LatestBars(ctx context.Context, symbol string, ticks int) ([]*models.Bar, error) {
	if ticks <= 0 {
		ticks = DefaultLatestTicks
	}
	symbol = strings.ToUpper(symbol)
	s.log.Info("fetching stockprices", logger.String("symbol", symbol), logger.Int("ticks", ticks))
	if err := s.store.WarmCache(ctx, ""); err != nil {
		return nil, err
	}
	return s.store.FindLastN(symbol, ticks, false, nil)
}

// InsertBars runs externally supplied bars through the sequential pipeline.
func (s *AdminService) InsertBars(ctx context.Context, bars []*models.Bar) (int, error) {
	s.log.Info("inserting stockprices", logger.Int("count", len(bars)))
	for _, b := range bars {
		b.Symbol = strings.ToUpper(b.Symbol)
		if b.AggregatedAt.IsZero() {
			b.AggregatedAt = b.Date
		}
	}
	return s.sequential.ProcessBars(ctx, bars)
}

// CreateBackgroundNoise registers a mock ticker for symbol and fills the range
// with random minute bars.
func (s *AdminService) CreateBackgroundNoise(ctx context.Context, symbol string, from, to time.Time, f Fuzziness) (int, error) {
	if from.After(to) {
		return 0, ErrInvalidRange
	}
	s.log.Info("creating background noise",
		logger.String("symbol", symbol),
		logger.Time("from", from),
		logger.Time("to", to),
		logger.String("fuzziness", string(f)),
	)
	if err := s.tickers.Save(ctx, MockTicker(symbol, s.now())); err != nil {
		return 0, fmt.Errorf("save mock ticker: %w", err)
	}
	s.invalidate(ctx)
	return s.sequential.ProcessBars(ctx, GenerateNoise(symbol, from, to, f, s.rng()))
}

// DeleteSymbol removes all bars and the reference data of symbol.
func (s *AdminService) DeleteSymbol(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)
	s.log.Info("deleting stockprices", logger.String("symbol", symbol))
	if err := s.store.DeleteAll(ctx, symbol); err != nil {
		return err
	}
	if err := s.tickers.Delete(ctx, symbol); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Recalculate rebuilds the derived fields of all bars, or of symbol only.
// Symbols run in parallel; the bars of one symbol strictly in date order
// because every bar needs the enriched history before it.
func (s *AdminService) Recalculate(ctx context.Context, symbol string) (int, error) {
	symbol = strings.ToUpper(symbol)
	s.log.Info("recalculating stockprices", logger.String("symbol", symbol))
	if err := s.store.WarmCache(ctx, symbol); err != nil {
		return 0, err
	}
	s.log.Debug("cache warmed")
	if err := s.store.ClearCalculations(ctx, symbol); err != nil {
		return 0, err
	}
	s.log.Debug("calculations cleared")

	all, err := s.store.FindAll(ctx, symbol)
	if err != nil {
		return 0, err
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		saved int
		errs  []error
	)
	for sym, bars := range all {
		wg.Add(1)
		go func(sym string, bars []*models.Bar) {
			defer wg.Done()
			n, err := s.recalculateSymbol(ctx, bars)
			mu.Lock()
			saved += n
			if err != nil {
				errs = append(errs, fmt.Errorf("recalculate %s: %w", sym, err))
			}
			mu.Unlock()
			s.log.Info("recalculated", logger.String("symbol", sym), logger.Int("bars", n))
		}(sym, bars)
	}
	wg.Wait()

	s.log.Info("recalculation finished", logger.Int("bars", saved))
	return saved, errors.Join(errs...)
}

func (s *AdminService) recalculateSymbol(ctx context.Context, bars []*models.Bar) (int, error) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	saved := 0
	for _, b := range bars {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		enriched := s.post.Process(ctx, []*models.Bar{b}, true)
		if len(enriched) == 0 {
			continue
		}
		if err := s.store.Save(ctx, enriched[0]); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

func (s *AdminService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.log.Warn("invalidate ticker cache failed", logger.Error(err))
	}
}
