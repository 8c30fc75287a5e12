package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
)

// MemoryBarStore is a process-local BarStore. It backs local runs without
// ClickHouse and the tests.
type MemoryBarStore struct {
	mu   sync.RWMutex
	bars map[string]*models.Bar
}

func NewMemoryBarStore() *MemoryBarStore {
	return &MemoryBarStore{bars: make(map[string]*models.Bar)}
}

func (s *MemoryBarStore) Init(ctx context.Context) error { return nil }

func (s *MemoryBarStore) InsertBatch(ctx context.Context, bars []*models.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make(map[string]bool, len(bars))
	for _, b := range bars {
		key := b.Key()
		if _, ok := s.bars[key]; ok || batch[key] {
			return fmt.Errorf("%s: %w", key, domrepo.ErrDuplicateKey)
		}
		batch[key] = true
	}
	for _, b := range bars {
		s.bars[b.Key()] = b.Clone()
	}
	return nil
}

func (s *MemoryBarStore) Upsert(ctx context.Context, bar *models.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[bar.Key()] = bar.Clone()
	return nil
}

func (s *MemoryBarStore) FindRecent(ctx context.Context, symbol string, limit int) ([]*models.Bar, error) {
	bars := s.collect(symbol)
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.After(bars[j].Date) })
	if limit > 0 && len(bars) > limit {
		bars = bars[:limit]
	}
	return bars, nil
}

func (s *MemoryBarStore) FindAll(ctx context.Context, symbol string) ([]*models.Bar, error) {
	bars := s.collect(symbol)
	sort.Slice(bars, func(i, j int) bool {
		if bars[i].Symbol != bars[j].Symbol {
			return bars[i].Symbol < bars[j].Symbol
		}
		return bars[i].Date.Before(bars[j].Date)
	})
	return bars, nil
}

func (s *MemoryBarStore) DeleteBySymbol(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.bars {
		if strings.EqualFold(b.Symbol, symbol) {
			delete(s.bars, key)
		}
	}
	return nil
}

func (s *MemoryBarStore) ClearCalculations(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.bars {
		if symbol == "" || strings.EqualFold(b.Symbol, symbol) {
			s.bars[key] = b.WithoutCalculations()
		}
	}
	return nil
}

func (s *MemoryBarStore) collect(symbol string) []*models.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Bar, 0)
	for _, b := range s.bars {
		if symbol == "" || strings.EqualFold(b.Symbol, symbol) {
			out = append(out, b.Clone())
		}
	}
	return out
}
