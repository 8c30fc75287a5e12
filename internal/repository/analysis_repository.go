package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
)

// CHAnalysisRepository stores analysis results in ClickHouse.
type CHAnalysisRepository struct {
	db    *sql.DB
	table string
}

func NewCHAnalysisRepository(db *sql.DB, table string) *CHAnalysisRepository {
	if table == "" {
		table = "analysis_results"
	}
	return &CHAnalysisRepository{db: db, table: table}
}

func (r *CHAnalysisRepository) Init(ctx context.Context) error {
	q := fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            id UUID,
            symbol LowCardinality(String),
            date DateTime64(3, 'UTC'),
            signal LowCardinality(String),
            strategy_id LowCardinality(String),
            strategy_name String,
            granularity LowCardinality(String),
            magnitude Float64,
            confidence Float64,
            debug_note String,
            created_at DateTime64(3, 'UTC')
        ) ENGINE = MergeTree
        ORDER BY (symbol, date, id)`, r.table)
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", r.table, err)
	}
	return nil
}

func (r *CHAnalysisRepository) InsertAll(ctx context.Context, results []*models.AnalysisResult) error {
	if len(results) == 0 {
		return nil
	}
	values := make([]string, 0, len(results))
	args := make([]interface{}, 0, len(results)*11)
	for _, res := range results {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			res.ID,
			res.Symbol,
			res.Date.UTC(),
			string(res.Signal),
			res.StrategyID,
			res.StrategyName,
			string(res.Granularity),
			res.Magnitude,
			res.Confidence,
			res.DebugNote,
			res.CreatedAt.UTC(),
		)
	}
	q := fmt.Sprintf("INSERT INTO %s (id, symbol, date, signal, strategy_id, strategy_name, granularity, magnitude, confidence, debug_note, created_at) VALUES %s",
		r.table, strings.Join(values, ","))
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert analysis results: %w", err)
	}
	return nil
}

// MemoryAnalysisRepository keeps results in memory.
type MemoryAnalysisRepository struct {
	mu      sync.Mutex
	results []*models.AnalysisResult
}

func NewMemoryAnalysisRepository() *MemoryAnalysisRepository {
	return &MemoryAnalysisRepository{}
}

func (r *MemoryAnalysisRepository) InsertAll(ctx context.Context, results []*models.AnalysisResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, results...)
	return nil
}

// All returns a copy of the stored results.
func (r *MemoryAnalysisRepository) All() []*models.AnalysisResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.AnalysisResult(nil), r.results...)
}
