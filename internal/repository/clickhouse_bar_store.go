package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

// BarTable names the ClickHouse table of one granularity and its row TTL.
type BarTable struct {
	Name string
	TTL  time.Duration
}

// BarTableFor returns the table layout used for granularity g.
func BarTableFor(g models.Granularity) BarTable {
	switch g {
	case models.GranularityThirtyMinute:
		return BarTable{Name: "stockprice_thirty_minute", TTL: 20 * 24 * time.Hour}
	case models.GranularityDaily:
		return BarTable{Name: "stockprice_daily"}
	default:
		return BarTable{Name: "stockprice_minute", TTL: 2 * 24 * time.Hour}
	}
}

const barColumns = "symbol, date, price_open, price_close, price_high, price_low, volume, trade_count, " +
	"biggest_single_trade_volume, gap, price_smas, volume_smas, volume_iqrs, aggregated_at, version"

const barSelectColumns = "symbol, date, price_open, price_close, price_high, price_low, volume, trade_count, " +
	"biggest_single_trade_volume, gap, price_smas, volume_smas, volume_iqrs, aggregated_at"

// CHBarStore implements BarStore backed by a ReplacingMergeTree table. The
// (symbol, date) uniqueness is checked before every batch insert; upserts rely
// on the version column and reads use FINAL.
type CHBarStore struct {
	db    *sql.DB
	table BarTable
	l     *applogger.Logger
}

func NewCHBarStore(db *sql.DB, table BarTable, l *applogger.Logger) *CHBarStore {
	return &CHBarStore{db: db, table: table, l: l}
}

func (s *CHBarStore) Init(ctx context.Context) error {
	ttl := ""
	if days := int(s.table.TTL / (24 * time.Hour)); days > 0 {
		ttl = fmt.Sprintf("TTL toDateTime(date) + INTERVAL %d DAY", days)
	}
	q := fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            symbol LowCardinality(String),
            date DateTime64(3, 'UTC'),
            price_open Float64,
            price_close Float64,
            price_high Nullable(Float64),
            price_low Nullable(Float64),
            volume Float64,
            trade_count Nullable(Int64),
            biggest_single_trade_volume Nullable(Int64),
            gap String,
            price_smas String,
            volume_smas String,
            volume_iqrs String,
            aggregated_at DateTime64(3, 'UTC'),
            version UInt64
        ) ENGINE = ReplacingMergeTree(version)
        ORDER BY (symbol, date)
        %s`, s.table.Name, ttl)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", s.table.Name, err)
	}
	return nil
}

func (s *CHBarStore) InsertBatch(ctx context.Context, bars []*models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	if err := s.checkUnique(ctx, bars); err != nil {
		return err
	}
	return s.insert(ctx, bars)
}

func (s *CHBarStore) checkUnique(ctx context.Context, bars []*models.Bar) error {
	from, to := bars[0].Date, bars[0].Date
	batch := make(map[string]bool, len(bars))
	for _, b := range bars {
		key := b.Key()
		if batch[key] {
			return fmt.Errorf("%s: %w", key, domrepo.ErrDuplicateKey)
		}
		batch[key] = true
		if b.Date.Before(from) {
			from = b.Date
		}
		if b.Date.After(to) {
			to = b.Date
		}
	}

	q := fmt.Sprintf("SELECT symbol, date FROM %s FINAL WHERE date >= ? AND date <= ?", s.table.Name)
	rows, err := s.db.QueryContext(ctx, q, from.UTC(), to.UTC())
	if err != nil {
		return fmt.Errorf("query existing keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var symbol string
		var date time.Time
		if err := rows.Scan(&symbol, &date); err != nil {
			return fmt.Errorf("scan key: %w", err)
		}
		if key := models.BarKey(symbol, date); batch[key] {
			return fmt.Errorf("%s: %w", key, domrepo.ErrDuplicateKey)
		}
	}
	return rows.Err()
}

func (s *CHBarStore) insert(ctx context.Context, bars []*models.Bar) error {
	const chunkSize = 2000
	version := uint64(time.Now().UnixNano())
	for start := 0; start < len(bars); start += chunkSize {
		end := min(start+chunkSize, len(bars))
		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*15)
		for _, b := range bars[start:end] {
			row, err := barRow(b, version)
			if err != nil {
				return fmt.Errorf("encode %s: %w", b.Key(), err)
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, row...)
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.table.Name, barColumns, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			if s.l != nil {
				s.l.Error("clickhouse insert bars error",
					applogger.String("table", s.table.Name),
					applogger.Int("rows", end-start),
					applogger.Error(err),
				)
			}
			return fmt.Errorf("insert bars: %w", err)
		}
	}
	return nil
}

// Upsert writes bar with a newer version so it replaces any stored row.
func (s *CHBarStore) Upsert(ctx context.Context, bar *models.Bar) error {
	return s.insert(ctx, []*models.Bar{bar})
}

func (s *CHBarStore) FindRecent(ctx context.Context, symbol string, limit int) ([]*models.Bar, error) {
	q := fmt.Sprintf("SELECT %s FROM %s FINAL WHERE symbol = ? ORDER BY date DESC LIMIT ?", barSelectColumns, s.table.Name)
	return s.query(ctx, q, strings.ToUpper(symbol), limit)
}

func (s *CHBarStore) FindAll(ctx context.Context, symbol string) ([]*models.Bar, error) {
	if symbol == "" {
		q := fmt.Sprintf("SELECT %s FROM %s FINAL ORDER BY symbol, date", barSelectColumns, s.table.Name)
		return s.query(ctx, q)
	}
	q := fmt.Sprintf("SELECT %s FROM %s FINAL WHERE symbol = ? ORDER BY date", barSelectColumns, s.table.Name)
	return s.query(ctx, q, strings.ToUpper(symbol))
}

func (s *CHBarStore) DeleteBySymbol(ctx context.Context, symbol string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE symbol = ?", s.table.Name)
	if _, err := s.db.ExecContext(ctx, q, strings.ToUpper(symbol)); err != nil {
		return fmt.Errorf("delete bars: %w", err)
	}
	return nil
}

func (s *CHBarStore) ClearCalculations(ctx context.Context, symbol string) error {
	q := fmt.Sprintf("ALTER TABLE %s UPDATE gap = '', price_smas = '', volume_smas = '', volume_iqrs = '' WHERE ", s.table.Name)
	var err error
	if symbol == "" {
		_, err = s.db.ExecContext(ctx, q+"1 = 1")
	} else {
		_, err = s.db.ExecContext(ctx, q+"symbol = ?", strings.ToUpper(symbol))
	}
	if err != nil {
		return fmt.Errorf("clear calculations: %w", err)
	}
	return nil
}

func (s *CHBarStore) query(ctx context.Context, q string, args ...interface{}) ([]*models.Bar, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Bar, 0, 512)
	for rows.Next() {
		var (
			b                            models.Bar
			high, low                    sql.NullFloat64
			tradeCount, biggest          sql.NullInt64
			gap, priceSMAs, volSMAs, iqr string
		)
		if err := rows.Scan(&b.Symbol, &b.Date, &b.PriceOpen, &b.PriceClose, &high, &low, &b.Volume,
			&tradeCount, &biggest, &gap, &priceSMAs, &volSMAs, &iqr, &b.AggregatedAt); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		if high.Valid {
			b.PriceHigh = &high.Float64
		}
		if low.Valid {
			b.PriceLow = &low.Float64
		}
		if tradeCount.Valid {
			b.TradeCount = &tradeCount.Int64
		}
		if biggest.Valid {
			b.BiggestSingleTradeVolume = &biggest.Int64
		}
		if err := decodeJSON(gap, &b.Gap); err != nil {
			return nil, err
		}
		if err := decodeJSON(priceSMAs, &b.PriceMovingAverages); err != nil {
			return nil, err
		}
		if err := decodeJSON(volSMAs, &b.VolumeMovingAverages); err != nil {
			return nil, err
		}
		if err := decodeJSON(iqr, &b.VolumeIQRs); err != nil {
			return nil, err
		}
		b.Date = b.Date.UTC()
		b.AggregatedAt = b.AggregatedAt.UTC()
		out = append(out, &b)
	}
	return out, rows.Err()
}

func barRow(b *models.Bar, version uint64) ([]interface{}, error) {
	gap, err := encodeJSON(b.Gap)
	if err != nil {
		return nil, err
	}
	priceSMAs, err := encodeJSON(b.PriceMovingAverages)
	if err != nil {
		return nil, err
	}
	volSMAs, err := encodeJSON(b.VolumeMovingAverages)
	if err != nil {
		return nil, err
	}
	iqrs, err := encodeJSON(b.VolumeIQRs)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		strings.ToUpper(b.Symbol),
		b.Date.UTC(),
		b.PriceOpen,
		b.PriceClose,
		nullable(b.PriceHigh),
		nullable(b.PriceLow),
		b.Volume,
		nullable(b.TradeCount),
		nullable(b.BiggestSingleTradeVolume),
		gap,
		priceSMAs,
		volSMAs,
		iqrs,
		b.AggregatedAt.UTC(),
		version,
	}, nil
}

func nullable[T any](v *T) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// encodeJSON returns "" for empty values so cleared rows stay compact.
func encodeJSON(v interface{}) (string, error) {
	switch x := v.(type) {
	case *models.Gap:
		if x == nil {
			return "", nil
		}
	case []models.MovingAverage:
		if len(x) == 0 {
			return "", nil
		}
	case []models.IQR:
		if len(x) == 0 {
			return "", nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeJSON(raw string, dest interface{}) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("decode column: %w", err)
	}
	return nil
}
