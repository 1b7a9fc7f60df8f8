package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// marketRepo reads staged market data
type marketRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMarketRepo creates a new PostgreSQL market-data repository
func NewMarketRepo(db *sqlx.DB, timeout time.Duration) persistence.MarketRepo {
	return &marketRepo{db: db, timeout: timeout}
}

// Universe returns every known instrument
func (r *marketRepo) Universe(ctx context.Context) ([]domain.UniverseEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var entries []domain.UniverseEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT symbol, enabled, instrument_type, currency
		FROM config_universe
		ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query universe: %w", err)
	}

	return entries, nil
}

// LatestBenchmarkDate returns the newest date on or before onOrBefore with any benchmark bar
func (r *marketRepo) LatestBenchmarkDate(ctx context.Context, benchmarks []string, onOrBefore time.Time) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var latest sql.NullTime
	err := r.db.QueryRowxContext(ctx, `
		SELECT MAX(trading_date)
		FROM market_prices_eod
		WHERE symbol = ANY($1) AND trading_date <= $2`,
		pq.Array(benchmarks), onOrBefore).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest benchmark date: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}

	return domain.DateOf(latest.Time), true, nil
}

// BarsOn returns every bar for a trading date
func (r *marketRepo) BarsOn(ctx context.Context, date time.Time) ([]domain.PriceBar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var bars []domain.PriceBar
	err := r.db.SelectContext(ctx, &bars, `
		SELECT symbol, trading_date, source, open, high, low, close, adj_close, volume
		FROM market_prices_eod
		WHERE trading_date = $1
		ORDER BY symbol, source`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}

	return bars, nil
}

// DuplicateBars returns (symbol, date, source) keys with more than one row
func (r *marketRepo) DuplicateBars(ctx context.Context, upTo time.Time) ([]domain.BarKey, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var keys []domain.BarKey
	err := r.db.SelectContext(ctx, &keys, `
		SELECT symbol, trading_date, source, COUNT(*) AS n
		FROM market_prices_eod
		WHERE trading_date <= $1
		GROUP BY symbol, trading_date, source
		HAVING COUNT(*) > 1
		ORDER BY trading_date, symbol, source`, upTo)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate bars: %w", err)
	}

	return keys, nil
}

// ClosePrices returns the close per symbol on date
func (r *marketRepo) ClosePrices(ctx context.Context, date time.Time, symbols []string) (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT DISTINCT ON (symbol) symbol, close
		FROM market_prices_eod
		WHERE trading_date = $1 AND symbol = ANY($2)
		ORDER BY symbol, source`,
		date, pq.Array(symbols))
	if err != nil {
		return nil, fmt.Errorf("failed to query close prices: %w", err)
	}
	defer rows.Close()

	prices := make(map[string]decimal.Decimal, len(symbols))
	for rows.Next() {
		var symbol string
		var px decimal.Decimal
		if err := rows.Scan(&symbol, &px); err != nil {
			return nil, fmt.Errorf("failed to scan close price: %w", err)
		}
		prices[symbol] = px
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return prices, nil
}
