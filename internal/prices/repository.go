// Package prices stores daily bars and derived aggregates.
package prices

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkoutso/tickerd/internal/database"
)

const dateFormat = "2006-01-02"

// Bar is one daily OHLCV record.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// UpsertResult reports what an idempotent upsert actually changed.
type UpsertResult struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
	Skipped  int64 `json:"skipped"`
}

// Add accumulates another result into this one.
func (r *UpsertResult) Add(other UpsertResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Skipped += other.Skipped
}

// Total returns the number of bars the upsert saw.
func (r UpsertResult) Total() int64 {
	return r.Inserted + r.Updated + r.Skipped
}

// Repository provides access to daily bars and the derived tables.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a price repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db.Conn(),
		log: log.With().Str("component", "prices").Logger(),
	}
}

// UpsertBars stores bars keyed by symbol+date. A bar identical to the stored
// row counts as skipped, a differing row as updated, a new row as inserted,
// so re-running a scan over the same range inserts nothing.
func (r *Repository) UpsertBars(ctx context.Context, symbol string, bars []Bar, source string) (UpsertResult, error) {
	var result UpsertResult

	for _, bar := range bars {
		date := bar.Date.Format(dateFormat)

		var existing Bar
		err := r.db.QueryRowContext(ctx,
			`SELECT open, high, low, close, volume FROM daily_bars WHERE symbol = ? AND bar_date = ?`,
			symbol, date,
		).Scan(&existing.Open, &existing.High, &existing.Low, &existing.Close, &existing.Volume)

		switch {
		case err == sql.ErrNoRows:
			_, err = r.db.ExecContext(ctx,
				`INSERT INTO daily_bars (symbol, bar_date, open, high, low, close, volume, source)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				symbol, date, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, source,
			)
			if err != nil {
				return result, fmt.Errorf("insert bar %s %s: %w", symbol, date, err)
			}
			result.Inserted++

		case err != nil:
			return result, fmt.Errorf("lookup bar %s %s: %w", symbol, date, err)

		case existing == (Bar{Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close, Volume: bar.Volume}):
			result.Skipped++

		default:
			_, err = r.db.ExecContext(ctx,
				`UPDATE daily_bars SET open = ?, high = ?, low = ?, close = ?, volume = ?, source = ?,
				 updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
				 WHERE symbol = ? AND bar_date = ?`,
				bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, source, symbol, date,
			)
			if err != nil {
				return result, fmt.Errorf("update bar %s %s: %w", symbol, date, err)
			}
			result.Updated++
		}
	}

	return result, nil
}

// Closes returns up to `limit` closing prices for a symbol ending at the
// given date, oldest first. Used by the indicator job.
func (r *Repository) Closes(ctx context.Context, symbol string, until time.Time, limit int) ([]float64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT close FROM (
			SELECT close, bar_date FROM daily_bars
			WHERE symbol = ? AND bar_date <= ?
			ORDER BY bar_date DESC LIMIT ?
		 ) ORDER BY bar_date ASC`,
		symbol, until.Format(dateFormat), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("closes for %s: %w", symbol, err)
	}
	defer func() { _ = rows.Close() }()

	var closes []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan close: %w", err)
		}
		closes = append(closes, c)
	}
	return closes, rows.Err()
}

// SymbolsWithBars returns the symbols that have at least one stored bar.
func (r *Repository) SymbolsWithBars(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM daily_bars ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("symbols with bars: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// UpsertIndicators stores one indicator row per symbol+date.
func (r *Repository) UpsertIndicators(ctx context.Context, symbol string, date time.Time,
	sma20, sma50, rsi14, macd, macdSignal *float64) error {

	const query = `INSERT INTO daily_indicators (symbol, bar_date, sma_20, sma_50, rsi_14, macd, macd_signal)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, bar_date) DO UPDATE SET
			sma_20 = excluded.sma_20, sma_50 = excluded.sma_50, rsi_14 = excluded.rsi_14,
			macd = excluded.macd, macd_signal = excluded.macd_signal`

	_, err := r.db.ExecContext(ctx, query, symbol, date.Format(dateFormat),
		nullableFloat(sma20), nullableFloat(sma50), nullableFloat(rsi14),
		nullableFloat(macd), nullableFloat(macdSignal))
	if err != nil {
		return fmt.Errorf("upsert indicators %s: %w", symbol, err)
	}
	return nil
}

// ComputeDailyMovers ranks the top `limit` absolute percent movers for the
// scan date against the previous stored bar and replaces that date's rows.
func (r *Repository) ComputeDailyMovers(ctx context.Context, scanDate time.Time, limit int) (int64, error) {
	date := scanDate.Format(dateFormat)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("daily movers: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_movers WHERE scan_date = ?`, date); err != nil {
		return 0, fmt.Errorf("daily movers: clear: %w", err)
	}

	const query = `INSERT INTO daily_movers (scan_date, symbol, pct_change, close, rank)
		SELECT ?, cur.symbol,
			(cur.close - prev.close) / prev.close * 100.0,
			cur.close,
			ROW_NUMBER() OVER (ORDER BY ABS((cur.close - prev.close) / prev.close) DESC)
		FROM daily_bars cur
		JOIN daily_bars prev ON prev.symbol = cur.symbol
			AND prev.bar_date = (
				SELECT MAX(p.bar_date) FROM daily_bars p
				WHERE p.symbol = cur.symbol AND p.bar_date < cur.bar_date
			)
		WHERE cur.bar_date = ? AND prev.close != 0
		ORDER BY ABS((cur.close - prev.close) / prev.close) DESC
		LIMIT ?`

	res, err := tx.ExecContext(ctx, query, date, date, limit)
	if err != nil {
		return 0, fmt.Errorf("daily movers: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("daily movers: commit: %w", err)
	}
	return res.RowsAffected()
}

// AggregateWeekly rolls the daily bars of the week containing `day` into
// weekly_bars rows keyed by the week's Monday.
func (r *Repository) AggregateWeekly(ctx context.Context, day time.Time) (int64, error) {
	monday := day.AddDate(0, 0, -mondayOffset(day.Weekday()))
	start := monday.Format(dateFormat)
	end := monday.AddDate(0, 0, 4).Format(dateFormat)

	const query = `INSERT INTO weekly_bars (symbol, week_start, open, high, low, close, volume)
		SELECT symbol, ?,
			(SELECT open FROM daily_bars o WHERE o.symbol = d.symbol
				AND o.bar_date BETWEEN ? AND ? ORDER BY o.bar_date ASC LIMIT 1),
			MAX(high), MIN(low),
			(SELECT close FROM daily_bars c WHERE c.symbol = d.symbol
				AND c.bar_date BETWEEN ? AND ? ORDER BY c.bar_date DESC LIMIT 1),
			SUM(volume)
		FROM daily_bars d
		WHERE d.bar_date BETWEEN ? AND ?
		GROUP BY d.symbol
		ON CONFLICT(symbol, week_start) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume`

	res, err := r.db.ExecContext(ctx, query, start, start, end, start, end, start, end)
	if err != nil {
		return 0, fmt.Errorf("aggregate weekly: %w", err)
	}
	return res.RowsAffected()
}

func mondayOffset(weekday time.Weekday) int {
	if weekday == time.Sunday {
		return 6
	}
	return int(weekday - time.Monday)
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
