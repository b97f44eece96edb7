// Package universe stores the symbol reference table and resolves the
// scannable symbol universe.
package universe

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dkoutso/tickerd/internal/database"
)

// Symbol is one row of the reference table.
type Symbol struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	IsTest   bool   `json:"is_test"`
	IsActive bool   `json:"is_active"`
}

// disallowedSuffixes are the symbol classes excluded from scans: warrants,
// units, rights and when-issued markers.
var disallowedSuffixes = []string{".W", ".WS", ".U", ".R", ".V"}

// Repository provides access to the symbol reference table.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a symbol repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db.Conn(),
		log: log.With().Str("component", "universe").Logger(),
	}
}

// Upsert inserts or updates a reference symbol.
func (r *Repository) Upsert(ctx context.Context, s Symbol) error {
	const query = `INSERT INTO symbols (symbol, name, exchange, is_test, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			exchange = excluded.exchange,
			is_test = excluded.is_test,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query, s.Symbol, s.Name, s.Exchange, s.IsTest, s.IsActive)
	if err != nil {
		return fmt.Errorf("upsert symbol %s: %w", s.Symbol, err)
	}
	return nil
}

// ReplaceAll swaps the reference table contents for a freshly downloaded
// universe. Used by the reference-data refresh job.
func (r *Repository) ReplaceAll(ctx context.Context, symbols []Symbol) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace universe: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM symbols`); err != nil {
		return fmt.Errorf("replace universe: clear: %w", err)
	}

	const query = `INSERT INTO symbols (symbol, name, exchange, is_test, is_active)
		VALUES (?, ?, ?, ?, ?)`
	for _, s := range symbols {
		if _, err := tx.ExecContext(ctx, query, s.Symbol, s.Name, s.Exchange, s.IsTest, s.IsActive); err != nil {
			return fmt.Errorf("replace universe: insert %s: %w", s.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace universe: commit: %w", err)
	}

	r.log.Info().Int("symbols", len(symbols)).Msg("Symbol universe replaced")
	return nil
}

// ResolveUniverse returns the scannable symbols: active, not test issues and
// without a disallowed suffix. Ordered for deterministic batching.
func (r *Repository) ResolveUniverse(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT symbol FROM symbols WHERE is_active = 1 AND is_test = 0 ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("resolve universe: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("resolve universe: scan: %w", err)
		}
		if hasDisallowedSuffix(symbol) {
			continue
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

// Count returns the total number of reference rows.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM symbols`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count symbols: %w", err)
	}
	return n, nil
}

func hasDisallowedSuffix(symbol string) bool {
	for _, suffix := range disallowedSuffixes {
		if strings.HasSuffix(symbol, suffix) {
			return true
		}
	}
	return false
}
