package scan

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkoutso/tickerd/internal/database"
)

const timeFormat = time.RFC3339

// RunStatus is the lifecycle state of a scan run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRetention is the number of scan runs kept by retention pruning.
const RunRetention = 5

// Run is one scan_runs row.
type Run struct {
	ID               int64      `json:"id"`
	Status           RunStatus  `json:"status"`
	ScanDate         string     `json:"scan_date"`
	SymbolsRequested int64      `json:"symbols_requested"`
	SymbolsFetched   int64      `json:"symbols_fetched"`
	ErrorCount       int64      `json:"error_count"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Error is one scan_errors diagnostic row.
type Error struct {
	ID         int64     `json:"id"`
	ScanRunID  int64     `json:"scan_run_id"`
	Symbol     string    `json:"symbol"`
	Type       ErrorType `json:"error_type"`
	Message    string    `json:"error_message"`
	HTTPStatus *int      `json:"http_status,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Repository persists scan runs and their per-symbol diagnostics.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a scan repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db.Conn(),
		log: log.With().Str("component", "scan_repository").Logger(),
	}
}

// CreateRun inserts a running scan row with its resolved date label.
func (r *Repository) CreateRun(ctx context.Context, dateLabel string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO scan_runs (status, scan_date, started_at) VALUES (?, ?, ?)`,
		string(RunRunning), dateLabel, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("create scan run: %w", err)
	}
	return res.LastInsertId()
}

// SetSymbolsRequested stamps the universe size on the run.
func (r *Repository) SetSymbolsRequested(ctx context.Context, runID int64, n int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scan_runs SET symbols_requested = ? WHERE id = ?`, n, runID)
	if err != nil {
		return fmt.Errorf("set symbols requested on run %d: %w", runID, err)
	}
	return nil
}

// AddSymbolsFetched increments the fetched counter.
func (r *Repository) AddSymbolsFetched(ctx context.Context, runID int64, delta int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scan_runs SET symbols_fetched = symbols_fetched + ? WHERE id = ?`, delta, runID)
	if err != nil {
		return fmt.Errorf("add symbols fetched on run %d: %w", runID, err)
	}
	return nil
}

// AddErrorCount adjusts the error counter. Negative deltas come only from the
// single-threaded retry-success path.
func (r *Repository) AddErrorCount(ctx context.Context, runID int64, delta int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scan_runs SET error_count = MAX(0, error_count + ?) WHERE id = ?`, delta, runID)
	if err != nil {
		return fmt.Errorf("add error count on run %d: %w", runID, err)
	}
	return nil
}

// Finalize performs the terminal status transition for a run.
func (r *Repository) Finalize(ctx context.Context, runID int64, status RunStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE scan_runs SET status = ?, completed_at = ? WHERE id = ? AND status = 'running'`,
		string(status), time.Now().UTC().Format(timeFormat), runID)
	if err != nil {
		return fmt.Errorf("finalize run %d: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d is not running, refusing second terminal transition", runID)
	}
	return nil
}

// GetRun loads a scan run by id.
func (r *Repository) GetRun(ctx context.Context, runID int64) (*Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, status, scan_date, symbols_requested, symbols_fetched, error_count,
			started_at, completed_at
		 FROM scan_runs WHERE id = ?`, runID)

	var run Run
	var status, startedStr string
	var completedStr sql.NullString
	err := row.Scan(&run.ID, &status, &run.ScanDate,
		&run.SymbolsRequested, &run.SymbolsFetched, &run.ErrorCount,
		&startedStr, &completedStr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scan run %d not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get scan run %d: %w", runID, err)
	}

	run.Status = RunStatus(status)
	run.StartedAt, _ = time.Parse(timeFormat, startedStr)
	if completedStr.Valid {
		parsed, _ := time.Parse(timeFormat, completedStr.String)
		run.CompletedAt = &parsed
	}
	return &run, nil
}

// ListRuns returns recent runs, newest first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = RunRetention
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, status, scan_date, symbols_requested, symbols_fetched, error_count,
			started_at, completed_at
		 FROM scan_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var run Run
		var status, startedStr string
		var completedStr sql.NullString
		if err := rows.Scan(&run.ID, &status, &run.ScanDate,
			&run.SymbolsRequested, &run.SymbolsFetched, &run.ErrorCount,
			&startedStr, &completedStr); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		run.Status = RunStatus(status)
		run.StartedAt, _ = time.Parse(timeFormat, startedStr)
		if completedStr.Valid {
			parsed, _ := time.Parse(timeFormat, completedStr.String)
			run.CompletedAt = &parsed
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordError appends a diagnostic row for a run.
func (r *Repository) RecordError(ctx context.Context, runID int64, symbol string,
	errType ErrorType, message string, httpStatus *int) error {

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scan_errors (scan_run_id, symbol, error_type, error_message, http_status, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, symbol, string(errType), message, nullableInt(httpStatus),
		time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record scan error for %s on run %d: %w", symbol, runID, err)
	}
	return nil
}

// ListErrors returns diagnostics for a run, oldest first.
func (r *Repository) ListErrors(ctx context.Context, runID int64, limit int) ([]Error, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, scan_run_id, symbol, error_type, error_message, http_status, occurred_at
		 FROM scan_errors WHERE scan_run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan errors for run %d: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()
	return collectErrors(rows)
}

// TransientErrors returns the provider_error rows of a run whose status code
// is in the transient class (null, 401, 429 or >= 500).
func (r *Repository) TransientErrors(ctx context.Context, runID int64) ([]Error, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, scan_run_id, symbol, error_type, error_message, http_status, occurred_at
		 FROM scan_errors
		 WHERE scan_run_id = ? AND error_type = 'provider_error'
		   AND (http_status IS NULL OR http_status = 401 OR http_status = 429 OR http_status >= 500)
		 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("transient errors for run %d: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()
	return collectErrors(rows)
}

// DeleteProviderErrors removes a symbol's provider_error rows for a run and
// returns how many were removed. Called after a successful retry.
func (r *Repository) DeleteProviderErrors(ctx context.Context, runID int64, symbol string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM scan_errors WHERE scan_run_id = ? AND symbol = ? AND error_type = 'provider_error'`,
		runID, symbol)
	if err != nil {
		return 0, fmt.Errorf("delete provider errors for %s on run %d: %w", symbol, runID, err)
	}
	return res.RowsAffected()
}

// PruneRuns deletes all but the `keep` most recently started runs. Their
// error rows cascade via the foreign key.
func (r *Repository) PruneRuns(ctx context.Context, keep int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM scan_runs WHERE id NOT IN (
			SELECT id FROM scan_runs ORDER BY started_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune scan runs: %w", err)
	}
	n, err := res.RowsAffected()
	if n > 0 {
		r.log.Debug().Int64("pruned", n).Msg("Scan runs pruned")
	}
	return n, err
}

func collectErrors(rows *sql.Rows) ([]Error, error) {
	var errs []Error
	for rows.Next() {
		var e Error
		var errType, occurredStr string
		var status sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ScanRunID, &e.Symbol, &errType, &e.Message, &status, &occurredStr); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		e.Type = ErrorType(errType)
		if status.Valid {
			v := int(status.Int64)
			e.HTTPStatus = &v
		}
		e.OccurredAt, _ = time.Parse(timeFormat, occurredStr)
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
