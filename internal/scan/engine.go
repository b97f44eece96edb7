// Package scan implements the end-of-day market data scan: a two-phase
// concurrent fetch of daily bars for the symbol universe, with per-run
// bookkeeping and a retry pass for transiently failed symbols.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dkoutso/tickerd/internal/market"
	"github.com/dkoutso/tickerd/internal/prices"
	"github.com/dkoutso/tickerd/internal/ratelimit"
)

const dateFormat = "2006-01-02"

// Provider fetches daily bars from the upstream market data source.
type Provider interface {
	// PreWarmToken validates credentials before any symbol work starts.
	// An *AuthError means the whole run must abort.
	PreWarmToken(ctx context.Context) error
	// FetchDailyBars returns bars for one symbol in the inclusive date
	// range. Failures are reported as *ProviderError where the upstream
	// status is known.
	FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]prices.Bar, error)
}

// UniverseResolver yields the symbols eligible for scanning.
type UniverseResolver interface {
	ResolveUniverse(ctx context.Context) ([]string, error)
}

// BarStore persists fetched bars.
type BarStore interface {
	UpsertBars(ctx context.Context, symbol string, bars []prices.Bar, source string) (prices.UpsertResult, error)
}

// Options tunes the concurrency and pacing of a scan.
type Options struct {
	BatchSize    int
	Workers      int
	RatePerSec   int
	RetryWorkers int
	RetryRate    int
	TaskDeadline time.Duration
	SymbolLimit  int // 0 means no cap
	Source       string
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Workers <= 0 {
		o.Workers = 5
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 5
	}
	if o.RetryWorkers <= 0 {
		o.RetryWorkers = 2
	}
	if o.RetryRate <= 0 {
		o.RetryRate = 2
	}
	if o.TaskDeadline <= 0 {
		o.TaskDeadline = 30 * time.Second
	}
	if o.Source == "" {
		o.Source = "stooq"
	}
	return o
}

// Result summarizes a finished scan run. The bar counters are shared by
// worker goroutines and guarded by the embedded mutex.
type Result struct {
	mu sync.Mutex

	RunID            int64
	Status           RunStatus
	SymbolsRequested int
	SymbolsFetched   int64
	ErrorCount       int64
	BarsInserted     int64
	BarsUpdated      int64
	Retried          int
	Recovered        int
}

func (r *Result) addUpsert(u prices.UpsertResult) {
	r.mu.Lock()
	r.BarsInserted += u.Inserted
	r.BarsUpdated += u.Updated
	r.mu.Unlock()
}

func (r *Result) addRecovered() {
	r.mu.Lock()
	r.Recovered++
	r.mu.Unlock()
}

// Engine orchestrates scan runs.
type Engine struct {
	repo     *Repository
	provider Provider
	universe UniverseResolver
	store    BarStore
	calendar *market.Calendar
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

// NewEngine creates a scan engine.
func NewEngine(repo *Repository, provider Provider, universe UniverseResolver,
	store BarStore, calendar *market.Calendar, opts Options, log zerolog.Logger) *Engine {

	return &Engine{
		repo:     repo,
		provider: provider,
		universe: universe,
		store:    store,
		calendar: calendar,
		opts:     opts.withDefaults(),
		log:      log.With().Str("component", "scan_engine").Logger(),
		now:      time.Now,
	}
}

// Run executes a full scan. When start/end are nil the range collapses to the
// most recent completed trading date.
func (e *Engine) Run(ctx context.Context, start, end *time.Time) (*Result, error) {
	rangeStart, rangeEnd := e.resolveRange(start, end)
	label := rangeLabel(rangeStart, rangeEnd)

	runID, err := e.repo.CreateRun(ctx, label)
	if err != nil {
		return nil, err
	}
	log := e.log.With().Int64("scan_run_id", runID).Str("scan_date", label).Logger()
	log.Info().Msg("Scan run started")

	result := &Result{RunID: runID}

	// Credentials are validated once up front so a dead token produces a
	// single auth row instead of one failure per symbol.
	if err := e.provider.PreWarmToken(ctx); err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			log.Error().Str("error", authErr.Message).Msg("Authentication failed, aborting scan")
			if recErr := e.repo.RecordError(ctx, runID, "", ErrorAuth, authErr.Message, nil); recErr != nil {
				log.Error().Err(recErr).Msg("Failed to record auth error")
			}
			_ = e.repo.AddErrorCount(ctx, runID, 1)
			_ = e.repo.Finalize(ctx, runID, RunFailed)
			result.Status = RunFailed
			result.ErrorCount = 1
			return result, fmt.Errorf("scan run %d: %w", runID, err)
		}
		_ = e.repo.Finalize(ctx, runID, RunFailed)
		result.Status = RunFailed
		return result, fmt.Errorf("scan run %d: pre-warm token: %w", runID, err)
	}

	symbols, err := e.universe.ResolveUniverse(ctx)
	if err != nil {
		_ = e.repo.Finalize(ctx, runID, RunFailed)
		result.Status = RunFailed
		return result, fmt.Errorf("scan run %d: resolve universe: %w", runID, err)
	}
	if e.opts.SymbolLimit > 0 && len(symbols) > e.opts.SymbolLimit {
		symbols = symbols[:e.opts.SymbolLimit]
	}
	if err := e.repo.SetSymbolsRequested(ctx, runID, len(symbols)); err != nil {
		log.Error().Err(err).Msg("Failed to record universe size")
	}
	result.SymbolsRequested = len(symbols)

	if len(symbols) == 0 {
		log.Warn().Msg("Universe is empty, nothing to scan")
		_ = e.repo.Finalize(ctx, runID, RunCompleted)
		result.Status = RunCompleted
		return result, nil
	}

	limiter := ratelimit.New(e.opts.RatePerSec)
	if err := e.scanPhase(ctx, runID, symbols, rangeStart, rangeEnd, e.opts.Workers, limiter, result, log); err != nil {
		_ = e.repo.Finalize(ctx, runID, RunFailed)
		result.Status = RunFailed
		return result, err
	}

	if err := e.retryPhase(ctx, runID, rangeStart, rangeEnd, result, log); err != nil {
		_ = e.repo.Finalize(ctx, runID, RunFailed)
		result.Status = RunFailed
		return result, err
	}

	// Residual per-symbol errors leave the run completed. Partial data is
	// better than none at end of day.
	if err := e.repo.Finalize(ctx, runID, RunCompleted); err != nil {
		return result, err
	}
	result.Status = RunCompleted

	if run, err := e.repo.GetRun(ctx, runID); err == nil {
		result.SymbolsFetched = run.SymbolsFetched
		result.ErrorCount = run.ErrorCount
	}
	if _, err := e.repo.PruneRuns(ctx, RunRetention); err != nil {
		log.Error().Err(err).Msg("Failed to prune scan runs")
	}

	log.Info().
		Int("symbols_requested", result.SymbolsRequested).
		Int64("symbols_fetched", result.SymbolsFetched).
		Int64("error_count", result.ErrorCount).
		Int64("bars_inserted", result.BarsInserted).
		Int("recovered", result.Recovered).
		Msg("Scan run completed")
	return result, nil
}

// Retry re-runs only the retry phase for an existing run. Used by the
// control surface to recover a run whose transient errors have aged out
// of the upstream's rate limiting.
func (e *Engine) Retry(ctx context.Context, runID int64) (*Result, error) {
	run, err := e.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	// A running run's error rows and counters belong to its own retry
	// phase; a second writer here would race the deletion path.
	if run.Status == RunRunning {
		return nil, fmt.Errorf("scan run %d is still running", runID)
	}
	rangeStart, rangeEnd, err := parseRangeLabel(run.ScanDate)
	if err != nil {
		return nil, fmt.Errorf("scan run %d: %w", runID, err)
	}

	log := e.log.With().Int64("scan_run_id", runID).Logger()
	result := &Result{RunID: runID, Status: run.Status}
	if err := e.retryPhase(ctx, runID, rangeStart, rangeEnd, result, log); err != nil {
		return result, err
	}
	if updated, err := e.repo.GetRun(ctx, runID); err == nil {
		result.SymbolsFetched = updated.SymbolsFetched
		result.ErrorCount = updated.ErrorCount
	}
	return result, nil
}

// scanPhase runs the first pass: sequential batches, each fanned out over a
// bounded worker pool sharing one rate limiter.
func (e *Engine) scanPhase(ctx context.Context, runID int64, symbols []string,
	start, end time.Time, workers int, limiter *ratelimit.Limiter,
	result *Result, log zerolog.Logger) error {

	for batchStart := 0; batchStart < len(symbols); batchStart += e.opts.BatchSize {
		batchEnd := batchStart + e.opts.BatchSize
		if batchEnd > len(symbols) {
			batchEnd = len(symbols)
		}
		batch := symbols[batchStart:batchEnd]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, symbol := range batch {
			symbol := symbol
			g.Go(func() error {
				return e.scanSymbol(gctx, runID, symbol, start, end, limiter, result, log)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("scan run %d: batch aborted: %w", runID, err)
		}
		log.Debug().Int("from", batchStart).Int("to", batchEnd).Msg("Batch finished")
	}
	return nil
}

// scanSymbol fetches and stores one symbol. Per-symbol failures are
// recorded, never propagated, so one bad symbol cannot sink the batch.
// Only context cancellation from outside the task aborts the run.
func (e *Engine) scanSymbol(ctx context.Context, runID int64, symbol string,
	start, end time.Time, limiter *ratelimit.Limiter, result *Result, log zerolog.Logger) error {

	if err := limiter.Acquire(ctx); err != nil {
		return err
	}

	taskCtx, cancel := context.WithTimeout(ctx, e.opts.TaskDeadline)
	defer cancel()

	bars, err := e.provider.FetchDailyBars(taskCtx, symbol, start, end)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.recordFetchFailure(ctx, runID, symbol, err, log)
		return nil
	}

	if len(bars) == 0 {
		log.Debug().Str("symbol", symbol).Msg("No bars in range")
		if recErr := e.repo.RecordError(ctx, runID, symbol, ErrorNoData, "no bars in requested range", nil); recErr != nil {
			log.Error().Err(recErr).Str("symbol", symbol).Msg("Failed to record no_data error")
		}
		_ = e.repo.AddErrorCount(ctx, runID, 1)
		return nil
	}

	upsert, err := e.store.UpsertBars(taskCtx, symbol, bars, e.opts.Source)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if recErr := e.repo.RecordError(ctx, runID, symbol, ErrorProvider, fmt.Sprintf("store bars: %v", err), nil); recErr != nil {
			log.Error().Err(recErr).Str("symbol", symbol).Msg("Failed to record store error")
		}
		_ = e.repo.AddErrorCount(ctx, runID, 1)
		return nil
	}

	_ = e.repo.AddSymbolsFetched(ctx, runID, 1)
	result.addUpsert(upsert)
	return nil
}

// recordFetchFailure classifies a provider failure into a diagnostic row.
// Deadline overruns and transport faults land as provider_error with no
// status code, which keeps them in the transient class for the retry pass.
func (e *Engine) recordFetchFailure(ctx context.Context, runID int64, symbol string, err error, log zerolog.Logger) {
	var status *int
	message := err.Error()

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		if provErr.StatusCode > 0 {
			code := provErr.StatusCode
			status = &code
		}
		message = provErr.Message
	} else if errors.Is(err, context.DeadlineExceeded) {
		message = "request exceeded task deadline"
	}

	log.Warn().Str("symbol", symbol).Str("error", message).Msg("Symbol fetch failed")
	if recErr := e.repo.RecordError(ctx, runID, symbol, ErrorProvider, message, status); recErr != nil {
		log.Error().Err(recErr).Str("symbol", symbol).Msg("Failed to record provider error")
	}
	_ = e.repo.AddErrorCount(ctx, runID, 1)
}

// retryPhase re-fetches symbols whose first-pass failure looked transient,
// with a smaller pool and a stricter limiter. A retry that succeeds erases
// the symbol's provider error rows and walks the counter back.
func (e *Engine) retryPhase(ctx context.Context, runID int64,
	start, end time.Time, result *Result, log zerolog.Logger) error {

	transient, err := e.repo.TransientErrors(ctx, runID)
	if err != nil {
		return fmt.Errorf("scan run %d: %w", runID, err)
	}
	if len(transient) == 0 {
		return nil
	}

	// A symbol can carry several transient rows; retry it once.
	seen := make(map[string]bool, len(transient))
	var retrySymbols []string
	for _, row := range transient {
		if row.Symbol == "" || seen[row.Symbol] {
			continue
		}
		seen[row.Symbol] = true
		retrySymbols = append(retrySymbols, row.Symbol)
	}
	result.Retried = len(retrySymbols)
	log.Info().Int("symbols", len(retrySymbols)).Msg("Retrying transient failures")

	limiter := ratelimit.New(e.opts.RetryRate)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.RetryWorkers)
	for _, symbol := range retrySymbols {
		symbol := symbol
		g.Go(func() error {
			return e.retrySymbol(gctx, runID, symbol, start, end, limiter, result, log)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("scan run %d: retry aborted: %w", runID, err)
	}
	return nil
}

func (e *Engine) retrySymbol(ctx context.Context, runID int64, symbol string,
	start, end time.Time, limiter *ratelimit.Limiter, result *Result, log zerolog.Logger) error {

	if err := limiter.Acquire(ctx); err != nil {
		return err
	}

	taskCtx, cancel := context.WithTimeout(ctx, e.opts.TaskDeadline)
	defer cancel()

	bars, err := e.provider.FetchDailyBars(taskCtx, symbol, start, end)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Original error rows stay in place. The run already counted this
		// symbol as failed.
		log.Warn().Str("symbol", symbol).Err(err).Msg("Retry failed")
		return nil
	}
	if len(bars) == 0 {
		log.Warn().Str("symbol", symbol).Msg("Retry returned no bars")
		return nil
	}

	upsert, err := e.store.UpsertBars(taskCtx, symbol, bars, e.opts.Source)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Str("symbol", symbol).Err(err).Msg("Retry store failed")
		return nil
	}

	removed, err := e.repo.DeleteProviderErrors(ctx, runID, symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Failed to clear recovered error rows")
	} else if removed > 0 {
		_ = e.repo.AddErrorCount(ctx, runID, -removed)
	}
	_ = e.repo.AddSymbolsFetched(ctx, runID, 1)
	result.addUpsert(upsert)
	result.addRecovered()
	log.Info().Str("symbol", symbol).Int64("cleared_rows", removed).Msg("Symbol recovered on retry")
	return nil
}

// resolveRange maps optional request dates to a concrete inclusive range.
func (e *Engine) resolveRange(start, end *time.Time) (time.Time, time.Time) {
	if start != nil && end != nil {
		return truncateDay(*start), truncateDay(*end)
	}
	if start != nil {
		day := truncateDay(*start)
		return day, day
	}
	day := truncateDay(e.calendar.TradingDate(e.now()))
	return day, day
}

func rangeLabel(start, end time.Time) string {
	if start.Equal(end) {
		return start.Format(dateFormat)
	}
	return start.Format(dateFormat) + ".." + end.Format(dateFormat)
}

func parseRangeLabel(label string) (time.Time, time.Time, error) {
	if len(label) == len(dateFormat) {
		day, err := time.Parse(dateFormat, label)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse scan date %q: %w", label, err)
		}
		return day, day, nil
	}
	const sep = ".."
	idx := len(dateFormat)
	if len(label) != 2*len(dateFormat)+len(sep) || label[idx:idx+len(sep)] != sep {
		return time.Time{}, time.Time{}, fmt.Errorf("malformed scan date %q", label)
	}
	start, err := time.Parse(dateFormat, label[:idx])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse scan date %q: %w", label, err)
	}
	end, err := time.Parse(dateFormat, label[idx+len(sep):])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse scan date %q: %w", label, err)
	}
	return start, end, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
