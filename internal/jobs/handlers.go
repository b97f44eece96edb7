package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkoutso/tickerd/internal/indicators"
	"github.com/dkoutso/tickerd/internal/market"
	"github.com/dkoutso/tickerd/internal/prices"
	"github.com/dkoutso/tickerd/internal/scan"
	"github.com/dkoutso/tickerd/internal/universe"
)

// EODScanner runs a market data scan over an optional date range.
type EODScanner interface {
	Run(ctx context.Context, start, end *time.Time) (*scan.Result, error)
}

// SymbolSource downloads the tradable-symbol directory.
type SymbolSource interface {
	FetchSymbols(ctx context.Context) ([]universe.Symbol, error)
}

// stuckRunAge is how long a running execution row may sit before the
// retention job declares its process dead and fails it.
const stuckRunAge = 24 * time.Hour

// HandlerSet binds the seed jobs' bodies to their collaborators.
type HandlerSet struct {
	Scanner        EODScanner
	RefreshScanner EODScanner
	Symbols        SymbolSource
	Universe       *universe.Repository
	Prices         *prices.Repository
	Scans          *scan.Repository
	Tracker        *Tracker
	Calendar       *market.Calendar

	// MoversLimit caps the daily movers table size. IndicatorBars is the
	// close-series window used for technical analysis.
	MoversLimit   int
	IndicatorBars int

	Log zerolog.Logger

	now func() time.Time
}

// Register wires every seed job body into the runner.
func (h *HandlerSet) Register(r *Runner) {
	if h.MoversLimit <= 0 {
		h.MoversLimit = 20
	}
	if h.IndicatorBars <= 0 {
		h.IndicatorBars = 60
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.RefreshScanner == nil {
		h.RefreshScanner = h.Scanner
	}

	r.Register(JobEODScan, h.runEODScan)
	r.Register(JobMarketDataRefresh, h.runMarketDataRefresh)
	r.Register(JobReferenceDataRefresh, h.runReferenceDataRefresh)
	r.Register(JobTechnicalAnalysis, h.runTechnicalAnalysis)
	r.Register(JobDailyMovers, h.runDailyMovers)
	r.Register(JobWeeklyAggregation, h.runWeeklyAggregation)
	r.Register(JobRetentionCleanup, h.makeRetentionCleanup(r))
}

func (h *HandlerSet) runEODScan(ctx context.Context, opts RunOptions) (int64, error) {
	result, err := h.Scanner.Run(ctx, opts.Start, opts.End)
	if result == nil {
		return 0, err
	}
	return result.SymbolsFetched, err
}

// runMarketDataRefresh reuses the scan engine over the current trading date
// with the refresh engine's tighter symbol cap.
func (h *HandlerSet) runMarketDataRefresh(ctx context.Context, _ RunOptions) (int64, error) {
	result, err := h.RefreshScanner.Run(ctx, nil, nil)
	if result == nil {
		return 0, err
	}
	return result.SymbolsFetched, err
}

func (h *HandlerSet) runReferenceDataRefresh(ctx context.Context, _ RunOptions) (int64, error) {
	symbols, err := h.Symbols.FetchSymbols(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch symbol directory: %w", err)
	}
	// An empty directory means the provider glitched, not that the market
	// delisted everything. Keep the existing table.
	if len(symbols) == 0 {
		return 0, fmt.Errorf("symbol directory came back empty, keeping current universe")
	}
	if err := h.Universe.ReplaceAll(ctx, symbols); err != nil {
		return 0, err
	}
	return int64(len(symbols)), nil
}

func (h *HandlerSet) runTechnicalAnalysis(ctx context.Context, _ RunOptions) (int64, error) {
	asOf := h.Calendar.TradingDate(h.now())
	symbols, err := h.Prices.SymbolsWithBars(ctx)
	if err != nil {
		return 0, err
	}

	var updated int64
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		closes, err := h.Prices.Closes(ctx, symbol, asOf, h.IndicatorBars)
		if err != nil {
			return updated, err
		}
		set := indicators.Compute(closes)
		if set.Empty() {
			continue
		}
		if err := h.Prices.UpsertIndicators(ctx, symbol, asOf,
			set.SMA20, set.SMA50, set.RSI14, set.MACD, set.MACDSignal); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (h *HandlerSet) runDailyMovers(ctx context.Context, _ RunOptions) (int64, error) {
	return h.Prices.ComputeDailyMovers(ctx, h.Calendar.TradingDate(h.now()), h.MoversLimit)
}

func (h *HandlerSet) runWeeklyAggregation(ctx context.Context, _ RunOptions) (int64, error) {
	return h.Prices.AggregateWeekly(ctx, h.Calendar.TradingDate(h.now()))
}

// makeRetentionCleanup closes over the runner so the job prunes history for
// whatever set of jobs is actually registered.
func (h *HandlerSet) makeRetentionCleanup(r *Runner) Handler {
	return func(ctx context.Context, _ RunOptions) (int64, error) {
		var pruned int64
		for _, name := range r.Names() {
			n, err := h.Tracker.PruneHistory(ctx, name, HistoryRetention)
			if err != nil {
				return pruned, err
			}
			pruned += n
		}

		n, err := h.Scans.PruneRuns(ctx, scan.RunRetention)
		if err != nil {
			return pruned, err
		}
		pruned += n

		stuck, err := h.Tracker.CleanupStuckRuns(ctx, stuckRunAge)
		if err != nil {
			return pruned, err
		}
		if stuck > 0 {
			h.Log.Warn().Int64("runs", stuck).Msg("Marked stuck running executions as failed")
		}
		return pruned, nil
	}
}
