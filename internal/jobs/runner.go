package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when the per-job-name guard rejects a trigger.
var ErrAlreadyRunning = errors.New("job already running")

// ErrUnknownJob is returned for job names with no registered handler.
var ErrUnknownJob = errors.New("unknown job")

// RunOptions carries per-trigger parameters into a job body.
type RunOptions struct {
	// Start/End constrain the scan date range for ad-hoc scan triggers.
	Start *time.Time
	End   *time.Time
	// NextRunAt is the scheduler-computed next fire time, recorded on the
	// execution row. Nil for manual triggers.
	NextRunAt *time.Time
}

// Handler is a job body. It returns the number of records processed.
type Handler func(ctx context.Context, opts RunOptions) (int64, error)

// Runner is the single entry point for job execution, shared by the scheduler
// and the manual-trigger path. It enforces at most one live instance per job
// name, records execution history, prunes it, and cascades chains on success.
type Runner struct {
	tracker *Tracker
	chain   *ChainManager
	log     zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	active   map[string]struct{}
}

// NewRunner creates a job runner.
func NewRunner(tracker *Tracker, log zerolog.Logger) *Runner {
	return &Runner{
		tracker:  tracker,
		log:      log.With().Str("component", "job_runner").Logger(),
		handlers: make(map[string]Handler),
		active:   make(map[string]struct{}),
	}
}

// SetChain attaches the chain manager invoked after successful runs.
func (r *Runner) SetChain(chain *ChainManager) {
	r.chain = chain
}

// Register adds a job body under a name. Registering twice replaces the body.
func (r *Runner) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Names returns all registered job names, sorted.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunJob executes a job body start-to-terminal. Both the scheduler and manual
// triggers go through here, so the no-overlap guard holds universally. A
// guarded collision records a skipped row and returns ErrAlreadyRunning.
func (r *Runner) RunJob(ctx context.Context, name string, opts RunOptions) error {
	r.mu.Lock()
	handler, ok := r.handlers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if _, busy := r.active[name]; busy {
		r.mu.Unlock()
		r.log.Warn().Str("job", name).Msg("Trigger rejected, instance already running")
		if err := r.tracker.RecordSkipped(ctx, name, "previous instance still running", opts.NextRunAt); err != nil {
			r.log.Error().Err(err).Str("job", name).Msg("Failed to record skipped run")
		}
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	r.active[name] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.active, name)
		r.mu.Unlock()
	}()

	runID, err := r.tracker.Begin(ctx, name, opts.NextRunAt)
	if err != nil {
		// No run id means no work: refusing to execute untracked jobs.
		return fmt.Errorf("run %s: %w", name, err)
	}

	r.log.Info().Str("job", name).Int64("run_id", runID).Msg("Job started")
	start := time.Now()

	records, runErr := r.invoke(ctx, handler, opts)

	if runErr != nil {
		r.log.Error().Err(runErr).Str("job", name).Dur("elapsed", time.Since(start)).Msg("Job failed")
		if err := r.tracker.Fail(ctx, runID, runErr.Error()); err != nil {
			r.log.Error().Err(err).Str("job", name).Msg("Failed to record job failure")
		}
	} else {
		r.log.Info().Str("job", name).Int64("records", records).
			Dur("elapsed", time.Since(start)).Msg("Job completed")
		if err := r.tracker.Complete(ctx, runID, records); err != nil {
			r.log.Error().Err(err).Str("job", name).Msg("Failed to record job completion")
		}
	}

	if _, err := r.tracker.PruneHistory(ctx, name, HistoryRetention); err != nil {
		r.log.Error().Err(err).Str("job", name).Msg("Failed to prune execution history")
	}

	// Chain failures are isolated: the parent keeps its completed status.
	if runErr == nil && r.chain != nil {
		r.chain.TriggerNext(ctx, name)
	}

	return runErr
}

// invoke runs the handler with panic recovery so an uncaught panic becomes a
// failed run instead of taking the scheduler down.
func (r *Runner) invoke(ctx context.Context, handler Handler, opts RunOptions) (records int64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return handler(ctx, opts)
}
