// Package scheduler drives the durable job configurations through cron.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dkoutso/tickerd/internal/jobs"
	"github.com/dkoutso/tickerd/internal/market"
)

// Service owns the cron instance and keeps its entries in sync with the
// job_configurations table. All triggers flow through the shared runner so
// scheduled and manual paths obey the same no-overlap guard.
type Service struct {
	cron     *cron.Cron
	configs  *jobs.ConfigStore
	runner   *jobs.Runner
	tracker  *jobs.Tracker
	calendar *market.Calendar
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID

	now func() time.Time
}

// New creates a scheduler service. Cron specs are evaluated in the market
// timezone so configured hours mean exchange-local time.
func New(configs *jobs.ConfigStore, runner *jobs.Runner, tracker *jobs.Tracker,
	calendar *market.Calendar, log zerolog.Logger) *Service {

	return &Service{
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(calendar.Timezone)),
		configs:  configs,
		runner:   runner,
		tracker:  tracker,
		calendar: calendar,
		log:      log.With().Str("component", "scheduler").Logger(),
		entries:  make(map[string]cron.EntryID),
		now:      time.Now,
	}
}

// Start loads the current configurations and starts firing.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.JobsScheduled())).Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for in-flight fires to return.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// Reload rebuilds every cron entry from the configuration table. Called at
// boot and after any configuration update, so edits apply on the next fire
// without a restart.
func (s *Service) Reload(ctx context.Context) error {
	configs, err := s.configs.List(ctx)
	if err != nil {
		return fmt.Errorf("reload schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, name)
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		spec, err := cronSpec(cfg)
		if err != nil {
			s.log.Error().Err(err).Str("job", cfg.JobName).Msg("Skipping job with invalid schedule")
			continue
		}

		name := cfg.JobName
		gate := marketGate{
			enabled:   cfg.OnlyMarketHours,
			startHour: cfg.MarketStartHour,
			endHour:   cfg.MarketEndHour,
		}
		id, err := s.cron.AddFunc(spec, func() {
			s.fire(name, gate)
		})
		if err != nil {
			s.log.Error().Err(err).Str("job", name).Str("spec", spec).Msg("Failed to register schedule")
			continue
		}
		s.entries[name] = id
		s.log.Info().Str("job", name).Str("spec", spec).Msg("Schedule registered")
	}
	return nil
}

// JobsScheduled returns the names with a live cron entry, sorted.
func (s *Service) JobsScheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextRun returns the next fire time for a scheduled job.
func (s *Service) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(id).Next
	return next, !next.IsZero()
}

// marketGate is a job's market-hours constraint as configured: the session
// must be open and the local hour must fall inside [startHour, endHour).
type marketGate struct {
	enabled   bool
	startHour int
	endHour   int
}

func (g marketGate) inWindow(now time.Time) bool {
	// A degenerate window imposes no bound beyond the session itself.
	if g.endHour <= g.startHour {
		return true
	}
	return now.Hour() >= g.startHour && now.Hour() < g.endHour
}

// fire is the cron callback. Market-hours gated jobs record a skipped row
// outside the session or outside their configured hour window instead of
// running.
func (s *Service) fire(name string, gate marketGate) {
	ctx := context.Background()

	var nextRun *time.Time
	if next, ok := s.NextRun(name); ok {
		nextRun = &next
	}

	if gate.enabled {
		now := s.now().In(s.calendar.Timezone)
		if !s.calendar.IsOpen(now) {
			open := s.calendar.NextOpen(now)
			s.log.Debug().Str("job", name).Time("next_open", open).Msg("Market closed, skipping run")
			if err := s.tracker.RecordSkipped(ctx, name, "market closed", &open); err != nil {
				s.log.Error().Err(err).Str("job", name).Msg("Failed to record market-hours skip")
			}
			return
		}
		if !gate.inWindow(now) {
			s.log.Debug().Str("job", name).
				Int("start_hour", gate.startHour).Int("end_hour", gate.endHour).
				Msg("Outside configured market window, skipping run")
			if err := s.tracker.RecordSkipped(ctx, name, "outside configured market window", nextRun); err != nil {
				s.log.Error().Err(err).Str("job", name).Msg("Failed to record market-window skip")
			}
			return
		}
	}

	// Overlap collisions are recorded by the runner; nothing more to do here.
	_ = s.runner.RunJob(ctx, name, jobs.RunOptions{NextRunAt: nextRun})
}

// cronSpec translates a job configuration into a six-field cron expression.
func cronSpec(cfg jobs.JobConfiguration) (string, error) {
	switch cfg.ScheduleType {
	case jobs.ScheduleInterval:
		if cfg.IntervalValue <= 0 {
			return "", fmt.Errorf("job %s: interval value must be positive", cfg.JobName)
		}
		var d time.Duration
		switch cfg.IntervalUnit {
		case "minutes":
			d = time.Duration(cfg.IntervalValue) * time.Minute
		case "hours":
			d = time.Duration(cfg.IntervalValue) * time.Hour
		case "days":
			d = time.Duration(cfg.IntervalValue) * 24 * time.Hour
		default:
			return "", fmt.Errorf("job %s: unknown interval unit %q", cfg.JobName, cfg.IntervalUnit)
		}
		return "@every " + d.String(), nil

	case jobs.ScheduleCron:
		if cfg.CronHour < 0 || cfg.CronHour > 23 || cfg.CronMinute < 0 || cfg.CronMinute > 59 {
			return "", fmt.Errorf("job %s: cron time %d:%d out of range", cfg.JobName, cfg.CronHour, cfg.CronMinute)
		}
		dow := cfg.CronDayOfWeek
		if dow == "" {
			dow = "*"
		}
		return fmt.Sprintf("0 %d %d * * %s", cfg.CronMinute, cfg.CronHour, dow), nil

	default:
		return "", fmt.Errorf("job %s: unknown schedule type %q", cfg.JobName, cfg.ScheduleType)
	}
}
