package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkoutso/tickerd/internal/database"
)

const timeFormat = time.RFC3339

// ConfigStore provides CRUD over job_configurations. Updates do not re-arm an
// already-scheduled trigger; changes take effect on the scheduler's next
// Reload.
type ConfigStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewConfigStore creates a configuration store.
func NewConfigStore(db *database.DB, log zerolog.Logger) *ConfigStore {
	return &ConfigStore{
		db:  db.Conn(),
		log: log.With().Str("component", "job_config_store").Logger(),
	}
}

// Seed inserts the given configurations for job names that do not exist yet.
// Existing rows are never touched, so administrative edits survive restarts.
func (s *ConfigStore) Seed(ctx context.Context, defaults []JobConfiguration) error {
	const query = `INSERT OR IGNORE INTO job_configurations
		(job_name, description, enabled, schedule_type, interval_value, interval_unit,
		 cron_day_of_week, cron_hour, cron_minute, only_market_hours, market_start_hour, market_end_hour)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, cfg := range defaults {
		res, err := s.db.ExecContext(ctx, query,
			cfg.JobName, cfg.Description, cfg.Enabled, string(cfg.ScheduleType),
			cfg.IntervalValue, cfg.IntervalUnit,
			cfg.CronDayOfWeek, cfg.CronHour, cfg.CronMinute,
			cfg.OnlyMarketHours, cfg.MarketStartHour, cfg.MarketEndHour,
		)
		if err != nil {
			return fmt.Errorf("seed job %s: %w", cfg.JobName, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.log.Info().Str("job", cfg.JobName).Msg("Seeded job configuration")
		}
	}
	return nil
}

// Get returns the configuration for a job name.
func (s *ConfigStore) Get(ctx context.Context, jobName string) (*JobConfiguration, error) {
	const query = selectColumns + ` WHERE job_name = ?`

	row := s.db.QueryRowContext(ctx, query, jobName)
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job configuration %q not found", jobName)
	}
	if err != nil {
		return nil, fmt.Errorf("get job configuration: %w", err)
	}
	return cfg, nil
}

// List returns all configurations ordered by job name.
func (s *ConfigStore) List(ctx context.Context) ([]JobConfiguration, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY job_name`)
	if err != nil {
		return nil, fmt.Errorf("list job configurations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var configs []JobConfiguration
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job configuration: %w", err)
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// Update applies the non-nil fields of the patch to a job configuration.
func (s *ConfigStore) Update(ctx context.Context, jobName string, patch ConfigPatch) (*JobConfiguration, error) {
	cfg, err := s.Get(ctx, jobName)
	if err != nil {
		return nil, err
	}

	if patch.Description != nil {
		cfg.Description = *patch.Description
	}
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
	if patch.ScheduleType != nil {
		cfg.ScheduleType = *patch.ScheduleType
	}
	if patch.IntervalValue != nil {
		cfg.IntervalValue = *patch.IntervalValue
	}
	if patch.IntervalUnit != nil {
		cfg.IntervalUnit = *patch.IntervalUnit
	}
	if patch.CronDayOfWeek != nil {
		cfg.CronDayOfWeek = *patch.CronDayOfWeek
	}
	if patch.CronHour != nil {
		cfg.CronHour = *patch.CronHour
	}
	if patch.CronMinute != nil {
		cfg.CronMinute = *patch.CronMinute
	}
	if patch.OnlyMarketHours != nil {
		cfg.OnlyMarketHours = *patch.OnlyMarketHours
	}
	if patch.MarketStartHour != nil {
		cfg.MarketStartHour = *patch.MarketStartHour
	}
	if patch.MarketEndHour != nil {
		cfg.MarketEndHour = *patch.MarketEndHour
	}

	const query = `UPDATE job_configurations SET
		description = ?, enabled = ?, schedule_type = ?, interval_value = ?, interval_unit = ?,
		cron_day_of_week = ?, cron_hour = ?, cron_minute = ?,
		only_market_hours = ?, market_start_hour = ?, market_end_hour = ?,
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE job_name = ?`

	_, err = s.db.ExecContext(ctx, query,
		cfg.Description, cfg.Enabled, string(cfg.ScheduleType),
		cfg.IntervalValue, cfg.IntervalUnit,
		cfg.CronDayOfWeek, cfg.CronHour, cfg.CronMinute,
		cfg.OnlyMarketHours, cfg.MarketStartHour, cfg.MarketEndHour,
		jobName,
	)
	if err != nil {
		return nil, fmt.Errorf("update job configuration %s: %w", jobName, err)
	}

	s.log.Info().Str("job", jobName).Msg("Job configuration updated (takes effect on next reload)")
	return s.Get(ctx, jobName)
}

const selectColumns = `SELECT id, job_name, description, enabled, schedule_type,
	COALESCE(interval_value, 0), COALESCE(interval_unit, ''),
	COALESCE(cron_day_of_week, ''), COALESCE(cron_hour, 0), COALESCE(cron_minute, 0),
	only_market_hours, market_start_hour, market_end_hour, created_at, updated_at
	FROM job_configurations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*JobConfiguration, error) {
	var cfg JobConfiguration
	var scheduleType, createdStr, updatedStr string

	err := row.Scan(
		&cfg.ID, &cfg.JobName, &cfg.Description, &cfg.Enabled, &scheduleType,
		&cfg.IntervalValue, &cfg.IntervalUnit,
		&cfg.CronDayOfWeek, &cfg.CronHour, &cfg.CronMinute,
		&cfg.OnlyMarketHours, &cfg.MarketStartHour, &cfg.MarketEndHour,
		&createdStr, &updatedStr,
	)
	if err != nil {
		return nil, err
	}

	cfg.ScheduleType = ScheduleType(scheduleType)
	cfg.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	cfg.UpdatedAt, _ = time.Parse(timeFormat, updatedStr)
	return &cfg, nil
}
