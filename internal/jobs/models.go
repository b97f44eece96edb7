// Package jobs is the job engine library shared by the scheduler and the HTTP
// control surface: configuration storage, execution tracking, the single
// runJob entry point with its no-overlap guard, and chain management.
package jobs

import "time"

// ScheduleType selects how a job's trigger is armed.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// ExecutionStatus is the lifecycle state of one run attempt.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped"
)

// JobConfiguration is one durable schedule definition, keyed by job name.
type JobConfiguration struct {
	ID              int64        `json:"id"`
	JobName         string       `json:"job_name"`
	Description     string       `json:"description"`
	Enabled         bool         `json:"enabled"`
	ScheduleType    ScheduleType `json:"schedule_type"`
	IntervalValue   int          `json:"interval_value,omitempty"`
	IntervalUnit    string       `json:"interval_unit,omitempty"` // minutes | hours | days
	CronDayOfWeek   string       `json:"cron_day_of_week,omitempty"`
	CronHour        int          `json:"cron_hour,omitempty"`
	CronMinute      int          `json:"cron_minute,omitempty"`
	OnlyMarketHours bool         `json:"only_market_hours"`
	MarketStartHour int          `json:"market_start_hour"`
	MarketEndHour   int          `json:"market_end_hour"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Execution is one row of the append-mostly run history.
type Execution struct {
	ID               int64           `json:"id"`
	JobName          string          `json:"job_name"`
	Status           ExecutionStatus `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds  *float64        `json:"duration_seconds,omitempty"`
	RecordsProcessed int64           `json:"records_processed"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	NextRunAt        *time.Time      `json:"next_run_at,omitempty"`
}

// ConfigPatch carries the mutable fields of an administrative update.
// Nil fields are left unchanged.
type ConfigPatch struct {
	Description     *string       `json:"description,omitempty"`
	Enabled         *bool         `json:"enabled,omitempty"`
	ScheduleType    *ScheduleType `json:"schedule_type,omitempty"`
	IntervalValue   *int          `json:"interval_value,omitempty"`
	IntervalUnit    *string       `json:"interval_unit,omitempty"`
	CronDayOfWeek   *string       `json:"cron_day_of_week,omitempty"`
	CronHour        *int          `json:"cron_hour,omitempty"`
	CronMinute      *int          `json:"cron_minute,omitempty"`
	OnlyMarketHours *bool         `json:"only_market_hours,omitempty"`
	MarketStartHour *int          `json:"market_start_hour,omitempty"`
	MarketEndHour   *int          `json:"market_end_hour,omitempty"`
}

// HistoryRetention is the number of execution rows kept per job name.
const HistoryRetention = 5
