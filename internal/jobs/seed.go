package jobs

// Canonical job names.
const (
	JobEODScan              = "eod_scan"
	JobMarketDataRefresh    = "market_data_refresh"
	JobReferenceDataRefresh = "reference_data_refresh"
	JobTechnicalAnalysis    = "technical_analysis"
	JobDailyMovers          = "daily_movers"
	JobWeeklyAggregation    = "weekly_aggregation"
	JobRetentionCleanup     = "retention_cleanup"
)

// DefaultConfigurations is the seed set installed at first boot. Existing
// rows are never overwritten.
func DefaultConfigurations() []JobConfiguration {
	return []JobConfiguration{
		{
			JobName:       JobEODScan,
			Description:   "End-of-day daily bar scan over the symbol universe",
			Enabled:       true,
			ScheduleType:  ScheduleCron,
			CronDayOfWeek: "MON-FRI",
			CronHour:      22,
			CronMinute:    10,
		},
		{
			JobName:         JobMarketDataRefresh,
			Description:     "Intraday refresh of current-day bars for the capped universe",
			Enabled:         true,
			ScheduleType:    ScheduleInterval,
			IntervalValue:   15,
			IntervalUnit:    "minutes",
			OnlyMarketHours: true,
			MarketStartHour: 9,
			MarketEndHour:   16,
		},
		{
			JobName:       JobReferenceDataRefresh,
			Description:   "Weekly refresh of the symbol reference universe",
			Enabled:       true,
			ScheduleType:  ScheduleCron,
			CronDayOfWeek: "SUN",
			CronHour:      6,
			CronMinute:    0,
		},
		{
			JobName:       JobTechnicalAnalysis,
			Description:   "Technical indicators over stored daily bars (chained after scan)",
			Enabled:       false, // fired via chain, not via its own trigger
			ScheduleType:  ScheduleCron,
			CronDayOfWeek: "MON-FRI",
			CronHour:      23,
			CronMinute:    0,
		},
		{
			JobName:       JobDailyMovers,
			Description:   "Top percent movers for the scan date (chained)",
			Enabled:       false,
			ScheduleType:  ScheduleCron,
			CronDayOfWeek: "MON-FRI",
			CronHour:      23,
			CronMinute:    30,
		},
		{
			JobName:       JobWeeklyAggregation,
			Description:   "Weekly bar rollup from daily bars (chained)",
			Enabled:       false,
			ScheduleType:  ScheduleCron,
			CronDayOfWeek: "FRI",
			CronHour:      23,
			CronMinute:    45,
		},
		{
			JobName:       JobRetentionCleanup,
			Description:   "History retention pruning and stuck-run recovery",
			Enabled:       true,
			ScheduleType:  ScheduleCron,
			CronDayOfWeek: "*",
			CronHour:      3,
			CronMinute:    30,
		},
	}
}

// DefaultChain is the static pipeline fired after a successful scan:
// scan -> technical analysis -> daily movers -> weekly aggregation.
func DefaultChain() map[string]ChainEdge {
	return map[string]ChainEdge{
		JobEODScan:           {Next: JobTechnicalAnalysis},
		JobTechnicalAnalysis: {Next: JobDailyMovers, WeekdayOnly: true},
		JobDailyMovers:       {Next: JobWeeklyAggregation, WeekdayOnly: true, BeforeHour: 23},
	}
}
