package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkoutso/tickerd/internal/database"
)

// Tracker records job execution history in job_execution_status.
// Begin opens a running row; Complete and Fail are one-shot terminal
// transitions guarded at the SQL level.
type Tracker struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewTracker creates an execution tracker.
func NewTracker(db *database.DB, log zerolog.Logger) *Tracker {
	return &Tracker{
		db:  db.Conn(),
		log: log.With().Str("component", "execution_tracker").Logger(),
		now: time.Now,
	}
}

// Begin inserts a running row and returns its id. Callers must not do any job
// work if this fails.
func (t *Tracker) Begin(ctx context.Context, jobName string, nextRunAt *time.Time) (int64, error) {
	const query = `INSERT INTO job_execution_status (job_name, status, started_at, next_run_at)
		VALUES (?, ?, ?, ?)`

	res, err := t.db.ExecContext(ctx, query,
		jobName, string(StatusRunning),
		t.now().UTC().Format(timeFormat), formatNullableTime(nextRunAt),
	)
	if err != nil {
		return 0, fmt.Errorf("begin execution for %s: %w", jobName, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("begin execution for %s: last insert id: %w", jobName, err)
	}

	t.log.Debug().Str("job", jobName).Int64("run_id", id).Msg("Execution started")
	return id, nil
}

// Complete marks a running row completed with its processed-record count.
func (t *Tracker) Complete(ctx context.Context, runID int64, recordsProcessed int64) error {
	return t.finish(ctx, runID, StatusCompleted, recordsProcessed, "")
}

// Fail marks a running row failed with the captured message.
func (t *Tracker) Fail(ctx context.Context, runID int64, message string) error {
	return t.finish(ctx, runID, StatusFailed, 0, message)
}

// finish performs the terminal transition. The status guard in the WHERE
// clause makes terminal rows immutable.
func (t *Tracker) finish(ctx context.Context, runID int64, status ExecutionStatus, records int64, message string) error {
	started, err := t.startedAt(ctx, runID)
	if err != nil {
		return err
	}

	completed := t.now().UTC()
	duration := completed.Sub(started).Seconds()
	if duration < 0 {
		duration = 0
	}

	const query = `UPDATE job_execution_status
		SET status = ?, completed_at = ?, duration_seconds = ?, records_processed = ?, error_message = ?
		WHERE id = ? AND status = 'running'`

	res, err := t.db.ExecContext(ctx, query,
		string(status), completed.Format(timeFormat), duration, records, nullableString(message), runID,
	)
	if err != nil {
		return fmt.Errorf("finish execution %d: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %d is not running, refusing second terminal transition", runID)
	}
	return nil
}

// RecordSkipped appends a terminal skipped row directly (no running phase).
func (t *Tracker) RecordSkipped(ctx context.Context, jobName, reason string, nextRunAt *time.Time) error {
	now := t.now().UTC().Format(timeFormat)

	const query = `INSERT INTO job_execution_status
		(job_name, status, started_at, completed_at, duration_seconds, error_message, next_run_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`

	_, err := t.db.ExecContext(ctx, query,
		jobName, string(StatusSkipped), now, now, reason, formatNullableTime(nextRunAt),
	)
	if err != nil {
		return fmt.Errorf("record skipped run for %s: %w", jobName, err)
	}
	return nil
}

// PruneHistory deletes all but the `keep` most recently started rows for a job.
func (t *Tracker) PruneHistory(ctx context.Context, jobName string, keep int) (int64, error) {
	const query = `DELETE FROM job_execution_status
		WHERE job_name = ? AND id NOT IN (
			SELECT id FROM job_execution_status
			WHERE job_name = ?
			ORDER BY started_at DESC, id DESC
			LIMIT ?
		)`

	res, err := t.db.ExecContext(ctx, query, jobName, jobName, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history for %s: %w", jobName, err)
	}
	return res.RowsAffected()
}

// History returns the most recent executions of a job, newest first.
func (t *Tracker) History(ctx context.Context, jobName string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = HistoryRetention
	}

	const query = `SELECT id, job_name, status, started_at, completed_at,
		duration_seconds, records_processed, error_message, next_run_at
		FROM job_execution_status
		WHERE job_name = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`

	rows, err := t.db.QueryContext(ctx, query, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("execution history for %s: %w", jobName, err)
	}
	defer func() { _ = rows.Close() }()

	var execs []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, *exec)
	}
	return execs, rows.Err()
}

// CleanupStuckRuns marks running rows older than the threshold as failed.
// This is crash recovery: a process restart can leave running rows behind.
func (t *Tracker) CleanupStuckRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := t.now().UTC().Add(-olderThan).Format(timeFormat)

	const query = `UPDATE job_execution_status
		SET status = 'failed', completed_at = ?, error_message = 'marked failed by stuck-run cleanup'
		WHERE status = 'running' AND started_at < ?`

	res, err := t.db.ExecContext(ctx, query, t.now().UTC().Format(timeFormat), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup stuck runs: %w", err)
	}

	n, err := res.RowsAffected()
	if n > 0 {
		t.log.Warn().Int64("count", n).Msg("Marked stuck runs as failed")
	}
	return n, err
}

// RunningCount returns the number of rows currently marked running for a job.
func (t *Tracker) RunningCount(ctx context.Context, jobName string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_execution_status WHERE job_name = ? AND status = 'running'`,
		jobName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("running count for %s: %w", jobName, err)
	}
	return n, nil
}

func (t *Tracker) startedAt(ctx context.Context, runID int64) (time.Time, error) {
	var startedStr string
	err := t.db.QueryRowContext(ctx,
		`SELECT started_at FROM job_execution_status WHERE id = ?`, runID,
	).Scan(&startedStr)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("execution %d not found", runID)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load execution %d: %w", runID, err)
	}

	started, err := time.Parse(timeFormat, startedStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse started_at of execution %d: %w", runID, err)
	}
	return started, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var status, startedStr string
	var completedStr, errMsg, nextRunStr sql.NullString
	var duration sql.NullFloat64

	err := row.Scan(
		&exec.ID, &exec.JobName, &status, &startedStr, &completedStr,
		&duration, &exec.RecordsProcessed, &errMsg, &nextRunStr,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = ExecutionStatus(status)
	exec.StartedAt, _ = time.Parse(timeFormat, startedStr)
	if completedStr.Valid {
		parsed, _ := time.Parse(timeFormat, completedStr.String)
		exec.CompletedAt = &parsed
	}
	if duration.Valid {
		exec.DurationSeconds = &duration.Float64
	}
	if errMsg.Valid {
		exec.ErrorMessage = errMsg.String
	}
	if nextRunStr.Valid {
		parsed, _ := time.Parse(timeFormat, nextRunStr.String)
		exec.NextRunAt = &parsed
	}
	return &exec, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
