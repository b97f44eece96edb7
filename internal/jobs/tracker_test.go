package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkoutso/tickerd/internal/database"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTracker_BeginCompleteLifecycle(t *testing.T) {
	tracker := NewTracker(testDB(t), zerolog.Nop())
	ctx := context.Background()

	runID, err := tracker.Begin(ctx, "eod_scan", nil)
	require.NoError(t, err)
	require.Greater(t, runID, int64(0))

	running, err := tracker.RunningCount(ctx, "eod_scan")
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	require.NoError(t, tracker.Complete(ctx, runID, 1234))

	history, err := tracker.History(ctx, "eod_scan", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusCompleted, history[0].Status)
	assert.Equal(t, int64(1234), history[0].RecordsProcessed)
	require.NotNil(t, history[0].CompletedAt)
	require.NotNil(t, history[0].DurationSeconds)
}

func TestTracker_FailStoresMessage(t *testing.T) {
	tracker := NewTracker(testDB(t), zerolog.Nop())
	ctx := context.Background()

	runID, err := tracker.Begin(ctx, "eod_scan", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.Fail(ctx, runID, "provider unreachable"))

	history, err := tracker.History(ctx, "eod_scan", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusFailed, history[0].Status)
	assert.Equal(t, "provider unreachable", history[0].ErrorMessage)
}

func TestTracker_TerminalRowsAreImmutable(t *testing.T) {
	tracker := NewTracker(testDB(t), zerolog.Nop())
	ctx := context.Background()

	runID, err := tracker.Begin(ctx, "eod_scan", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.Complete(ctx, runID, 1))

	assert.Error(t, tracker.Complete(ctx, runID, 2))
	assert.Error(t, tracker.Fail(ctx, runID, "late failure"))

	history, err := tracker.History(ctx, "eod_scan", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), history[0].RecordsProcessed)
}

func TestTracker_RetentionBound(t *testing.T) {
	tracker := NewTracker(testDB(t), zerolog.Nop())
	ctx := context.Background()

	// Distinct started_at values so the retention ordering is deterministic.
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for i := 0; i < HistoryRetention+3; i++ {
		tracker.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		runID, err := tracker.Begin(ctx, "cleanup", nil)
		require.NoError(t, err)
		require.NoError(t, tracker.Complete(ctx, runID, int64(i)))
	}

	pruned, err := tracker.PruneHistory(ctx, "cleanup", HistoryRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	history, err := tracker.History(ctx, "cleanup", 100)
	require.NoError(t, err)
	require.Len(t, history, HistoryRetention)

	// The survivors are the most recently started, newest first.
	for i, exec := range history {
		assert.Equal(t, int64(HistoryRetention+2-i), exec.RecordsProcessed)
	}
}

func TestTracker_PruneLeavesOtherJobsAlone(t *testing.T) {
	tracker := NewTracker(testDB(t), zerolog.Nop())
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		for i := 0; i < 3; i++ {
			runID, err := tracker.Begin(ctx, name, nil)
			require.NoError(t, err)
			require.NoError(t, tracker.Complete(ctx, runID, 0))
		}
	}

	_, err := tracker.PruneHistory(ctx, "a", 1)
	require.NoError(t, err)

	historyB, err := tracker.History(ctx, "b", 100)
	require.NoError(t, err)
	assert.Len(t, historyB, 3)
}

func TestTracker_CleanupStuckRuns(t *testing.T) {
	tracker := NewTracker(testDB(t), zerolog.Nop())
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	tracker.now = func() time.Time { return old }
	_, err := tracker.Begin(ctx, "eod_scan", nil)
	require.NoError(t, err)

	tracker.now = time.Now
	fresh, err := tracker.Begin(ctx, "eod_scan", nil)
	require.NoError(t, err)

	marked, err := tracker.CleanupStuckRuns(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	running, err := tracker.RunningCount(ctx, "eod_scan")
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	// The fresh run is untouched and still completable.
	require.NoError(t, tracker.Complete(ctx, fresh, 0))
}

func TestTracker_RecordSkipped(t *testing.T) {
	tracker := NewTracker(testDB(t), zerolog.Nop())
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, tracker.RecordSkipped(ctx, "market_data_refresh", "market closed", &next))

	history, err := tracker.History(ctx, "market_data_refresh", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusSkipped, history[0].Status)
	assert.Equal(t, "market closed", history[0].ErrorMessage)
	require.NotNil(t, history[0].NextRunAt)
	assert.True(t, history[0].NextRunAt.Equal(next), fmt.Sprintf("want %v got %v", next, history[0].NextRunAt))
}
