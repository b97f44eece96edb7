package prices

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkoutso/tickerd/internal/database"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db, zerolog.Nop())
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRepository_UpsertBarsIsIdempotent(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	bars := []Bar{
		{Date: day(2026, 3, 2), Open: 10, High: 11, Low: 9.5, Close: 10.5, Volume: 1000},
		{Date: day(2026, 3, 3), Open: 10.5, High: 12, Low: 10, Close: 11.8, Volume: 1500},
	}

	first, err := repo.UpsertBars(ctx, "AAPL", bars, "eod_scan")
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 2}, first)

	// Identical payload: nothing inserted, everything skipped.
	second, err := repo.UpsertBars(ctx, "AAPL", bars, "eod_scan")
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Inserted)
	assert.Equal(t, int64(2), second.Skipped)

	// A revised close becomes an update.
	bars[1].Close = 11.9
	third, err := repo.UpsertBars(ctx, "AAPL", bars, "eod_scan")
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Updated: 1, Skipped: 1}, third)
}

func TestRepository_Closes(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	var bars []Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, Bar{
			Date: day(2026, 3, 2).AddDate(0, 0, i),
			Open: 10, High: 11, Low: 9, Close: float64(10 + i), Volume: 100,
		})
	}
	_, err := repo.UpsertBars(ctx, "MSFT", bars, "test")
	require.NoError(t, err)

	closes, err := repo.Closes(ctx, "MSFT", day(2026, 3, 6), 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{12, 13, 14}, closes)
}

func TestRepository_ComputeDailyMovers(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	seed := map[string][2]float64{ // prev close, current close
		"FLAT": {100, 100.5},
		"UP":   {100, 120},
		"DOWN": {100, 70},
	}
	for symbol, closes := range seed {
		_, err := repo.UpsertBars(ctx, symbol, []Bar{
			{Date: day(2026, 3, 2), Open: closes[0], High: closes[0], Low: closes[0], Close: closes[0]},
			{Date: day(2026, 3, 3), Open: closes[0], High: closes[1], Low: closes[1], Close: closes[1]},
		}, "test")
		require.NoError(t, err)
	}

	n, err := repo.ComputeDailyMovers(ctx, day(2026, 3, 3), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Re-running replaces the date's rows instead of duplicating them.
	n, err = repo.ComputeDailyMovers(ctx, day(2026, 3, 3), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRepository_AggregateWeekly(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	// Mon..Wed of the same week.
	_, err := repo.UpsertBars(ctx, "AAPL", []Bar{
		{Date: day(2026, 3, 2), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100},
		{Date: day(2026, 3, 3), Open: 10.5, High: 13, Low: 10, Close: 12, Volume: 200},
		{Date: day(2026, 3, 4), Open: 12, High: 12.5, Low: 8, Close: 9, Volume: 300},
	}, "test")
	require.NoError(t, err)

	n, err := repo.AggregateWeekly(ctx, day(2026, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
