package jobs

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStore_SeedIsIdempotent(t *testing.T) {
	store := NewConfigStore(testDB(t), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, store.Seed(ctx, DefaultConfigurations()))

	// Administrative edit, then a second seed: the edit must survive.
	enabled := false
	_, err := store.Update(ctx, JobEODScan, ConfigPatch{Enabled: &enabled})
	require.NoError(t, err)

	require.NoError(t, store.Seed(ctx, DefaultConfigurations()))

	cfg, err := store.Get(ctx, JobEODScan)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)

	configs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, configs, len(DefaultConfigurations()))
}

func TestConfigStore_GetUnknownJob(t *testing.T) {
	store := NewConfigStore(testDB(t), zerolog.Nop())

	_, err := store.Get(context.Background(), "nope")
	assert.Error(t, err)
}

func TestConfigStore_UpdatePartialFields(t *testing.T) {
	store := NewConfigStore(testDB(t), zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, store.Seed(ctx, DefaultConfigurations()))

	interval := 30
	unit := "minutes"
	scheduleType := ScheduleInterval
	updated, err := store.Update(ctx, JobEODScan, ConfigPatch{
		ScheduleType:  &scheduleType,
		IntervalValue: &interval,
		IntervalUnit:  &unit,
	})
	require.NoError(t, err)

	assert.Equal(t, ScheduleInterval, updated.ScheduleType)
	assert.Equal(t, 30, updated.IntervalValue)
	assert.Equal(t, "minutes", updated.IntervalUnit)
	// Untouched fields keep their seeded values.
	assert.True(t, updated.Enabled)
	assert.Equal(t, 22, updated.CronHour)
}
