package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatSeries(n int, value float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func risingSeries(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestComputeShortSeriesYieldsNils(t *testing.T) {
	set := Compute(risingSeries(10, 100, 1))
	assert.Nil(t, set.SMA20)
	assert.Nil(t, set.SMA50)
	assert.Nil(t, set.RSI14)
	assert.Nil(t, set.MACD)
	assert.Nil(t, set.MACDSignal)
	assert.True(t, set.Empty())
}

func TestComputeFlatSeries(t *testing.T) {
	set := Compute(flatSeries(60, 100))

	require.NotNil(t, set.SMA20)
	assert.InDelta(t, 100, *set.SMA20, 1e-9)
	require.NotNil(t, set.SMA50)
	assert.InDelta(t, 100, *set.SMA50, 1e-9)
	require.NotNil(t, set.MACD)
	assert.InDelta(t, 0, *set.MACD, 1e-9)
}

func TestComputeRisingSeriesRSIIsHigh(t *testing.T) {
	set := Compute(risingSeries(60, 100, 1))

	require.NotNil(t, set.RSI14)
	// Monotonically rising closes have no losses, RSI saturates at 100.
	assert.InDelta(t, 100, *set.RSI14, 1e-6)

	require.NotNil(t, set.SMA20)
	// Last 20 of 60 rising values: mean of 139..159 is 149.5.
	assert.InDelta(t, 149.5, *set.SMA20, 1e-9)
}

func TestComputePartialAvailability(t *testing.T) {
	set := Compute(risingSeries(25, 100, 0.5))

	assert.NotNil(t, set.SMA20)
	assert.Nil(t, set.SMA50)
	assert.NotNil(t, set.RSI14)
	assert.Nil(t, set.MACDSignal)
}
