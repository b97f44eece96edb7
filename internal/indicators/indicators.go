// Package indicators derives technical indicators from close-price series.
package indicators

import (
	"github.com/markcheno/go-talib"
)

// Set holds the indicator values computed for the latest bar of a series.
// Fields are nil when the series is too short for the indicator's period.
type Set struct {
	SMA20      *float64
	SMA50      *float64
	RSI14      *float64
	MACD       *float64
	MACDSignal *float64
}

// Empty reports whether no indicator could be computed.
func (s Set) Empty() bool {
	return s.SMA20 == nil && s.SMA50 == nil && s.RSI14 == nil && s.MACD == nil && s.MACDSignal == nil
}

// Compute derives the indicator set from a close series ordered oldest first.
func Compute(closes []float64) Set {
	return Set{
		SMA20:      sma(closes, 20),
		SMA50:      sma(closes, 50),
		RSI14:      rsi(closes, 14),
		MACD:       macdLine(closes),
		MACDSignal: macdSignal(closes),
	}
}

func sma(closes []float64, length int) *float64 {
	if len(closes) < length {
		return nil
	}
	values := talib.Sma(closes, length)
	return lastValid(values)
}

func rsi(closes []float64, length int) *float64 {
	if len(closes) < length+1 {
		return nil
	}
	values := talib.Rsi(closes, length)
	return lastValid(values)
}

// MACD uses the standard 12/26/9 periods. The signal line needs 9 extra
// bars on top of the slow period before it stabilizes.
const (
	macdFast   = 12
	macdSlow   = 26
	macdSmooth = 9
)

func macdLine(closes []float64) *float64 {
	if len(closes) < macdSlow {
		return nil
	}
	line, _, _ := talib.Macd(closes, macdFast, macdSlow, macdSmooth)
	return lastValid(line)
}

func macdSignal(closes []float64) *float64 {
	if len(closes) < macdSlow+macdSmooth {
		return nil
	}
	_, signal, _ := talib.Macd(closes, macdFast, macdSlow, macdSmooth)
	return lastValid(signal)
}

func lastValid(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	last := values[len(values)-1]
	if isNaN(last) {
		return nil
	}
	return &last
}

func isNaN(f float64) bool {
	return f != f
}
