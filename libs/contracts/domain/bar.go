// Package domain holds the value types and adapter contracts shared by the
// trading engine core: bars/candles, signals, orders, and the broker/data
// adapter interfaces the rest of the engine is written against.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is an immutable OHLCV quadruple over a one-minute window as reported
// by the data feed.
type Bar struct {
	Symbol    string
	Timestamp time.Time // UTC
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// Valid reports whether the bar satisfies low <= open,close <= high and
// low <= high and volume >= 0.
func (b Bar) Valid() bool {
	if b.Volume < 0 {
		return false
	}
	if b.Low.GreaterThan(b.High) {
		return false
	}
	if b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High) {
		return false
	}
	if b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High) {
		return false
	}
	return true
}

// Candle has the same shape as Bar; it is produced by aggregating N bars.
// Timestamp is the window start, not the last bar's timestamp.
type Candle = Bar
