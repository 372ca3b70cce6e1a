// Package candle aggregates a stream of 1-minute bars into candles at a
// configured interval, with market-hours filtering and timestamp
// deduplication.
package candle

import (
	"fmt"
	"time"

	"jax-trading-assistant/libs/contracts/domain"
)

// ValidIntervals are the only interval lengths the aggregator accepts.
var ValidIntervals = map[int]bool{1: true, 2: true, 5: true, 10: true}

// Aggregator is stateful and per-symbol. It is push-based: feed it bars in
// increasing timestamp order via ProcessBar.
type Aggregator struct {
	symbol          string
	intervalMinutes int

	lastSeen *time.Time

	bufStart *time.Time
	buf      []domain.Bar
}

// New constructs an Aggregator for one symbol. It panics if intervalMinutes
// is not one of ValidIntervals — this is a configuration error, not a
// runtime one, so it is caught at construction.
func New(symbol string, intervalMinutes int) *Aggregator {
	if !ValidIntervals[intervalMinutes] {
		panic(fmt.Sprintf("candle: invalid interval %d minutes", intervalMinutes))
	}
	return &Aggregator{symbol: symbol, intervalMinutes: intervalMinutes}
}

// ProcessBar feeds one bar to the aggregator. It returns a non-nil Candle
// exactly when a window boundary is crossed (or the buffer fills); the
// caller must check for nil.
func (a *Aggregator) ProcessBar(bar domain.Bar) *domain.Candle {
	if a.lastSeen != nil && !bar.Timestamp.After(*a.lastSeen) {
		return nil // dedup
	}
	ts := bar.Timestamp
	a.lastSeen = &ts

	if !isMarketHours(bar.Timestamp) {
		return nil
	}

	if a.intervalMinutes == 1 {
		c := bar
		return &c
	}

	windowStart := a.windowStart(bar.Timestamp)

	if a.bufStart != nil && windowStart.After(*a.bufStart) {
		out := a.emit()
		a.startBuffer(windowStart, bar)
		return out
	}

	if a.bufStart == nil {
		a.startBuffer(windowStart, bar)
	} else {
		a.buf = append(a.buf, bar)
	}

	if len(a.buf) >= a.intervalMinutes {
		return a.emit()
	}
	return nil
}

// Flush emits whatever partial candle is buffered (EOD / day transition).
// Returns nil if nothing is buffered.
func (a *Aggregator) Flush() *domain.Candle {
	if a.bufStart == nil || len(a.buf) == 0 {
		return nil
	}
	return a.emit()
}

func (a *Aggregator) startBuffer(windowStart time.Time, bar domain.Bar) {
	ws := windowStart
	a.bufStart = &ws
	a.buf = []domain.Bar{bar}
}

func (a *Aggregator) windowStart(ts time.Time) time.Time {
	open := marketOpen(ts)
	minutesSinceOpen := int(ts.Sub(open).Minutes())
	windowIndex := minutesSinceOpen / a.intervalMinutes
	return open.Add(time.Duration(windowIndex*a.intervalMinutes) * time.Minute)
}

func (a *Aggregator) emit() *domain.Candle {
	if len(a.buf) == 0 {
		return nil
	}
	first := a.buf[0]
	last := a.buf[len(a.buf)-1]

	out := domain.Candle{
		Symbol:    a.symbol,
		Timestamp: *a.bufStart,
		Open:      first.Open,
		High:      first.High,
		Low:       first.Low,
		Close:     last.Close,
		Volume:    0,
	}
	for _, b := range a.buf {
		if b.High.GreaterThan(out.High) {
			out.High = b.High
		}
		if b.Low.LessThan(out.Low) {
			out.Low = b.Low
		}
		out.Volume += b.Volume
	}

	a.bufStart = nil
	a.buf = nil
	return &out
}
