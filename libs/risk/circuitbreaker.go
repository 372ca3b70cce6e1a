package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// CircuitBreaker tracks the current trading day's realized P&L and
// consecutive-loss streak, tripping when either configured limit is
// reached. It is distinct from the gobreaker-based resilience breaker used
// for upstream API calls — this one models daily trading-loss risk, not
// transport failure.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg *Config

	day                time.Time
	startOfDayEquity   decimal.Decimal
	dailyRealizedPnL   decimal.Decimal
	consecutiveLosses  int
	tripped            bool
	tripReason         string
}

// NewCircuitBreaker constructs a CircuitBreaker bound to the given Config.
func NewCircuitBreaker(cfg *Config) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg}
}

// ResetDaily clears every counter — realized P&L, consecutive-loss streak,
// and trip state — and records the new day's starting equity, which anchors
// the daily-loss limit. Called at market open.
func (b *CircuitBreaker) ResetDaily(day time.Time, equity decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.day = day
	b.startOfDayEquity = equity
	b.dailyRealizedPnL = decimal.Zero
	b.consecutiveLosses = 0
	b.tripped = false
	b.tripReason = ""
}

// RecordTrade folds a closed trade's P&L into the day's running total and
// the consecutive-loss counter, then re-checks both limits. A break-even
// trade (pnl == 0) counts as a loss.
func (b *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dailyRealizedPnL = b.dailyRealizedPnL.Add(pnl)
	if pnl.LessThanOrEqual(decimal.Zero) {
		b.consecutiveLosses++
	} else {
		b.consecutiveLosses = 0
	}
	b.checkLimitsLocked()
}

// CanTrade reports whether the breaker currently allows new entries, and
// if not, the reason it tripped.
func (b *CircuitBreaker) CanTrade() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return false, b.tripReason
	}
	return true, ""
}

// ReconstructFromTrades rebuilds the breaker's state from today's already
// recorded trades, used on startup after a crash so the breaker does not
// reset protections that were earned before the restart. It resets first,
// then replays each trade through the same rules RecordTrade uses.
func (b *CircuitBreaker) ReconstructFromTrades(day time.Time, pnls []decimal.Decimal, equity decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.day = day
	b.startOfDayEquity = equity
	b.dailyRealizedPnL = decimal.Zero
	b.consecutiveLosses = 0
	b.tripped = false
	b.tripReason = ""

	for _, pnl := range pnls {
		b.dailyRealizedPnL = b.dailyRealizedPnL.Add(pnl)
		if pnl.LessThanOrEqual(decimal.Zero) {
			b.consecutiveLosses++
		} else {
			b.consecutiveLosses = 0
		}
	}
	b.checkLimitsLocked()
}

func (b *CircuitBreaker) checkLimitsLocked() {
	if b.consecutiveLosses >= b.cfg.ConsecutiveLossLimit {
		b.tripped = true
		b.tripReason = "consecutive loss limit reached"
		return
	}
	if b.startOfDayEquity.GreaterThan(decimal.Zero) {
		maxLoss := b.startOfDayEquity.Mul(b.cfg.MaxDailyLossPct)
		if b.dailyRealizedPnL.LessThanOrEqual(maxLoss.Neg()) {
			b.tripped = true
			b.tripReason = "daily loss limit reached"
		}
	}
}
