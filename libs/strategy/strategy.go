// Package strategy defines the Strategy contract the engine drives and the
// Velez reference implementation.
package strategy

import (
	"github.com/shopspring/decimal"
	"jax-trading-assistant/libs/contracts/domain"
)

// Strategy is the contract the order manager / backtest runner drive. One
// instance per (strategy, symbol) pair — state is never shared across
// symbols.
type Strategy interface {
	Symbol() string
	RequiredHistory() int

	ShouldLong(bar domain.Bar, ind domain.IndicatorSet) bool
	EntryPrice(bar domain.Bar, ind domain.IndicatorSet) decimal.Decimal
	StopLossPrice(bar domain.Bar, ind domain.IndicatorSet) decimal.Decimal

	ShouldCancelPending(bar domain.Bar, candlesSince int) bool

	// ShouldUpdateStop returns the new stop price if the trailing-stop
	// automaton emitted one this bar, else nil.
	ShouldUpdateStop(bar domain.Bar, position domain.Position, ind domain.IndicatorSet) *decimal.Decimal
	ShouldExit(bar domain.Bar, position domain.Position, ind domain.IndicatorSet) bool

	OnPositionClosed()
}
