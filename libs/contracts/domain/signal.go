package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is an immutable entry signal produced by a Strategy.
type Signal struct {
	Symbol        string
	Side          Side
	EntryPrice    decimal.Decimal
	StopLossPrice decimal.Decimal
	OrderType     OrderType
	StrategyName  string
	Timestamp     time.Time
}

// RiskApproval is the immutable decision returned by the risk gate for one
// signal.
type RiskApproval struct {
	Approved bool
	Qty      decimal.Decimal
	Reason   string
}

// IndicatorSet is the immutable snapshot of indicator state handed to a
// strategy for one candle. Fields are nil ("absent") until the slow window
// is warm. Thresholds compared against these fields are float64 by
// convention: they gate signal detection, not money.
type IndicatorSet struct {
	SMAFast     *float64
	SMASlow     *float64
	PrevSMAFast *float64
	PrevSMASlow *float64
	BarCount    int
}

// Warm reports whether every SMA field is present.
func (s IndicatorSet) Warm() bool {
	return s.SMAFast != nil && s.SMASlow != nil && s.PrevSMAFast != nil && s.PrevSMASlow != nil
}
