package risk

import (
	"github.com/shopspring/decimal"
)

// PositionSizer computes order quantity from account and signal state. It
// is a pure function over its inputs — no mutable state, safe to share.
type PositionSizer struct {
	cfg *Config
}

// NewPositionSizer constructs a PositionSizer bound to the given Config.
func NewPositionSizer(cfg *Config) *PositionSizer {
	return &PositionSizer{cfg: cfg}
}

// SizeInput carries the per-order values needed to compute a quantity.
type SizeInput struct {
	Equity       decimal.Decimal
	BuyingPower  decimal.Decimal
	EntryPrice   decimal.Decimal
	StopLoss     decimal.Decimal
}

// SizingResult is the full outcome of a sizing decision. Qty is 0 with a
// human-readable Reason whenever sizing fails. StopDistance is populated on
// every failure; RiskAmount is populated on every failure except the
// zero-stop-distance / invalid-entry-price one.
type SizingResult struct {
	Qty           decimal.Decimal
	RiskAmount    decimal.Decimal
	StopDistance  decimal.Decimal
	PositionValue decimal.Decimal
	Reason        string
}

// Calculate returns the whole-share quantity to submit, floor-truncated and
// clamped to the position and buying-power ceilings, along with the
// diagnostics behind that number. A zero Qty always carries a Reason.
func (s *PositionSizer) Calculate(in SizeInput) SizingResult {
	stopDistance := in.EntryPrice.Sub(in.StopLoss).Abs()
	if stopDistance.IsZero() || in.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return SizingResult{StopDistance: stopDistance, Reason: "zero stop distance or invalid entry price"}
	}

	riskAmount := in.Equity.Mul(s.cfg.RiskPct)
	if riskAmount.GreaterThan(s.cfg.AbsRiskCap) {
		riskAmount = s.cfg.AbsRiskCap
	}

	raw := riskAmount.Div(stopDistance).Floor()
	if raw.LessThan(decimal.NewFromInt(1)) {
		return SizingResult{RiskAmount: riskAmount, StopDistance: stopDistance, Reason: "risk budget too small"}
	}

	maxSharesByPosition := in.Equity.Mul(s.cfg.MaxPositionPct).Div(in.EntryPrice).Floor()
	if raw.GreaterThan(maxSharesByPosition) {
		raw = maxSharesByPosition
	}

	if in.BuyingPower.LessThan(in.EntryPrice) {
		return SizingResult{RiskAmount: riskAmount, StopDistance: stopDistance, Reason: "insufficient buying power"}
	}

	maxSharesByBuyingPower := in.BuyingPower.Div(in.EntryPrice).Floor()
	if raw.GreaterThan(maxSharesByBuyingPower) {
		raw = maxSharesByBuyingPower
	}
	if raw.LessThanOrEqual(decimal.Zero) {
		return SizingResult{RiskAmount: riskAmount, StopDistance: stopDistance, Reason: "clamped to zero"}
	}

	return SizingResult{
		Qty:           raw,
		RiskAmount:    riskAmount,
		StopDistance:  stopDistance,
		PositionValue: raw.Mul(in.EntryPrice),
	}
}
