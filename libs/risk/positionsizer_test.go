package risk_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"jax-trading-assistant/libs/risk"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPositionSizer_BasicSizing(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.RiskPct = dec("0.01")
	cfg.AbsRiskCap = dec("1000")
	cfg.MaxPositionPct = dec("0.5")

	sizer := risk.NewPositionSizer(cfg)
	result := sizer.Calculate(risk.SizeInput{
		Equity:      dec("100000"),
		BuyingPower: dec("200000"),
		EntryPrice:  dec("150"),
		StopLoss:    dec("148"),
	})

	// risk amount = 1000 (equity*1% = 1000, below abs cap); stop distance = 2
	// raw shares = floor(1000/2) = 500; position cap = floor(50000/150) = 333
	if !result.Qty.Equal(dec("333")) {
		t.Errorf("qty = %v, want 333 (clamped by max position pct)", result.Qty)
	}
	if result.Reason != "" {
		t.Errorf("expected no reason on a successful sizing, got %q", result.Reason)
	}
	if !result.PositionValue.Equal(dec("49950")) {
		t.Errorf("position value = %v, want 49950", result.PositionValue)
	}
}

func TestPositionSizer_ClampedByAbsRiskCap(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.RiskPct = dec("0.10")
	cfg.AbsRiskCap = dec("200")
	cfg.MaxPositionPct = dec("1")

	sizer := risk.NewPositionSizer(cfg)
	result := sizer.Calculate(risk.SizeInput{
		Equity:      dec("100000"),
		BuyingPower: dec("1000000"),
		EntryPrice:  dec("50"),
		StopLoss:    dec("49"),
	})
	// equity*10% = 10000, but abs cap is 200 -> risk amount 200
	// raw shares = floor(200/1) = 200
	if !result.Qty.Equal(dec("200")) {
		t.Errorf("qty = %v, want 200 (clamped by abs risk cap)", result.Qty)
	}
}

func TestPositionSizer_ClampedByBuyingPower(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.RiskPct = dec("0.5")
	cfg.AbsRiskCap = dec("100000")
	cfg.MaxPositionPct = dec("1")

	sizer := risk.NewPositionSizer(cfg)
	result := sizer.Calculate(risk.SizeInput{
		Equity:      dec("100000"),
		BuyingPower: dec("500"),
		EntryPrice:  dec("100"),
		StopLoss:    dec("95"),
	})
	// buying power caps at floor(500/100) = 5 shares
	if !result.Qty.Equal(dec("5")) {
		t.Errorf("qty = %v, want 5 (clamped by buying power)", result.Qty)
	}
}

func TestPositionSizer_ZeroStopDistanceYieldsZero(t *testing.T) {
	cfg := risk.DefaultConfig()
	sizer := risk.NewPositionSizer(cfg)
	result := sizer.Calculate(risk.SizeInput{
		Equity:      dec("100000"),
		BuyingPower: dec("100000"),
		EntryPrice:  dec("100"),
		StopLoss:    dec("100"),
	})
	if !result.Qty.IsZero() {
		t.Errorf("expected zero qty for zero stop distance, got %v", result.Qty)
	}
	if result.Reason == "" {
		t.Error("expected a non-empty reason for zero stop distance")
	}
}

func TestPositionSizer_RiskBudgetTooSmall(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.RiskPct = dec("0.0001")
	cfg.AbsRiskCap = dec("100000")
	cfg.MaxPositionPct = dec("1")

	sizer := risk.NewPositionSizer(cfg)
	result := sizer.Calculate(risk.SizeInput{
		Equity:      dec("1000"),
		BuyingPower: dec("100000"),
		EntryPrice:  dec("150"),
		StopLoss:    dec("100"),
	})
	// risk amount = 1000*0.0001 = 0.1; stop distance = 50; raw = floor(0.1/50) = 0
	if !result.Qty.IsZero() {
		t.Errorf("expected zero qty, got %v", result.Qty)
	}
	if result.Reason != "risk budget too small" {
		t.Errorf("reason = %q, want %q", result.Reason, "risk budget too small")
	}
}

func TestPositionSizer_InsufficientBuyingPower(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.RiskPct = dec("0.5")
	cfg.AbsRiskCap = dec("100000")
	cfg.MaxPositionPct = dec("1")

	sizer := risk.NewPositionSizer(cfg)
	result := sizer.Calculate(risk.SizeInput{
		Equity:      dec("100000"),
		BuyingPower: dec("40"),
		EntryPrice:  dec("50"),
		StopLoss:    dec("45"),
	})
	if !result.Qty.IsZero() {
		t.Errorf("expected zero qty, got %v", result.Qty)
	}
	if result.Reason != "insufficient buying power" {
		t.Errorf("reason = %q, want %q", result.Reason, "insufficient buying power")
	}
}

func TestPositionSizer_ClampedToZeroByMaxPositionPct(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.RiskPct = dec("0.5")
	cfg.AbsRiskCap = dec("100000")
	cfg.MaxPositionPct = dec("0.0001")

	sizer := risk.NewPositionSizer(cfg)
	result := sizer.Calculate(risk.SizeInput{
		Equity:      dec("1000"),
		BuyingPower: dec("100000"),
		EntryPrice:  dec("50"),
		StopLoss:    dec("45"),
	})
	// max position value = 1000*0.0001 = 0.1 -> floor(0.1/50) = 0 shares
	if !result.Qty.IsZero() {
		t.Errorf("expected zero qty, got %v", result.Qty)
	}
	if result.Reason != "clamped to zero" {
		t.Errorf("reason = %q, want %q", result.Reason, "clamped to zero")
	}
}
