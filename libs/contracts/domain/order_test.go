package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestOrderRecord_TerminalStates(t *testing.T) {
	terminal := []OrderState{StateFilled, StateCanceled, StateExpired, StateRejected, StateSubmitFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []OrderState{StatePendingSubmit, StateSubmitted, StateAccepted, StatePartiallyFilled}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestOrderRecord_FieldsRoundTrip(t *testing.T) {
	now := time.Date(2026, 2, 13, 10, 30, 0, 0, time.UTC)
	brokerID := "B1"
	fillPrice := decimal.RequireFromString("155.20")

	rec := OrderRecord{
		LocalID:       "local-1",
		BrokerID:      &brokerID,
		CorrelationID: "corr-1",
		Symbol:        "AAPL",
		Side:          SideBuy,
		OrderType:     OrderTypeStop,
		OrderRole:     RoleEntry,
		QtyRequested:  decimal.NewFromInt(41),
		QtyFilled:     decimal.NewFromInt(41),
		AvgFillPrice:  &fillPrice,
		State:         StateFilled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if rec.QtyFilled.GreaterThan(rec.QtyRequested) {
		t.Errorf("qty_filled must never exceed qty_requested")
	}
	if !rec.State.Terminal() {
		t.Errorf("FILLED must be terminal")
	}
	if *rec.AvgFillPrice != fillPrice {
		t.Errorf("avg fill price mismatch: got %v want %v", *rec.AvgFillPrice, fillPrice)
	}
}

func TestBar_Valid(t *testing.T) {
	valid := Bar{
		Symbol: "AAPL",
		Open:   decimal.RequireFromString("150"),
		High:   decimal.RequireFromString("152"),
		Low:    decimal.RequireFromString("149"),
		Close:  decimal.RequireFromString("151"),
		Volume: 1000,
	}
	if !valid.Valid() {
		t.Errorf("expected bar to be valid")
	}

	invalid := valid
	invalid.High = decimal.RequireFromString("148")
	if invalid.Valid() {
		t.Errorf("expected bar with high < low to be invalid")
	}

	negVolume := valid
	negVolume.Volume = -1
	if negVolume.Valid() {
		t.Errorf("expected bar with negative volume to be invalid")
	}
}
