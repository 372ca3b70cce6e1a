package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTradeRecord_PnLInvariant(t *testing.T) {
	entry := decimal.RequireFromString("155.20")
	exit := decimal.RequireFromString("154.70")
	qty := decimal.NewFromInt(41)

	trade := TradeRecord{
		TradeID:       "trade-1",
		CorrelationID: "corr-1",
		Symbol:        "AAPL",
		Side:          TradeLong,
		Qty:           qty,
		EntryPrice:    entry,
		ExitPrice:     exit,
		EntryAt:       time.Date(2026, 2, 13, 10, 30, 0, 0, time.UTC),
		ExitAt:        time.Date(2026, 2, 13, 10, 45, 0, 0, time.UTC),
		PnL:           exit.Sub(entry).Mul(qty),
	}

	want := decimal.RequireFromString("-20.50")
	if !trade.PnL.Equal(want) {
		t.Errorf("pnl = (exit - entry) * qty: got %v, want %v", trade.PnL, want)
	}

	duration := trade.ExitAt.Sub(trade.EntryAt)
	if duration < 0 {
		t.Errorf("duration must be >= 0, got %v", duration)
	}
}

func TestPosition_UnrealizedPL(t *testing.T) {
	pos := Position{
		Symbol:        "AAPL",
		Qty:           decimal.NewFromInt(100),
		Side:          SideBuy,
		AvgEntryPrice: decimal.RequireFromString("150.00"),
		MarketValue:   decimal.RequireFromString("15100.00"),
	}
	pos.UnrealizedPL = pos.MarketValue.Sub(pos.AvgEntryPrice.Mul(pos.Qty))

	want := decimal.RequireFromString("100.00")
	if !pos.UnrealizedPL.Equal(want) {
		t.Errorf("unrealized pl: got %v, want %v", pos.UnrealizedPL, want)
	}
}
