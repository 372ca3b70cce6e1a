package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"jax-trading-assistant/libs/contracts/domain"
)

func bar(ts time.Time, o, h, l, c string) domain.Bar {
	return domain.Bar{
		Symbol:    "AAPL",
		Timestamp: ts,
		Open:      decimal.RequireFromString(o),
		High:      decimal.RequireFromString(h),
		Low:       decimal.RequireFromString(l),
		Close:     decimal.RequireFromString(c),
		Volume:    1000,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSimBroker_StopBuyFillsAtOpenOrStopWhicheverHigher(t *testing.T) {
	b := NewSimBroker(dec("100000"), decimal.Zero)
	ctx := context.Background()
	stop := dec("106")
	if _, err := b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideBuy, OrderType: domain.OrderTypeStop,
		Qty: dec("10"), StopPrice: &stop,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ts := time.Date(2024, 1, 8, 9, 33, 0, 0, time.UTC)
	fills := b.ProcessBar(bar(ts, "107", "109", "106", "108"))
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if !fills[0].FillPrice.Equal(dec("107")) {
		t.Errorf("expected fill at open (107, above stop), got %v", fills[0].FillPrice)
	}
	if !b.HasPosition("AAPL") {
		t.Error("expected an open position after entry fill")
	}
}

func TestSimBroker_StopBuyDoesNotFillBelowTrigger(t *testing.T) {
	b := NewSimBroker(dec("100000"), decimal.Zero)
	ctx := context.Background()
	stop := dec("106")
	_, _ = b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideBuy, OrderType: domain.OrderTypeStop,
		Qty: dec("10"), StopPrice: &stop,
	})

	ts := time.Date(2024, 1, 8, 9, 33, 0, 0, time.UTC)
	fills := b.ProcessBar(bar(ts, "104", "105", "103", "104.5"))
	if len(fills) != 0 {
		t.Fatalf("expected no fill when bar high never reaches the stop, got %d", len(fills))
	}
	if b.HasPosition("AAPL") {
		t.Error("expected no position without a fill")
	}
}

func TestSimBroker_RestingStopLossFillsOnGapThrough(t *testing.T) {
	b := NewSimBroker(dec("100000"), decimal.Zero)
	ctx := context.Background()

	// Seed an existing position with a resting stop-loss.
	entryStop := dec("100")
	_, _ = b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideBuy, OrderType: domain.OrderTypeStop,
		Qty: dec("10"), StopPrice: &entryStop,
	})
	seedTS := time.Date(2024, 1, 8, 9, 30, 0, 0, time.UTC)
	b.ProcessBar(bar(seedTS, "101", "102", "100", "101.5"))
	if !b.HasPosition("AAPL") {
		t.Fatal("setup: expected seeded position")
	}
	b.SubmitStopSync("AAPL", dec("10"), dec("99"))

	// Next bar drops straight through the resting stop-loss.
	ts := time.Date(2024, 1, 8, 9, 31, 0, 0, time.UTC)
	fills := b.ProcessBar(bar(ts, "98", "99", "95", "96"))
	if len(fills) != 1 {
		t.Fatalf("expected exactly 1 fill (the stop-loss), got %d", len(fills))
	}
	if fills[0].Role != domain.RoleStopLoss {
		t.Errorf("expected the stop-loss fill, got role %v", fills[0].Role)
	}
	if b.HasPosition("AAPL") {
		t.Error("expected the position to be closed by the stop-loss")
	}
}

func TestSimBroker_EntryFillSameBarProtectsAgainstStopLossFill(t *testing.T) {
	// A stop-loss submitted reactively off THIS bar's entry fill (as Runner
	// does via SubmitStopSync) must not also be checked for a fill within
	// the same ProcessBar call — it was not resting before the bar opened.
	b := NewSimBroker(dec("100000"), decimal.Zero)
	ctx := context.Background()
	entryStop := dec("100")
	_, _ = b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideBuy, OrderType: domain.OrderTypeStop,
		Qty: dec("10"), StopPrice: &entryStop,
	})

	ts := time.Date(2024, 1, 8, 9, 30, 0, 0, time.UTC)
	fills := b.ProcessBar(bar(ts, "101", "105", "90", "102"))
	if len(fills) != 1 || fills[0].Role != domain.RoleEntry {
		t.Fatalf("expected 1 entry fill, got %+v", fills)
	}
	b.SubmitStopSync("AAPL", dec("10"), dec("95"))

	if !b.HasPosition("AAPL") {
		t.Error("expected the entry fill to open a position despite the bar's low undercutting the new stop")
	}
}

func TestSimBroker_SlippageFloorsAtOneCent(t *testing.T) {
	b := NewSimBroker(dec("100000"), dec("50"))
	ctx := context.Background()
	_, _ = b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideSell, OrderType: domain.OrderTypeMarket,
		Qty: dec("10"),
	})
	// A sell-market order with huge slippage should never price below the
	// one-cent floor, even subtracted from a near-zero bar.
	ts := time.Date(2024, 1, 8, 9, 30, 0, 0, time.UTC)
	fills := b.ProcessBar(bar(ts, "0.05", "0.06", "0.04", "0.05"))
	if len(fills) != 1 {
		t.Fatalf("expected 1 market fill, got %d", len(fills))
	}
	if fills[0].FillPrice.LessThan(minFillPrice) {
		t.Errorf("fill price %v below the minimum fill floor %v", fills[0].FillPrice, minFillPrice)
	}
}

func TestSimBroker_ForceCloseAtPriceClearsPositionAndPending(t *testing.T) {
	b := NewSimBroker(dec("100000"), decimal.Zero)
	ctx := context.Background()
	stop := dec("100")
	_, _ = b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideBuy, OrderType: domain.OrderTypeStop,
		Qty: dec("10"), StopPrice: &stop,
	})
	ts := time.Date(2024, 1, 8, 9, 30, 0, 0, time.UTC)
	b.ProcessBar(bar(ts, "101", "102", "100", "101.5"))
	b.SubmitStopSync("AAPL", dec("10"), dec("95"))

	closed, ok := b.ForceCloseAtPrice("AAPL", dec("103"), ts.Add(time.Hour))
	if !ok {
		t.Fatal("expected force-close to succeed on an open position")
	}
	if !closed.qty.Equal(dec("10")) {
		t.Errorf("closed position qty = %v, want 10", closed.qty)
	}
	if b.HasPosition("AAPL") {
		t.Error("expected no open position after force-close")
	}
	if len(b.pending) != 0 {
		t.Errorf("expected force-close to clear resting orders, got %d pending", len(b.pending))
	}
}
