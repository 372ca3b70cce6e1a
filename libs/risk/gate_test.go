package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"jax-trading-assistant/libs/contracts/domain"
	"jax-trading-assistant/libs/ordermanager"
	"jax-trading-assistant/libs/risk"
)

// fakeBroker implements domain.BrokerAdapter with a fixed account snapshot,
// enough surface for the risk gate's tests.
type fakeBroker struct {
	account domain.AccountInfo
}

func (f *fakeBroker) Connect(context.Context) error    { return nil }
func (f *fakeBroker) Disconnect(context.Context) error { return nil }

func (f *fakeBroker) SubmitOrder(context.Context, domain.OrderRequest) (domain.OrderStatus, error) {
	return domain.OrderStatus{}, nil
}
func (f *fakeBroker) CancelOrder(context.Context, string) error { return nil }
func (f *fakeBroker) ReplaceOrder(context.Context, string, *decimal.Decimal, *decimal.Decimal, *decimal.Decimal) (domain.OrderStatus, error) {
	return domain.OrderStatus{}, nil
}
func (f *fakeBroker) GetOrderStatus(context.Context, string) (domain.OrderStatus, error) {
	return domain.OrderStatus{}, nil
}

func (f *fakeBroker) GetPositions(context.Context) ([]domain.Position, error) { return nil, nil }
func (f *fakeBroker) GetAccount(context.Context) (domain.AccountInfo, error) {
	return f.account, nil
}
func (f *fakeBroker) GetOpenOrders(context.Context) ([]domain.OrderStatus, error) { return nil, nil }
func (f *fakeBroker) GetRecentOrders(context.Context, int) ([]domain.OrderStatus, error) {
	return nil, nil
}
func (f *fakeBroker) SubscribeTradeUpdates(context.Context) (<-chan domain.TradeUpdate, error) {
	return nil, nil
}

var _ domain.BrokerAdapter = (*fakeBroker)(nil)

func approvalSignal() domain.Signal {
	return domain.Signal{
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		EntryPrice:    dec("150"),
		StopLossPrice: dec("148"),
	}
}

// openEntry returns a non-terminal ENTRY OrderRecord, the shape Gate.Approve
// counts against max_open_positions.
func openEntry(localID string) domain.OrderRecord {
	return domain.OrderRecord{
		LocalID:   localID,
		Symbol:    "MSFT",
		OrderRole: domain.RoleEntry,
		State:     domain.StateAccepted,
	}
}

func TestGate_ApprovesWhenAllChecksPass(t *testing.T) {
	cfg := risk.DefaultConfig()
	broker := &fakeBroker{account: domain.AccountInfo{Equity: dec("100000"), BuyingPower: dec("200000")}}
	g := risk.NewGate(cfg, broker, ordermanager.NewMemStore())

	approval, err := g.Approve(context.Background(), approvalSignal())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approval.Approved {
		t.Fatalf("expected approval, got reason %q", approval.Reason)
	}
	if approval.Qty.LessThanOrEqual(decimal.Zero) {
		t.Errorf("expected a positive sized quantity, got %v", approval.Qty)
	}
}

func TestGate_RejectsAtMaxOpenPositions(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.MaxOpenPositions = 2
	broker := &fakeBroker{account: domain.AccountInfo{Equity: dec("100000"), BuyingPower: dec("200000")}}
	store := ordermanager.NewMemStore()
	ctx := context.Background()
	if err := store.Create(ctx, openEntry("a")); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, openEntry("b")); err != nil {
		t.Fatal(err)
	}
	g := risk.NewGate(cfg, broker, store)

	approval, err := g.Approve(ctx, approvalSignal())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if approval.Approved {
		t.Fatal("expected rejection at max open positions")
	}
}

func TestGate_RejectsWhenBreakerTripped(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.MaxDailyLossPct = dec("0.0001")
	broker := &fakeBroker{account: domain.AccountInfo{Equity: dec("100000"), BuyingPower: dec("200000")}}
	g := risk.NewGate(cfg, broker, ordermanager.NewMemStore())

	g.Breaker().ResetDaily(time.Now(), dec("100000"))
	g.Breaker().RecordTrade(dec("-50"))

	approval, err := g.Approve(context.Background(), approvalSignal())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if approval.Approved {
		t.Fatal("expected rejection when the circuit breaker has tripped")
	}
}
