package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"jax-trading-assistant/libs/contracts/domain"
	"jax-trading-assistant/libs/ordermanager"
	"jax-trading-assistant/libs/reconciler"
)

type fakeBroker struct {
	positions    []domain.Position
	openOrders   []domain.OrderStatus
	recentOrders []domain.OrderStatus
	byID         map[string]domain.OrderStatus

	fetchErr error
	canceled []string
	submitted []domain.OrderRequest
}

func (b *fakeBroker) Connect(context.Context) error    { return nil }
func (b *fakeBroker) Disconnect(context.Context) error { return nil }

func (b *fakeBroker) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderStatus, error) {
	b.submitted = append(b.submitted, req)
	return domain.OrderStatus{BrokerOrderID: "sim-" + req.Symbol, Symbol: req.Symbol, Side: req.Side, Qty: req.Qty}, nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	b.canceled = append(b.canceled, brokerOrderID)
	return nil
}

func (b *fakeBroker) ReplaceOrder(_ context.Context, brokerOrderID string, qty, limitPrice, stopPrice *decimal.Decimal) (domain.OrderStatus, error) {
	return domain.OrderStatus{BrokerOrderID: brokerOrderID}, nil
}

func (b *fakeBroker) GetOrderStatus(_ context.Context, brokerOrderID string) (domain.OrderStatus, error) {
	if s, ok := b.byID[brokerOrderID]; ok {
		return s, nil
	}
	return domain.OrderStatus{}, ordermanager.ErrOrderNotFound
}

func (b *fakeBroker) GetPositions(context.Context) ([]domain.Position, error) {
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.positions, nil
}
func (b *fakeBroker) GetAccount(context.Context) (domain.AccountInfo, error)  { return domain.AccountInfo{}, nil }

func (b *fakeBroker) GetOpenOrders(context.Context) ([]domain.OrderStatus, error) {
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.openOrders, nil
}

func (b *fakeBroker) GetRecentOrders(context.Context, int) ([]domain.OrderStatus, error) {
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.recentOrders, nil
}

func (b *fakeBroker) SubscribeTradeUpdates(context.Context) (<-chan domain.TradeUpdate, error) {
	return nil, nil
}

var _ domain.BrokerAdapter = (*fakeBroker)(nil)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReconcile_OrderMarkedFilledFromBroker(t *testing.T) {
	store := ordermanager.NewMemStore()
	ctx := context.Background()

	brokerID := "b-1"
	now := time.Now().UTC()
	local := domain.OrderRecord{
		LocalID: "local-1", BrokerID: &brokerID, CorrelationID: "corr-1", Symbol: "AAPL",
		Side: domain.SideBuy, OrderType: domain.OrderTypeStop, OrderRole: domain.RoleEntry,
		QtyRequested: dec("10"), State: domain.StateSubmitted, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, local); err != nil {
		t.Fatalf("setup: %v", err)
	}

	fillPrice := dec("150.25")
	broker := &fakeBroker{
		openOrders: []domain.OrderStatus{
			{BrokerOrderID: brokerID, Symbol: "AAPL", Status: domain.BrokerFilled, FilledQty: dec("10"), FilledAvgPrice: &fillPrice},
		},
	}
	mgr := ordermanager.New(broker, store)
	r := reconciler.New(broker, store, mgr, dec("0.02"))

	result, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OrdersReconciled != 1 {
		t.Errorf("expected 1 order reconciled, got %d", result.OrdersReconciled)
	}

	updated, err := store.GetByLocalID(ctx, "local-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if updated.State != domain.StateFilled {
		t.Errorf("expected state Filled, got %v", updated.State)
	}
}

func TestReconcile_StalePendingSubmitMarkedFailed(t *testing.T) {
	store := ordermanager.NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	local := domain.OrderRecord{
		LocalID: "local-2", CorrelationID: "corr-2", Symbol: "MSFT",
		Side: domain.SideBuy, OrderType: domain.OrderTypeStop, OrderRole: domain.RoleEntry,
		QtyRequested: dec("5"), State: domain.StatePendingSubmit, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, local); err != nil {
		t.Fatalf("setup: %v", err)
	}

	broker := &fakeBroker{}
	mgr := ordermanager.New(broker, store)
	r := reconciler.New(broker, store, mgr, dec("0.02"))

	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := store.GetByLocalID(ctx, "local-2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if updated.State != domain.StateSubmitFailed {
		t.Errorf("expected SubmitFailed for stale pending order, got %v", updated.State)
	}
}

func TestReconcile_OrphanOrderCanceled(t *testing.T) {
	store := ordermanager.NewMemStore()
	broker := &fakeBroker{
		openOrders: []domain.OrderStatus{
			{BrokerOrderID: "orphan-1", Symbol: "TSLA", Status: domain.BrokerAccepted},
		},
	}
	mgr := ordermanager.New(broker, store)
	r := reconciler.New(broker, store, mgr, dec("0.02"))

	result, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OrphanOrdersCanceled != 1 {
		t.Errorf("expected 1 orphan order canceled, got %d", result.OrphanOrdersCanceled)
	}
	if len(broker.canceled) != 1 || broker.canceled[0] != "orphan-1" {
		t.Errorf("expected broker cancel of orphan-1, got %v", broker.canceled)
	}
}

func TestReconcile_UnprotectedPositionGetsEmergencyStop(t *testing.T) {
	store := ordermanager.NewMemStore()
	broker := &fakeBroker{
		positions: []domain.Position{
			{Symbol: "NFLX", Qty: dec("20"), Side: domain.SideBuy, AvgEntryPrice: dec("500")},
		},
	}
	mgr := ordermanager.New(broker, store)
	r := reconciler.New(broker, store, mgr, dec("0.02"))

	result, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OrphansDetected != 1 {
		t.Errorf("expected 1 orphan position detected, got %d", result.OrphansDetected)
	}
	if result.EmergencyStopsPlaced != 1 {
		t.Errorf("expected 1 emergency stop placed, got %d", result.EmergencyStopsPlaced)
	}
	if len(broker.submitted) != 1 {
		t.Fatalf("expected exactly one broker stop submission, got %d", len(broker.submitted))
	}
	want := dec("500").Mul(dec("0.98"))
	got := broker.submitted[0].StopPrice
	if got == nil || !got.Equal(want) {
		t.Errorf("emergency stop price = %v, want %v", got, want)
	}
}

func TestReconcile_PositionWithExistingStopSkipsEmergency(t *testing.T) {
	store := ordermanager.NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	brokerID := "stop-1"
	stop := domain.OrderRecord{
		LocalID: "stop-local-1", BrokerID: &brokerID, CorrelationID: "corr-3", Symbol: "GOOG",
		Side: domain.SideSell, OrderType: domain.OrderTypeStop, OrderRole: domain.RoleStopLoss,
		QtyRequested: dec("15"), State: domain.StateSubmitted, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, stop); err != nil {
		t.Fatalf("setup: %v", err)
	}

	broker := &fakeBroker{
		positions: []domain.Position{
			{Symbol: "GOOG", Qty: dec("15"), Side: domain.SideBuy, AvgEntryPrice: dec("100")},
		},
	}
	mgr := ordermanager.New(broker, store)
	r := reconciler.New(broker, store, mgr, dec("0.02"))

	result, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.EmergencyStopsPlaced != 0 {
		t.Errorf("expected no emergency stop when one is already active, got %d", result.EmergencyStopsPlaced)
	}
}

func TestReconcile_InvalidPositionBoundsSkipped(t *testing.T) {
	store := ordermanager.NewMemStore()
	broker := &fakeBroker{
		positions: []domain.Position{
			{Symbol: "BADQTY", Qty: dec("-5"), Side: domain.SideBuy, AvgEntryPrice: dec("50")},
		},
	}
	mgr := ordermanager.New(broker, store)
	r := reconciler.New(broker, store, mgr, dec("0.02"))

	result, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Errors) == 0 {
		t.Error("expected an error recorded for an invalid position")
	}
	if result.EmergencyStopsPlaced != 0 {
		t.Errorf("expected no emergency stop for an invalid position, got %d", result.EmergencyStopsPlaced)
	}
}

func TestReconcile_FatalAfterRetriesExhausted(t *testing.T) {
	broker := &fakeBroker{fetchErr: errDown}
	store := ordermanager.NewMemStore()
	mgr := ordermanager.New(broker, store)
	r := reconciler.New(broker, store, mgr, dec("0.02"))

	_, err := r.Reconcile(context.Background())
	if err == nil {
		t.Fatal("expected a fatal error when broker state cannot be fetched")
	}
}

var errDown = &brokerDownError{}

type brokerDownError struct{}

func (e *brokerDownError) Error() string { return "broker unreachable" }
