// Package ordermanager is the async lifecycle orchestrator: submit, track
// fills, manage stop-losses, handle exits, and create trade records. Every
// transition is validated through libs/statemachine and persisted with its
// audit event as one atomic unit.
package ordermanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"jax-trading-assistant/libs/contracts/domain"
	"jax-trading-assistant/libs/observability"
	clockctx "jax-trading-assistant/libs/testing"
)

const (
	stopRetryMax   = 3
	stopRetryDelay = time.Second
	cancelConfirmTimeout = 5 * time.Second
)

// Manager is the async lifecycle manager for orders. One instance is
// shared by the engine; its cross-goroutine state (the cancel-confirm
// gates and the per-order candle counts) is guarded by its own mutex.
type Manager struct {
	broker domain.BrokerAdapter
	store  Store

	mu            sync.Mutex
	cancelGates   map[string]chan struct{}
	candleCounts  map[string]int
}

// New constructs a Manager driving the given broker and persisted through
// the given Store.
func New(broker domain.BrokerAdapter, store Store) *Manager {
	return &Manager{
		broker:       broker,
		store:        store,
		cancelGates:  make(map[string]chan struct{}),
		candleCounts: make(map[string]int),
	}
}

// SubmitResult is the outcome of a submit call.
type SubmitResult struct {
	LocalID       string
	CorrelationID string
	State         domain.OrderState
	Error         string
}

// SubmitEntry creates an entry OrderRecord in PENDING_SUBMIT, submits it to
// the broker, and transitions to SUBMITTED (or SUBMIT_FAILED on error).
func (m *Manager) SubmitEntry(ctx context.Context, sig domain.Signal, approval domain.RiskApproval) (SubmitResult, error) {
	localID := uuid.NewString()
	correlationID := uuid.NewString()
	now := clockctx.Now(ctx)

	strategy := sig.StrategyName
	order := domain.OrderRecord{
		LocalID:       localID,
		CorrelationID: correlationID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		OrderType:     sig.OrderType,
		OrderRole:     domain.RoleEntry,
		Strategy:      &strategy,
		QtyRequested:  approval.Qty,
		State:         domain.StatePendingSubmit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.Create(ctx, order); err != nil {
		return SubmitResult{}, err
	}

	observability.LogEvent(ctx, "info", "order_submitted", map[string]any{
		"symbol": sig.Symbol, "local_id": localID, "role": "entry",
		"qty": approval.Qty.String(), "price": sig.EntryPrice.String(),
	})

	status, err := m.broker.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Qty:         approval.Qty,
		OrderType:   sig.OrderType,
		StopPrice:   decimalPtr(sig.EntryPrice),
		TimeInForce: domain.TIFDay,
	})
	if err != nil {
		_ = m.transition(ctx, localID, domain.StateSubmitFailed, TransitionPatch{
			EventType: "submit_failed", Detail: err.Error(),
		})
		return SubmitResult{LocalID: localID, CorrelationID: correlationID, State: domain.StateSubmitFailed, Error: err.Error()}, nil
	}

	if err := m.transition(ctx, localID, domain.StateSubmitted, TransitionPatch{
		EventType: "submitted", BrokerID: &status.BrokerOrderID,
	}); err != nil {
		return SubmitResult{}, err
	}

	m.mu.Lock()
	m.candleCounts[localID] = 0
	m.mu.Unlock()

	return SubmitResult{LocalID: localID, CorrelationID: correlationID, State: domain.StateSubmitted}, nil
}

// SubmitStopLoss submits a stop-loss linked to a filled entry, via the
// shared protective-stop operation.
func (m *Manager) SubmitStopLoss(ctx context.Context, correlationID, symbol string, qty, stopPrice decimal.Decimal, parentLocalID, strategyName string) (SubmitResult, error) {
	return m.PlaceProtectiveStop(ctx, ProtectiveStopRequest{
		CorrelationID: correlationID,
		Symbol:        symbol,
		Qty:           qty,
		StopPrice:     stopPrice,
		ParentLocalID: &parentLocalID,
		Strategy:      strategyName,
		EventName:     "stop_fallback_market_sell",
	})
}

// ProtectiveStopRequest parameterizes PlaceProtectiveStop for both the
// order manager's post-fill stop and the reconciler's emergency stop —
// they differ only in correlation/parent linkage, never in retry/fallback
// behavior.
type ProtectiveStopRequest struct {
	CorrelationID string
	Symbol        string
	Qty           decimal.Decimal
	StopPrice     decimal.Decimal
	ParentLocalID *string
	Strategy      string
	// EventName labels the CRITICAL log emitted if every retry fails and
	// the market-sell fallback fires ("stop_fallback_market_sell" for a
	// post-fill stop, "emergency_stop_fallback_market_sell" for a
	// reconciler-placed one).
	EventName string
}

// PlaceProtectiveStop submits a GTC stop-loss order, retrying up to
// stopRetryMax times with stopRetryDelay between attempts, and falls back
// to an immediate market sell if every attempt fails. This is the single
// "place protective stop" operation shared by the order manager's post-fill
// stop and the reconciler's emergency stop — both carry the same unlimited-
// downside risk if they silently give up.
func (m *Manager) PlaceProtectiveStop(ctx context.Context, req ProtectiveStopRequest) (SubmitResult, error) {
	localID := uuid.NewString()
	now := clockctx.Now(ctx)
	strategy := req.Strategy

	order := domain.OrderRecord{
		LocalID:       localID,
		CorrelationID: req.CorrelationID,
		Symbol:        req.Symbol,
		Side:          domain.SideSell,
		OrderType:     domain.OrderTypeStop,
		OrderRole:     domain.RoleStopLoss,
		Strategy:      &strategy,
		QtyRequested:  req.Qty,
		ParentID:      req.ParentLocalID,
		StopPrice:     &req.StopPrice,
		State:         domain.StatePendingSubmit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.Create(ctx, order); err != nil {
		return SubmitResult{}, err
	}

	var lastErr error
	for attempt := 0; attempt < stopRetryMax; attempt++ {
		status, err := m.broker.SubmitOrder(ctx, domain.OrderRequest{
			Symbol: req.Symbol, Side: domain.SideSell, Qty: req.Qty,
			OrderType: domain.OrderTypeStop, StopPrice: &req.StopPrice, TimeInForce: domain.TIFGTC,
		})
		if err == nil {
			if err := m.transition(ctx, localID, domain.StateSubmitted, TransitionPatch{
				EventType: "submitted", BrokerID: &status.BrokerOrderID,
			}); err != nil {
				return SubmitResult{}, err
			}
			observability.LogEvent(ctx, "info", "order_submitted", map[string]any{
				"symbol": req.Symbol, "local_id": localID, "role": "stop_loss",
				"qty": req.Qty.String(), "price": req.StopPrice.String(),
			})
			return SubmitResult{LocalID: localID, CorrelationID: req.CorrelationID, State: domain.StateSubmitted}, nil
		}
		lastErr = err
		if attempt < stopRetryMax-1 {
			select {
			case <-time.After(stopRetryDelay):
			case <-ctx.Done():
				return SubmitResult{}, ctx.Err()
			}
		}
	}

	eventName := req.EventName
	if eventName == "" {
		eventName = "stop_fallback_market_sell"
	}
	observability.LogEvent(ctx, "critical", eventName, map[string]any{
		"symbol": req.Symbol, "qty": req.Qty.String(), "error": lastErr.Error(),
	})
	_ = m.transition(ctx, localID, domain.StateSubmitFailed, TransitionPatch{
		EventType: "submit_failed", Detail: lastErr.Error(),
	})
	m.submitMarketExit(ctx, req.Symbol, req.CorrelationID, req.Qty)

	return SubmitResult{LocalID: localID, CorrelationID: req.CorrelationID, State: domain.StateSubmitFailed, Error: lastErr.Error()}, nil
}

// HandleTradeUpdate dispatches one broker trade-update event by type.
func (m *Manager) HandleTradeUpdate(ctx context.Context, update domain.TradeUpdate) error {
	order, err := m.store.GetByBrokerID(ctx, update.OrderID)
	if err != nil {
		observability.LogEvent(ctx, "warn", "unknown_order_update", map[string]any{
			"broker_order_id": update.OrderID, "event_type": string(update.Event),
		})
		return nil
	}

	switch update.Event {
	case domain.EventFill:
		m.handleFill(ctx, order, update)
	case domain.EventPartialFill:
		m.handlePartialFill(ctx, order, update)
	case domain.EventCanceled:
		m.handleCanceled(ctx, order)
	case domain.EventRejected:
		_ = m.transition(ctx, order.LocalID, domain.StateRejected, TransitionPatch{EventType: "rejected"})
	case domain.EventExpired:
		_ = m.transition(ctx, order.LocalID, domain.StateExpired, TransitionPatch{EventType: "expired"})
	case domain.EventNew:
		_ = m.transition(ctx, order.LocalID, domain.StateSubmitted, TransitionPatch{EventType: "new"})
	case domain.EventAccepted:
		_ = m.transition(ctx, order.LocalID, domain.StateAccepted, TransitionPatch{EventType: "accepted"})
	case domain.EventReplaced:
		newBrokerID := update.OrderID
		_ = m.store.Transition(ctx, order.LocalID, order.State, TransitionPatch{EventType: "replaced", BrokerID: &newBrokerID})
	}

	if update.Event == domain.EventCanceled || update.Event == domain.EventFill {
		m.mu.Lock()
		if gate, ok := m.cancelGates[update.OrderID]; ok {
			close(gate)
			delete(m.cancelGates, update.OrderID)
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) handleFill(ctx context.Context, order domain.OrderRecord, update domain.TradeUpdate) {
	_ = m.transition(ctx, order.LocalID, domain.StateFilled, TransitionPatch{
		EventType: "fill", QtyFilled: &update.FilledQty, FillPrice: update.FilledAvgPrice,
	})
	observability.LogEvent(ctx, "info", "order_filled", map[string]any{
		"symbol": order.Symbol, "local_id": order.LocalID, "qty": update.FilledQty.String(),
	})

	switch order.OrderRole {
	case domain.RoleEntry:
		m.mu.Lock()
		delete(m.candleCounts, order.LocalID)
		m.mu.Unlock()
		// Stop-loss submission is driven by the caller (the strategy/engine
		// loop), which already knows the strategy's stop price. SubmitEntry's
		// fill does not autonomously submit one, to avoid duplicate orders.
	case domain.RoleStopLoss, domain.RoleExitMarket:
		m.createTradeRecord(ctx, order.CorrelationID)
	}
}

func (m *Manager) handlePartialFill(ctx context.Context, order domain.OrderRecord, update domain.TradeUpdate) {
	_ = m.transition(ctx, order.LocalID, domain.StatePartiallyFilled, TransitionPatch{
		EventType: "partial_fill", QtyFilled: &update.FilledQty, FillPrice: update.FilledAvgPrice,
	})
	if order.OrderRole != domain.RoleEntry {
		return
	}
	existing, err := m.store.FindActiveStop(ctx, order.CorrelationID)
	if err != nil || existing.BrokerID == nil {
		return
	}
	if _, err := m.broker.ReplaceOrder(ctx, *existing.BrokerID, &update.FilledQty, nil, nil); err != nil {
		observability.LogEvent(ctx, "error", "stop_qty_update_failed", map[string]any{"broker_id": *existing.BrokerID})
	}
}

func (m *Manager) handleCanceled(ctx context.Context, order domain.OrderRecord) {
	_ = m.transition(ctx, order.LocalID, domain.StateCanceled, TransitionPatch{EventType: "canceled"})
	observability.LogEvent(ctx, "info", "order_canceled", map[string]any{
		"symbol": order.Symbol, "local_id": order.LocalID, "reason": "broker_canceled",
	})

	if order.OrderRole != domain.RoleEntry {
		return
	}
	m.mu.Lock()
	delete(m.candleCounts, order.LocalID)
	m.mu.Unlock()

	refreshed, err := m.store.GetByLocalID(ctx, order.LocalID)
	if err == nil && refreshed.QtyFilled.GreaterThan(decimal.Zero) {
		if stop, err := m.store.FindActiveStop(ctx, order.CorrelationID); err == nil && stop.BrokerID != nil {
			if err := m.broker.CancelOrder(ctx, *stop.BrokerID); err != nil {
				observability.LogEvent(ctx, "error", "stop_cancel_failed", map[string]any{"local_id": stop.LocalID})
			}
		}
		m.submitMarketExit(ctx, refreshed.Symbol, refreshed.CorrelationID, refreshed.QtyFilled)
	}
}

// CancelPendingEntry cancels an unfilled entry order (buy-stop expiry).
func (m *Manager) CancelPendingEntry(ctx context.Context, localID string) error {
	order, err := m.store.GetByLocalID(ctx, localID)
	if err != nil || order.BrokerID == nil || order.State.Terminal() {
		return nil
	}
	if err := m.broker.CancelOrder(ctx, *order.BrokerID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.candleCounts, localID)
	m.mu.Unlock()
	observability.LogEvent(ctx, "info", "order_canceled", map[string]any{
		"symbol": order.Symbol, "local_id": localID, "reason": "entry_expiry",
	})
	return nil
}

// RequestExit cancels the active stop, waits (bounded) for broker
// confirmation via the cancel-confirm gate, then sells at market if a
// position remains.
func (m *Manager) RequestExit(ctx context.Context, symbol, correlationID string) error {
	stop, err := m.store.FindActiveStop(ctx, correlationID)
	if err != nil || stop.BrokerID == nil {
		return nil
	}

	gate := make(chan struct{})
	m.mu.Lock()
	m.cancelGates[*stop.BrokerID] = gate
	m.mu.Unlock()

	if err := m.broker.CancelOrder(ctx, *stop.BrokerID); err != nil {
		m.mu.Lock()
		delete(m.cancelGates, *stop.BrokerID)
		m.mu.Unlock()
		return err
	}
	observability.LogEvent(ctx, "info", "stop_cancel_requested", map[string]any{"broker_id": *stop.BrokerID})

	select {
	case <-gate:
	case <-time.After(cancelConfirmTimeout):
		observability.LogEvent(ctx, "warn", "stop_cancel_timeout", map[string]any{"broker_id": *stop.BrokerID})
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	delete(m.cancelGates, *stop.BrokerID)
	m.mu.Unlock()

	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Qty.GreaterThan(decimal.Zero) {
			m.submitMarketExit(ctx, symbol, correlationID, p.Qty)
			break
		}
	}
	return nil
}

// UpdateStopLoss moves an active stop-loss to a new price via replace.
func (m *Manager) UpdateStopLoss(ctx context.Context, correlationID string, newStopPrice decimal.Decimal) error {
	stop, err := m.store.FindActiveStop(ctx, correlationID)
	if err != nil || stop.BrokerID == nil {
		return nil
	}
	status, err := m.broker.ReplaceOrder(ctx, *stop.BrokerID, nil, nil, &newStopPrice)
	if err != nil {
		observability.LogEvent(ctx, "error", "stop_replace_failed", map[string]any{"broker_id": *stop.BrokerID})
		return nil
	}
	if status.BrokerOrderID != *stop.BrokerID {
		newID := status.BrokerOrderID
		_ = m.store.Transition(ctx, stop.LocalID, stop.State, TransitionPatch{EventType: "replaced", BrokerID: &newID})
	}
	observability.LogEvent(ctx, "info", "stop_moved", map[string]any{
		"symbol": stop.Symbol, "new_price": newStopPrice.String(),
	})
	return nil
}

// OnCandle increments the pending-entry candle counters for one symbol.
func (m *Manager) OnCandle(ctx context.Context, symbol string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.candleCounts))
	for id := range m.candleCounts {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, localID := range ids {
		order, err := m.store.GetByLocalID(ctx, localID)
		if err != nil {
			m.mu.Lock()
			delete(m.candleCounts, localID)
			m.mu.Unlock()
			continue
		}
		if order.Symbol != symbol {
			continue
		}
		if order.State.Terminal() {
			m.mu.Lock()
			delete(m.candleCounts, localID)
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		m.candleCounts[localID]++
		m.mu.Unlock()
	}
}

// CandlesSinceOrder returns the candle count tracked for a pending entry.
func (m *Manager) CandlesSinceOrder(localID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candleCounts[localID]
}

// CancelAllPending cancels every non-terminal entry order. Called on
// startup, after reconciliation.
func (m *Manager) CancelAllPending(ctx context.Context) error {
	orders, err := m.store.ListNonTerminalEntries(ctx)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if order.BrokerID == nil {
			continue
		}
		if err := m.broker.CancelOrder(ctx, *order.BrokerID); err != nil {
			observability.LogEvent(ctx, "error", "cancel_pending_failed", map[string]any{"local_id": order.LocalID})
		}
	}
	m.mu.Lock()
	m.candleCounts = make(map[string]int)
	m.mu.Unlock()
	return nil
}

func (m *Manager) submitMarketExit(ctx context.Context, symbol, correlationID string, qty decimal.Decimal) {
	localID := uuid.NewString()
	now := clockctx.Now(ctx)
	order := domain.OrderRecord{
		LocalID: localID, CorrelationID: correlationID, Symbol: symbol,
		Side: domain.SideSell, OrderType: domain.OrderTypeMarket, OrderRole: domain.RoleExitMarket,
		QtyRequested: qty, State: domain.StatePendingSubmit, CreatedAt: now, UpdatedAt: now,
	}
	if err := m.store.Create(ctx, order); err != nil {
		return
	}

	status, err := m.broker.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: symbol, Side: domain.SideSell, Qty: qty, OrderType: domain.OrderTypeMarket,
	})
	if err != nil {
		_ = m.transition(ctx, localID, domain.StateSubmitFailed, TransitionPatch{EventType: "submit_failed", Detail: err.Error()})
		return
	}
	_ = m.transition(ctx, localID, domain.StateSubmitted, TransitionPatch{EventType: "submitted", BrokerID: &status.BrokerOrderID})
}

func (m *Manager) createTradeRecord(ctx context.Context, correlationID string) {
	filled, err := m.store.FindFilledOrders(ctx, correlationID)
	if err != nil {
		return
	}

	var entry, exit *domain.OrderRecord
	for i := range filled {
		o := filled[i]
		switch o.OrderRole {
		case domain.RoleEntry:
			entry = &o
		case domain.RoleStopLoss, domain.RoleExitMarket:
			exit = &o
		}
	}
	if entry == nil || exit == nil || entry.AvgFillPrice == nil || exit.AvgFillPrice == nil {
		return
	}

	entryPrice, exitPrice, qty := *entry.AvgFillPrice, *exit.AvgFillPrice, entry.QtyFilled
	var pnl decimal.Decimal
	var side domain.TradeSide
	if entry.Side == domain.SideBuy {
		pnl = exitPrice.Sub(entryPrice).Mul(qty)
		side = domain.TradeLong
	} else {
		pnl = entryPrice.Sub(exitPrice).Mul(qty)
		side = domain.TradeShort
	}

	positionCost := entryPrice.Mul(qty)
	pnlPct := decimal.Zero
	if positionCost.GreaterThan(decimal.Zero) {
		pnlPct = pnl.Div(positionCost)
	}

	duration := int64(exit.UpdatedAt.Sub(entry.UpdatedAt).Seconds())
	strategy := "unknown"
	if entry.Strategy != nil {
		strategy = *entry.Strategy
	}

	trade := domain.TradeRecord{
		TradeID: uuid.NewString(), CorrelationID: correlationID, Symbol: entry.Symbol,
		Side: side, Qty: qty, EntryPrice: entryPrice, ExitPrice: exitPrice,
		EntryAt: entry.UpdatedAt, ExitAt: exit.UpdatedAt, PnL: pnl, PnLPct: pnlPct,
		Strategy: strategy, DurationSeconds: duration, Commission: decimal.Zero,
	}
	if err := m.store.CreateTrade(ctx, trade); err != nil {
		return
	}
	observability.LogEvent(ctx, "info", "trade_closed", map[string]any{
		"symbol": entry.Symbol, "pnl": pnl.String(), "pnl_pct": pnlPct.String(), "duration": duration,
	})
}

func (m *Manager) transition(ctx context.Context, localID string, newState domain.OrderState, patch TransitionPatch) error {
	if err := m.store.Transition(ctx, localID, newState, patch); err != nil {
		observability.LogEvent(ctx, "warn", "invalid_transition", map[string]any{
			"local_id": localID, "to_state": string(newState), "error": err.Error(),
		})
		return fmt.Errorf("ordermanager: transition %s: %w", localID, err)
	}
	return nil
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
