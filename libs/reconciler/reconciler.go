// Package reconciler runs once at startup, before any live trading, to
// correct local order state against broker truth and protect any open
// position that lacks an active stop-loss. An unprotected position has
// unlimited downside risk, so this phase is treated as safety-critical.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"jax-trading-assistant/libs/contracts/domain"
	"jax-trading-assistant/libs/observability"
	"jax-trading-assistant/libs/ordermanager"
)

const (
	fetchRetryMax     = 3
	fetchRetryBase    = time.Second
	brokerCallTimeout = 10 * time.Second

	maxPositionShares = 100_000
)

var maxEquityPrice = decimal.RequireFromString("1000000")

// statusMap maps a broker-reported order status to the local OrderState it
// implies. A present-but-nil value means the broker status is transient
// and implies no local change.
var statusMap = map[domain.BrokerOrderStatus]*domain.OrderState{
	domain.BrokerNew:             statePtr(domain.StateSubmitted),
	domain.BrokerAccepted:        statePtr(domain.StateAccepted),
	domain.BrokerFilled:          statePtr(domain.StateFilled),
	domain.BrokerPartiallyFilled: statePtr(domain.StatePartiallyFilled),
	domain.BrokerCanceled:        statePtr(domain.StateCanceled),
	domain.BrokerExpired:         statePtr(domain.StateExpired),
	domain.BrokerRejected:        statePtr(domain.StateRejected),
	domain.BrokerPendingCancel:   nil,
	domain.BrokerReplaced:        nil,
}

func statePtr(s domain.OrderState) *domain.OrderState { return &s }

// mapBrokerStatus maps a broker status to the OrderState it implies, or
// nil for a transient status. The second return is false for a status this
// reconciler has never seen, which is fatal — unreconciled state is unsafe
// to trade against.
func mapBrokerStatus(status domain.BrokerOrderStatus) (*domain.OrderState, bool) {
	mapped, ok := statusMap[status]
	return mapped, ok
}

// Result is the structured outcome of one reconciliation pass.
type Result struct {
	OrdersReconciled     int
	OrphansDetected      int
	OrphanOrdersCanceled int
	EmergencyStopsPlaced int
	Errors               []string
}

// Reconciler reconciles local order state against the broker on startup.
type Reconciler struct {
	broker           domain.BrokerAdapter
	store            ordermanager.Store
	orders           *ordermanager.Manager
	emergencyStopPct decimal.Decimal
}

// New constructs a Reconciler. emergencyStopPct is the fractional discount
// below average entry price used for a position found with no stop.
func New(broker domain.BrokerAdapter, store ordermanager.Store, orders *ordermanager.Manager, emergencyStopPct decimal.Decimal) *Reconciler {
	return &Reconciler{broker: broker, store: store, orders: orders, emergencyStopPct: emergencyStopPct}
}

// Reconcile runs the full reconciliation pass. It returns
// *domain.ReconciliationFatal if the broker state fetch fails after
// retries — startup must abort rather than trade against stale/unknown
// state.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	positions, openOrders, recentOrders, err := r.fetchBrokerState(ctx)
	if err != nil {
		return Result{}, err
	}

	brokerOrderMap := make(map[string]domain.OrderStatus, len(openOrders)+len(recentOrders))
	for _, o := range openOrders {
		brokerOrderMap[o.BrokerOrderID] = o
	}
	for _, o := range recentOrders {
		brokerOrderMap[o.BrokerOrderID] = o
	}

	localNonTerminal, err := r.store.ListNonTerminal(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reconciler: list local orders: %w", err)
	}

	var errs []string
	localBrokerIDs := make(map[string]bool)
	for _, lo := range localNonTerminal {
		if lo.BrokerID != nil {
			localBrokerIDs[*lo.BrokerID] = true
		}
	}

	ordersReconciled := r.reconcileOrders(ctx, localNonTerminal, brokerOrderMap, &errs)
	orphanCanceled := r.cancelOrphanOrders(ctx, openOrders, localBrokerIDs, &errs)
	orphansDetected, emergencyStops := r.reconcilePositions(ctx, positions, &errs)

	result := Result{
		OrdersReconciled:     ordersReconciled,
		OrphansDetected:      orphansDetected,
		OrphanOrdersCanceled: orphanCanceled,
		EmergencyStopsPlaced: emergencyStops,
		Errors:               errs,
	}

	observability.LogEvent(ctx, "info", "reconciliation_complete", map[string]any{
		"orders_reconciled":      result.OrdersReconciled,
		"orphans_detected":       result.OrphansDetected,
		"orphan_orders_canceled": result.OrphanOrdersCanceled,
		"emergency_stops_placed": result.EmergencyStopsPlaced,
		"error_count":            len(result.Errors),
	})

	return result, nil
}

func (r *Reconciler) fetchBrokerState(ctx context.Context) ([]domain.Position, []domain.OrderStatus, []domain.OrderStatus, error) {
	var lastErr error
	for attempt := 0; attempt < fetchRetryMax; attempt++ {
		positions, openOrders, recentOrders, err := r.fetchOnce(ctx)
		if err == nil {
			return positions, openOrders, recentOrders, nil
		}
		lastErr = err
		observability.LogEvent(ctx, "warn", "broker_fetch_failed", map[string]any{
			"attempt": attempt + 1, "error": err.Error(),
		})
		if attempt < fetchRetryMax-1 {
			backoff := fetchRetryBase * time.Duration(1<<attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, nil, nil, ctx.Err()
			}
		}
	}
	return nil, nil, nil, &domain.ReconciliationFatal{
		Phase: "fetch_broker_state",
		Cause: fmt.Errorf("broker state fetch failed after %d attempts: %w", fetchRetryMax, lastErr),
	}
}

// fetchOnce pulls positions, open orders, and recent orders from the broker
// concurrently — each call gets its own timeout budget off the parent ctx,
// so one slow endpoint can't eat into another's. The group cancels every
// in-flight call as soon as any one of them fails.
func (r *Reconciler) fetchOnce(ctx context.Context) ([]domain.Position, []domain.OrderStatus, []domain.OrderStatus, error) {
	g, gctx := errgroup.WithContext(ctx)

	var positions []domain.Position
	var openOrders, recentOrders []domain.OrderStatus

	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, brokerCallTimeout)
		defer cancel()
		var err error
		positions, err = r.broker.GetPositions(callCtx)
		return err
	})
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, brokerCallTimeout)
		defer cancel()
		var err error
		openOrders, err = r.broker.GetOpenOrders(callCtx)
		return err
	})
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, brokerCallTimeout)
		defer cancel()
		var err error
		recentOrders, err = r.broker.GetRecentOrders(callCtx, 24)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return positions, openOrders, recentOrders, nil
}

func (r *Reconciler) reconcileOrders(ctx context.Context, local []domain.OrderRecord, brokerOrderMap map[string]domain.OrderStatus, errs *[]string) int {
	reconciled := 0
	for _, lo := range local {
		if lo.BrokerID == nil {
			if lo.State == domain.StatePendingSubmit {
				r.forceTransitionStale(ctx, lo)
				reconciled++
			}
			continue
		}

		brokerOrder, ok := brokerOrderMap[*lo.BrokerID]
		if !ok {
			callCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
			fetched, err := r.broker.GetOrderStatus(callCtx, *lo.BrokerID)
			cancel()
			if err != nil {
				msg := fmt.Sprintf("individual lookup failed for broker_id=%s: %v", *lo.BrokerID, err)
				observability.LogEvent(ctx, "warn", "broker_order_not_found", map[string]any{"detail": msg})
				*errs = append(*errs, msg)
				continue
			}
			brokerOrder = fetched
		}

		mappedState, known := mapBrokerStatus(brokerOrder.Status)
		if !known {
			*errs = append(*errs, fmt.Sprintf("unknown broker status %q for local_id=%s", brokerOrder.Status, lo.LocalID))
			continue
		}
		if mappedState == nil || *mappedState == lo.State {
			continue
		}

		r.forceTransition(ctx, lo, *mappedState, brokerOrder, errs)
		reconciled++
	}
	return reconciled
}

func (r *Reconciler) cancelOrphanOrders(ctx context.Context, openOrders []domain.OrderStatus, localBrokerIDs map[string]bool, errs *[]string) int {
	canceled := 0
	for _, bo := range openOrders {
		if localBrokerIDs[bo.BrokerOrderID] {
			continue
		}
		if err := r.broker.CancelOrder(ctx, bo.BrokerOrderID); err != nil {
			msg := fmt.Sprintf("failed to cancel orphan broker order %s: %v", bo.BrokerOrderID, err)
			observability.LogEvent(ctx, "warn", "orphan_cancel_failed", map[string]any{"detail": msg})
			*errs = append(*errs, msg)
			continue
		}
		observability.LogEvent(ctx, "warn", "orphan_broker_order_canceled", map[string]any{
			"broker_order_id": bo.BrokerOrderID, "symbol": bo.Symbol,
		})
		canceled++
	}
	return canceled
}

func (r *Reconciler) reconcilePositions(ctx context.Context, positions []domain.Position, errs *[]string) (orphans, emergencyStops int) {
	for _, pos := range positions {
		if !r.validatePosition(ctx, pos, errs) {
			continue
		}

		hasLocal, _ := r.store.HasFilledEntry(ctx, pos.Symbol)
		if !hasLocal {
			if r.createOrphanRecord(ctx, pos, errs) {
				orphans++
			}
		}

		hasStop, _ := r.store.HasActiveStopForSymbol(ctx, pos.Symbol)
		if !hasStop {
			if r.placeEmergencyStop(ctx, pos, errs) {
				emergencyStops++
			}
		}
	}
	return orphans, emergencyStops
}

func (r *Reconciler) validatePosition(ctx context.Context, pos domain.Position, errs *[]string) bool {
	if pos.Qty.LessThanOrEqual(decimal.Zero) || pos.Qty.GreaterThan(decimal.NewFromInt(maxPositionShares)) {
		msg := fmt.Sprintf("invalid position qty for %s: %s (bounds: 0 < qty <= %d)", pos.Symbol, pos.Qty, maxPositionShares)
		observability.LogEvent(ctx, "critical", "invalid_broker_position", map[string]any{"detail": msg})
		*errs = append(*errs, msg)
		return false
	}
	if pos.AvgEntryPrice.LessThanOrEqual(decimal.Zero) || pos.AvgEntryPrice.GreaterThan(maxEquityPrice) {
		msg := fmt.Sprintf("invalid avg_entry_price for %s: %s", pos.Symbol, pos.AvgEntryPrice)
		observability.LogEvent(ctx, "critical", "invalid_broker_position", map[string]any{"detail": msg})
		*errs = append(*errs, msg)
		return false
	}
	return true
}

func (r *Reconciler) createOrphanRecord(ctx context.Context, pos domain.Position, errs *[]string) bool {
	today := time.Now().UTC().Format("20060102")
	correlationID := fmt.Sprintf("orphan-%s-%s", pos.Symbol, today)

	if exists, _ := r.store.HasFilledOrphan(ctx, correlationID); exists {
		return false
	}

	now := time.Now().UTC()
	strategy := "unknown"
	localID := uuid.NewString()
	order := domain.OrderRecord{
		LocalID: localID, CorrelationID: correlationID, Symbol: pos.Symbol,
		Side: pos.Side, OrderType: domain.OrderTypeMarket, OrderRole: domain.RoleEntry,
		Strategy: &strategy, QtyRequested: pos.Qty, QtyFilled: pos.Qty,
		AvgFillPrice: &pos.AvgEntryPrice, State: domain.StateFilled,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := r.store.Create(ctx, order); err != nil {
		*errs = append(*errs, err.Error())
		return false
	}

	observability.LogEvent(ctx, "warn", "orphan_position_detected", map[string]any{
		"symbol": pos.Symbol, "qty": pos.Qty.String(), "avg_entry_price": pos.AvgEntryPrice.String(),
		"correlation_id": correlationID,
	})
	return true
}

func (r *Reconciler) forceTransition(ctx context.Context, local domain.OrderRecord, newState domain.OrderState, brokerOrder domain.OrderStatus, errs *[]string) {
	fillPrice := brokerOrder.FilledAvgPrice
	if newState == domain.StateFilled && fillPrice == nil {
		msg := fmt.Sprintf("broker reports FILLED with NULL avg_fill_price for local_id=%s, broker_id=%s", local.LocalID, strDeref(local.BrokerID))
		observability.LogEvent(ctx, "critical", "null_fill_price", map[string]any{"detail": msg})
		*errs = append(*errs, msg)
	}

	patch := ordermanager.TransitionPatch{
		EventType: "reconciled",
		BrokerID:  local.BrokerID,
		Detail:    fmt.Sprintf("old=%s, broker=%s", local.State, brokerOrder.Status),
		FillPrice: fillPrice,
	}
	if brokerOrder.FilledQty.GreaterThan(decimal.Zero) {
		patch.QtyFilled = &brokerOrder.FilledQty
	}

	if err := r.store.ForceTransition(ctx, local.LocalID, newState, patch); err != nil {
		*errs = append(*errs, err.Error())
		return
	}
	observability.LogEvent(ctx, "info", "order_reconciled", map[string]any{
		"local_id": local.LocalID, "old_state": string(local.State), "new_state": string(newState),
		"broker_status": string(brokerOrder.Status),
	})
}

func (r *Reconciler) forceTransitionStale(ctx context.Context, local domain.OrderRecord) {
	_ = r.store.ForceTransition(ctx, local.LocalID, domain.StateSubmitFailed, ordermanager.TransitionPatch{
		EventType: "reconciled", Detail: "no_broker_id_on_startup",
	})
	observability.LogEvent(ctx, "info", "stale_order_cleared", map[string]any{"local_id": local.LocalID})
}

// placeEmergencyStop places a protective stop for a position found with no
// active stop-loss, via the shared PlaceProtectiveStop operation.
func (r *Reconciler) placeEmergencyStop(ctx context.Context, pos domain.Position, errs *[]string) bool {
	if pos.AvgEntryPrice.LessThanOrEqual(decimal.Zero) {
		msg := fmt.Sprintf("cannot place emergency stop for %s: avg_entry_price=%s", pos.Symbol, pos.AvgEntryPrice)
		observability.LogEvent(ctx, "critical", "emergency_stop_skipped", map[string]any{"detail": msg})
		*errs = append(*errs, msg)
		return false
	}

	discount := decimal.NewFromInt(1).Sub(r.emergencyStopPct)
	emergencyPrice := pos.AvgEntryPrice.Mul(discount).Round(2)
	if emergencyPrice.LessThanOrEqual(decimal.Zero) {
		msg := fmt.Sprintf("computed emergency stop price <= 0 for %s: price=%s", pos.Symbol, emergencyPrice)
		observability.LogEvent(ctx, "critical", "emergency_stop_skipped", map[string]any{"detail": msg})
		*errs = append(*errs, msg)
		return false
	}

	correlationID, found, _ := r.store.CorrelationForSymbol(ctx, pos.Symbol)
	if !found {
		correlationID = fmt.Sprintf("orphan-%s-%s", pos.Symbol, time.Now().UTC().Format("20060102"))
	}

	result, err := r.orders.PlaceProtectiveStop(ctx, ordermanager.ProtectiveStopRequest{
		CorrelationID: correlationID,
		Symbol:        pos.Symbol,
		Qty:           pos.Qty,
		StopPrice:     emergencyPrice,
		Strategy:      "unknown",
		EventName:     "emergency_stop_fallback_market_sell",
	})
	if err != nil {
		*errs = append(*errs, err.Error())
		return false
	}
	if result.State == domain.StateSubmitFailed {
		*errs = append(*errs, fmt.Sprintf("emergency stop failed for %s, attempted market sell: %s", pos.Symbol, result.Error))
	} else {
		observability.LogEvent(ctx, "critical", "emergency_stop_placed", map[string]any{
			"symbol": pos.Symbol, "qty": pos.Qty.String(), "stop_price": emergencyPrice.String(),
		})
	}
	return true
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
