// Package backtest runs a strategy against historical bars using an
// in-memory simulated broker, producing a trade ledger and performance
// metrics identical in shape to the live order manager's output.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"jax-trading-assistant/libs/contracts/domain"
)

var (
	minFillPrice = decimal.RequireFromString("0.01")
)

type pendingOrder struct {
	orderID      string
	symbol       string
	side         domain.Side
	qty          decimal.Decimal
	orderType    domain.OrderType
	stopPrice    *decimal.Decimal
	limitPrice   *decimal.Decimal
	role         domain.OrderRole
	candlesSince int
}

type simPosition struct {
	symbol        string
	qty           decimal.Decimal
	avgEntryPrice decimal.Decimal
	marketValue   decimal.Decimal
	unrealizedPL  decimal.Decimal
	openedAt      time.Time
}

// Fill is the result of one simulated order fill.
type Fill struct {
	OrderID   string
	Symbol    string
	Side      domain.Side
	Qty       decimal.Decimal
	FillPrice decimal.Decimal
	Timestamp time.Time
	Role      domain.OrderRole
}

// SimBroker is an in-memory broker for backtesting. It implements
// domain.BrokerAdapter, so code written against that interface can run
// against it; ProcessBar and the other backtest-only methods are called
// directly by Runner.
type SimBroker struct {
	cash     decimal.Decimal
	slippage decimal.Decimal

	pending   map[string]*pendingOrder
	nextID    int64
	positions map[string]*simPosition
	closed    map[string]simPosition

	plannedStops    map[string]decimal.Decimal
	entryFilledThisBar map[string]bool

	filledOrders []domain.OrderStatus
}

// NewSimBroker constructs a SimBroker with the given starting cash and a
// per-share slippage applied to every fill.
func NewSimBroker(initialCapital, slippagePerShare decimal.Decimal) *SimBroker {
	return &SimBroker{
		cash:               initialCapital,
		slippage:           slippagePerShare,
		pending:            make(map[string]*pendingOrder),
		positions:          make(map[string]*simPosition),
		closed:             make(map[string]simPosition),
		plannedStops:       make(map[string]decimal.Decimal),
		entryFilledThisBar: make(map[string]bool),
	}
}

// Equity is cash plus the market value of every open position.
func (s *SimBroker) Equity() decimal.Decimal {
	total := s.cash
	for _, p := range s.positions {
		total = total.Add(p.marketValue)
	}
	return total
}

// Cash returns the broker's current cash balance.
func (s *SimBroker) Cash() decimal.Decimal { return s.cash }

// OpenPositionCount is the number of currently open positions.
func (s *SimBroker) OpenPositionCount() int { return len(s.positions) }

// ProcessBar checks pending orders against one bar and returns the fills it
// produces. Fill priority: stop-losses first, entries second, market orders
// last — this matches a real broker's risk-reducing-first matching and
// prevents a same-bar stop-loss from firing against a position that was
// only just opened by this same bar's entry fill.
func (s *SimBroker) ProcessBar(bar domain.Bar) []Fill {
	delete(s.entryFilledThisBar, bar.Symbol)

	var stopLosses, entries, markets []*pendingOrder
	for _, o := range s.pending {
		if o.symbol != bar.Symbol {
			continue
		}
		switch {
		case o.side == domain.SideSell && o.orderType == domain.OrderTypeStop:
			stopLosses = append(stopLosses, o)
		case o.side == domain.SideBuy && o.orderType == domain.OrderTypeStop:
			entries = append(entries, o)
		case o.orderType == domain.OrderTypeMarket:
			markets = append(markets, o)
		}
	}

	var fills []Fill
	for _, o := range stopLosses {
		if f := s.tryFillStopSell(o, bar); f != nil {
			fills = append(fills, *f)
		}
	}
	for _, o := range entries {
		if f := s.tryFillStopBuy(o, bar); f != nil {
			fills = append(fills, *f)
		}
	}
	for _, o := range markets {
		if f := s.tryFillMarket(o, bar); f != nil {
			fills = append(fills, *f)
		}
	}
	return fills
}

// UpdateMarketPrices refreshes a held position's unrealized P&L from the
// bar's close.
func (s *SimBroker) UpdateMarketPrices(bar domain.Bar) {
	pos, ok := s.positions[bar.Symbol]
	if !ok {
		return
	}
	pos.marketValue = pos.qty.Mul(bar.Close)
	pos.unrealizedPL = bar.Close.Sub(pos.avgEntryPrice).Mul(pos.qty)
}

// HasPosition reports whether symbol currently has an open position.
func (s *SimBroker) HasPosition(symbol string) bool {
	_, ok := s.positions[symbol]
	return ok
}

// Position returns the current position for a symbol as a domain.Position.
func (s *SimBroker) Position(symbol string) domain.Position {
	pos := s.positions[symbol]
	pct := decimal.Zero
	if pos.avgEntryPrice.GreaterThan(decimal.Zero) && pos.qty.GreaterThan(decimal.Zero) {
		pct = pos.unrealizedPL.Div(pos.avgEntryPrice.Mul(pos.qty)).Mul(decimal.NewFromInt(100))
	}
	return domain.Position{
		Symbol: pos.symbol, Qty: pos.qty, Side: domain.SideBuy,
		AvgEntryPrice: pos.avgEntryPrice, MarketValue: pos.marketValue,
		UnrealizedPL: pos.unrealizedPL, UnrealizedPLPct: pct,
	}
}

// ClosedPosition returns the most recently closed position for a symbol.
func (s *SimBroker) ClosedPosition(symbol string) simPosition { return s.closed[symbol] }

// HasPendingEntry reports whether a pending buy-stop entry exists.
func (s *SimBroker) HasPendingEntry(symbol string) bool {
	for _, o := range s.pending {
		if o.symbol == symbol && o.side == domain.SideBuy && o.role == domain.RoleEntry {
			return true
		}
	}
	return false
}

// CancelPendingEntry removes the pending buy-stop entry for a symbol.
func (s *SimBroker) CancelPendingEntry(symbol string) {
	for id, o := range s.pending {
		if o.symbol == symbol && o.side == domain.SideBuy && o.role == domain.RoleEntry {
			delete(s.pending, id)
		}
	}
}

// IncrementCandleCount bumps the candles-since-submit counter of the
// pending entry for a symbol, if any.
func (s *SimBroker) IncrementCandleCount(symbol string) {
	for _, o := range s.pending {
		if o.symbol == symbol && o.side == domain.SideBuy && o.role == domain.RoleEntry {
			o.candlesSince++
		}
	}
}

// CandlesSinceOrder returns the candle count tracked for a pending entry.
func (s *SimBroker) CandlesSinceOrder(symbol string) int {
	for _, o := range s.pending {
		if o.symbol == symbol && o.side == domain.SideBuy && o.role == domain.RoleEntry {
			return o.candlesSince
		}
	}
	return 0
}

// SetPlannedStop records the stop price planned for a symbol's next fill.
func (s *SimBroker) SetPlannedStop(symbol string, price decimal.Decimal) {
	s.plannedStops[symbol] = price
}

// PlannedStop returns the stop price planned for a symbol.
func (s *SimBroker) PlannedStop(symbol string) decimal.Decimal { return s.plannedStops[symbol] }

// UpdateStop moves the pending stop-loss order price for a symbol.
func (s *SimBroker) UpdateStop(symbol string, newStop decimal.Decimal) {
	for _, o := range s.pending {
		if o.symbol == symbol && o.side == domain.SideSell && o.orderType == domain.OrderTypeStop {
			o.stopPrice = &newStop
			return
		}
	}
}

// CancelAllPending clears every pending order (end-of-day cleanup).
func (s *SimBroker) CancelAllPending() {
	s.pending = make(map[string]*pendingOrder)
}

// SubmitStopSync places a stop-loss order directly, bypassing SubmitOrder's
// broker-call shape. Used by Runner to react to an entry fill within the
// same synchronous bar-processing step.
func (s *SimBroker) SubmitStopSync(symbol string, qty, stopPrice decimal.Decimal) {
	id := s.nextOrderID()
	s.pending[id] = &pendingOrder{
		orderID: id, symbol: symbol, side: domain.SideSell, qty: qty,
		orderType: domain.OrderTypeStop, stopPrice: &stopPrice, role: domain.RoleStopLoss,
	}
}

// ForceCloseAtPrice closes an open position at a caller-supplied price
// (end-of-day force close), crediting cash and recording the closed
// position the same way a fill does.
func (s *SimBroker) ForceCloseAtPrice(symbol string, price decimal.Decimal, at time.Time) (simPosition, bool) {
	pos, ok := s.positions[symbol]
	if !ok {
		return simPosition{}, false
	}
	fillPrice := decimal.Max(price, minFillPrice)
	s.cash = s.cash.Add(pos.qty.Mul(fillPrice))
	closedPos := *pos
	s.closed[symbol] = closedPos
	delete(s.positions, symbol)

	for id, o := range s.pending {
		if o.symbol == symbol {
			delete(s.pending, id)
		}
	}
	return closedPos, true
}

func (s *SimBroker) tryFillStopBuy(order *pendingOrder, bar domain.Bar) *Fill {
	if order.stopPrice == nil || bar.High.LessThan(*order.stopPrice) {
		return nil
	}
	base := decimal.Max(bar.Open, *order.stopPrice)
	fillPrice := s.applySlippageBuy(base, bar)
	s.entryFilledThisBar[order.symbol] = true
	return s.executeFill(order, fillPrice, bar.Timestamp)
}

func (s *SimBroker) tryFillStopSell(order *pendingOrder, bar domain.Bar) *Fill {
	if order.stopPrice == nil {
		return nil
	}
	if s.entryFilledThisBar[order.symbol] {
		return nil
	}
	if bar.Low.GreaterThan(*order.stopPrice) {
		return nil
	}
	base := decimal.Min(bar.Open, *order.stopPrice)
	fillPrice := s.applySlippageSell(base, bar)
	return s.executeFill(order, fillPrice, bar.Timestamp)
}

func (s *SimBroker) tryFillMarket(order *pendingOrder, bar domain.Bar) *Fill {
	var fillPrice decimal.Decimal
	if order.side == domain.SideBuy {
		fillPrice = s.applySlippageBuy(bar.Open, bar)
	} else {
		fillPrice = s.applySlippageSell(bar.Open, bar)
	}
	return s.executeFill(order, fillPrice, bar.Timestamp)
}

func (s *SimBroker) applySlippageBuy(base decimal.Decimal, bar domain.Bar) decimal.Decimal {
	price := base.Add(s.slippage)
	price = decimal.Min(price, bar.High)
	return decimal.Max(price, minFillPrice)
}

func (s *SimBroker) applySlippageSell(base decimal.Decimal, bar domain.Bar) decimal.Decimal {
	price := base.Sub(s.slippage)
	price = decimal.Max(price, bar.Low)
	return decimal.Max(price, minFillPrice)
}

func (s *SimBroker) executeFill(order *pendingOrder, fillPrice decimal.Decimal, ts time.Time) *Fill {
	if order.side == domain.SideBuy {
		cost := order.qty.Mul(fillPrice)
		s.cash = s.cash.Sub(cost)
		s.positions[order.symbol] = &simPosition{
			symbol: order.symbol, qty: order.qty, avgEntryPrice: fillPrice,
			marketValue: cost, unrealizedPL: decimal.Zero, openedAt: ts,
		}
	} else if pos, ok := s.positions[order.symbol]; ok {
		proceeds := order.qty.Mul(fillPrice)
		s.cash = s.cash.Add(proceeds)
		s.closed[order.symbol] = *pos
		delete(s.positions, order.symbol)
	}

	delete(s.pending, order.orderID)

	s.filledOrders = append(s.filledOrders, domain.OrderStatus{
		BrokerOrderID: order.orderID, Symbol: order.symbol, Side: order.side, Qty: order.qty,
		OrderType: order.orderType, Status: domain.BrokerFilled, FilledQty: order.qty,
		FilledAvgPrice: &fillPrice, SubmittedAt: ts,
	})

	return &Fill{
		OrderID: order.orderID, Symbol: order.symbol, Side: order.side, Qty: order.qty,
		FillPrice: fillPrice, Timestamp: ts, Role: order.role,
	}
}

func (s *SimBroker) nextOrderID() string {
	s.nextID++
	return fmt.Sprintf("bt-%d", s.nextID)
}

func inferRole(req domain.OrderRequest) domain.OrderRole {
	if req.Side == domain.SideBuy {
		return domain.RoleEntry
	}
	if req.OrderType == domain.OrderTypeStop {
		return domain.RoleStopLoss
	}
	return domain.RoleExitMarket
}

// --- domain.BrokerAdapter ---

func (s *SimBroker) Connect(context.Context) error    { return nil }
func (s *SimBroker) Disconnect(context.Context) error { return nil }

func (s *SimBroker) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderStatus, error) {
	id := s.nextOrderID()
	s.pending[id] = &pendingOrder{
		orderID: id, symbol: req.Symbol, side: req.Side, qty: req.Qty,
		orderType: req.OrderType, stopPrice: req.StopPrice, limitPrice: req.LimitPrice,
		role: inferRole(req),
	}
	return domain.OrderStatus{
		BrokerOrderID: id, Symbol: req.Symbol, Side: req.Side, Qty: req.Qty,
		OrderType: req.OrderType, Status: domain.BrokerAccepted, FilledQty: decimal.Zero,
	}, nil
}

func (s *SimBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	delete(s.pending, brokerOrderID)
	return nil
}

func (s *SimBroker) ReplaceOrder(_ context.Context, brokerOrderID string, qty, limitPrice, stopPrice *decimal.Decimal) (domain.OrderStatus, error) {
	order, ok := s.pending[brokerOrderID]
	if !ok {
		return domain.OrderStatus{}, fmt.Errorf("backtest: order not found: %s", brokerOrderID)
	}
	if qty != nil {
		order.qty = *qty
	}
	if limitPrice != nil {
		order.limitPrice = limitPrice
	}
	if stopPrice != nil {
		order.stopPrice = stopPrice
	}
	return domain.OrderStatus{
		BrokerOrderID: brokerOrderID, Symbol: order.symbol, Side: order.side, Qty: order.qty,
		OrderType: order.orderType, Status: domain.BrokerAccepted, FilledQty: decimal.Zero,
	}, nil
}

func (s *SimBroker) GetOrderStatus(_ context.Context, brokerOrderID string) (domain.OrderStatus, error) {
	if order, ok := s.pending[brokerOrderID]; ok {
		return domain.OrderStatus{
			BrokerOrderID: order.orderID, Symbol: order.symbol, Side: order.side, Qty: order.qty,
			OrderType: order.orderType, Status: domain.BrokerAccepted, FilledQty: decimal.Zero,
		}, nil
	}
	for _, f := range s.filledOrders {
		if f.BrokerOrderID == brokerOrderID {
			return f, nil
		}
	}
	return domain.OrderStatus{}, fmt.Errorf("backtest: order not found: %s", brokerOrderID)
}

func (s *SimBroker) GetPositions(context.Context) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(s.positions))
	for symbol := range s.positions {
		out = append(out, s.Position(symbol))
	}
	return out, nil
}

func (s *SimBroker) GetAccount(context.Context) (domain.AccountInfo, error) {
	equity := s.Equity()
	return domain.AccountInfo{Equity: equity, Cash: s.cash, BuyingPower: s.cash, PortfolioValue: equity}, nil
}

func (s *SimBroker) GetOpenOrders(context.Context) ([]domain.OrderStatus, error) {
	out := make([]domain.OrderStatus, 0, len(s.pending))
	for _, o := range s.pending {
		out = append(out, domain.OrderStatus{
			BrokerOrderID: o.orderID, Symbol: o.symbol, Side: o.side, Qty: o.qty,
			OrderType: o.orderType, Status: domain.BrokerAccepted, FilledQty: decimal.Zero,
		})
	}
	return out, nil
}

func (s *SimBroker) GetRecentOrders(context.Context, int) ([]domain.OrderStatus, error) {
	return append([]domain.OrderStatus(nil), s.filledOrders...), nil
}

// SubscribeTradeUpdates is a no-op: Runner drives fills directly via
// ProcessBar rather than through a broker event stream.
func (s *SimBroker) SubscribeTradeUpdates(context.Context) (<-chan domain.TradeUpdate, error) {
	ch := make(chan domain.TradeUpdate)
	close(ch)
	return ch, nil
}

var _ domain.BrokerAdapter = (*SimBroker)(nil)
