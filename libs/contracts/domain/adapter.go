package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest describes what to submit to the broker. Immutable.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	OrderType     OrderType
	TimeInForce   TimeInForce
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TrailPrice    *decimal.Decimal
	TrailPercent  *decimal.Decimal
}

// OrderStatus is the current status of an order as reported by the broker.
type OrderStatus struct {
	BrokerOrderID  string
	Symbol         string
	Side           Side
	Qty            decimal.Decimal
	OrderType      OrderType
	Status         BrokerOrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	SubmittedAt    time.Time
}

// TradeUpdate is one event from the broker's trade-update stream.
type TradeUpdate struct {
	Event          TradeEventType
	OrderID        string
	Symbol         string
	Side           Side
	Qty            decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	Timestamp      time.Time
}

// BrokerAdapter is the contract the core depends on. Each method is
// independently callable from the single task driving the engine loop; the
// adapter is responsible for any internal serialization it needs.
//
// The backtest SimBroker (libs/backtest) and the live Alpaca adapter
// (libs/marketdata) both implement this interface so the order manager,
// risk gate, and reconciler never know which one they're driving.
type BrokerAdapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SubmitOrder(ctx context.Context, req OrderRequest) (OrderStatus, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ReplaceOrder(ctx context.Context, brokerOrderID string, qty, limitPrice, stopPrice *decimal.Decimal) (OrderStatus, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error)

	GetPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (AccountInfo, error)
	GetOpenOrders(ctx context.Context) ([]OrderStatus, error)
	GetRecentOrders(ctx context.Context, sinceHours int) ([]OrderStatus, error)

	// SubscribeTradeUpdates returns a channel fed by the broker's stream.
	// At most one active subscription per connection. Updates must never
	// be dropped: the channel is unbounded from the adapter's point of
	// view (the implementation buffers internally if needed).
	SubscribeTradeUpdates(ctx context.Context) (<-chan TradeUpdate, error)
}

// DataAdapter mirrors BrokerAdapter's shape for market data. The bar stream
// channel MAY be bounded; on overflow the policy is drop-newest + log
// CRITICAL, to preserve continuity of already-queued bars.
type DataAdapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SubscribeBars(ctx context.Context, symbols []string) (<-chan Bar, error)
	GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
	GetLatestQuote(ctx context.Context, symbol string) (Quote, error)
}

// Quote is a current bid/ask/last snapshot.
type Quote struct {
	Symbol    string
	Timestamp time.Time
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	BidSize   int64
	AskSize   int64
	Volume    int64
}
