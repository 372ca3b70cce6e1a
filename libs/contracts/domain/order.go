package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is a supported order type.
type OrderType string

const (
	OrderTypeMarket      OrderType = "market"
	OrderTypeLimit       OrderType = "limit"
	OrderTypeStop        OrderType = "stop"
	OrderTypeStopLimit   OrderType = "stop_limit"
	OrderTypeTrailStop   OrderType = "trailing_stop"
)

// TimeInForce is the lifetime of an order at the broker.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// OrderRole ties an order to its place in a round-trip trade.
type OrderRole string

const (
	RoleEntry      OrderRole = "entry"
	RoleStopLoss   OrderRole = "stop_loss"
	RoleExitMarket OrderRole = "exit_market"
)

// OrderState is the tagged state of an OrderRecord's lifecycle.
type OrderState string

const (
	StatePendingSubmit    OrderState = "pending_submit"
	StateSubmitted        OrderState = "submitted"
	StateAccepted         OrderState = "accepted"
	StatePartiallyFilled  OrderState = "partially_filled"
	StateFilled           OrderState = "filled"
	StateCanceled         OrderState = "canceled"
	StateExpired          OrderState = "expired"
	StateRejected         OrderState = "rejected"
	StateSubmitFailed     OrderState = "submit_failed"
)

// Terminal reports whether the state has no further valid transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateExpired, StateRejected, StateSubmitFailed:
		return true
	default:
		return false
	}
}

// BrokerOrderStatus is the order status as reported by the broker.
type BrokerOrderStatus string

const (
	BrokerNew              BrokerOrderStatus = "new"
	BrokerAccepted         BrokerOrderStatus = "accepted"
	BrokerFilled           BrokerOrderStatus = "filled"
	BrokerPartiallyFilled  BrokerOrderStatus = "partially_filled"
	BrokerCanceled         BrokerOrderStatus = "canceled"
	BrokerExpired          BrokerOrderStatus = "expired"
	BrokerRejected         BrokerOrderStatus = "rejected"
	BrokerPendingCancel    BrokerOrderStatus = "pending_cancel"
	BrokerReplaced         BrokerOrderStatus = "replaced"
)

// TradeEventType is an actionable event kind from the broker's trade-update
// stream. Informational events (pending_new, pending_replace, restated) are
// filtered out before reaching the core.
type TradeEventType string

const (
	EventNew          TradeEventType = "new"
	EventAccepted     TradeEventType = "accepted"
	EventFill         TradeEventType = "fill"
	EventPartialFill  TradeEventType = "partial_fill"
	EventCanceled     TradeEventType = "canceled"
	EventExpired      TradeEventType = "expired"
	EventRejected     TradeEventType = "rejected"
	EventReplaced     TradeEventType = "replaced"
	EventPendingCancel TradeEventType = "pending_cancel"
)

// OrderRecord is the mutable, persisted state of one order. It is mutated
// only through the state machine in libs/statemachine.
type OrderRecord struct {
	LocalID        string
	BrokerID       *string
	CorrelationID  string
	Symbol         string
	Side           Side
	OrderType      OrderType
	OrderRole      OrderRole
	QtyRequested   decimal.Decimal
	QtyFilled      decimal.Decimal
	AvgFillPrice   *decimal.Decimal
	StopPrice      *decimal.Decimal
	State          OrderState
	ParentID       *string
	Strategy       *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderEvent is an immutable, append-only audit record of one transition.
type OrderEvent struct {
	OrderLocalID string
	EventType    string
	OldState     OrderState
	NewState     OrderState
	QtyFilled    *decimal.Decimal
	FillPrice    *decimal.Decimal
	BrokerID     *string
	Detail       string
	RecordedAt   time.Time
}

// TradeSide distinguishes a closed round-trip's directionality.
type TradeSide string

const (
	TradeLong  TradeSide = "long"
	TradeShort TradeSide = "short"
)

// TradeRecord is an immutable, append-only closed round-trip trade.
type TradeRecord struct {
	TradeID         string
	CorrelationID   string
	Symbol          string
	Side            TradeSide
	Qty             decimal.Decimal
	EntryPrice      decimal.Decimal
	ExitPrice       decimal.Decimal
	EntryAt         time.Time
	ExitAt          time.Time
	PnL             decimal.Decimal
	PnLPct          decimal.Decimal
	Strategy        string
	DurationSeconds int64
	Commission      decimal.Decimal
}
