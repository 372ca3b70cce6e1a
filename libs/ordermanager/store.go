package ordermanager

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"jax-trading-assistant/libs/contracts/domain"
)

// ErrOrderNotFound is returned when a lookup finds no matching OrderRecord.
var ErrOrderNotFound = errors.New("ordermanager: order not found")

// Store is the persistence boundary for order state and its audit trail.
// Transition is the validated state-change path: it loads, validates
// through the state machine, and writes the new state plus its OrderEvent
// as one atomic unit, mirroring the one-transaction-per-transition
// discipline. ForceTransition changes state without that validation, and
// Create and CreateTrade insert new records.
type Store interface {
	Create(ctx context.Context, order domain.OrderRecord) error
	GetByLocalID(ctx context.Context, localID string) (domain.OrderRecord, error)
	GetByBrokerID(ctx context.Context, brokerID string) (domain.OrderRecord, error)
	FindActiveStop(ctx context.Context, correlationID string) (domain.OrderRecord, error)
	ListNonTerminalEntries(ctx context.Context) ([]domain.OrderRecord, error)
	ListNonTerminal(ctx context.Context) ([]domain.OrderRecord, error)

	// Transition validates and applies a state change plus its audit event
	// atomically. Fields left nil/zero on patch are left unchanged.
	Transition(ctx context.Context, localID string, newState domain.OrderState, patch TransitionPatch) error

	// ForceTransition bypasses state-machine validation — the reconciler's
	// escape hatch for correcting local state to match broker truth.
	ForceTransition(ctx context.Context, localID string, newState domain.OrderState, patch TransitionPatch) error

	CreateTrade(ctx context.Context, trade domain.TradeRecord) error
	FindFilledOrders(ctx context.Context, correlationID string) ([]domain.OrderRecord, error)

	// HasFilledEntry reports whether a FILLED entry order exists for symbol.
	HasFilledEntry(ctx context.Context, symbol string) (bool, error)
	// HasActiveStopForSymbol reports whether a non-terminal stop-loss exists
	// for symbol, across any correlation id.
	HasActiveStopForSymbol(ctx context.Context, symbol string) (bool, error)
	// HasFilledOrphan reports whether a FILLED order already exists for the
	// given correlation id (idempotency guard for orphan creation).
	HasFilledOrphan(ctx context.Context, correlationID string) (bool, error)
	// CorrelationForSymbol returns the correlation id of a FILLED entry for
	// symbol, if any.
	CorrelationForSymbol(ctx context.Context, symbol string) (string, bool, error)
}

// TransitionPatch carries the optional fields a transition may update
// alongside the state itself.
type TransitionPatch struct {
	EventType string
	BrokerID  *string
	Detail    string
	QtyFilled *decimal.Decimal
	FillPrice *decimal.Decimal
}
