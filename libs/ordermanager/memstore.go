package ordermanager

import (
	"context"
	"sync"

	"jax-trading-assistant/libs/contracts/domain"
	"jax-trading-assistant/libs/statemachine"
	clockctx "jax-trading-assistant/libs/testing"
)

// MemStore is an in-memory Store, used in tests where a full database
// round trip adds nothing.
type MemStore struct {
	mu     sync.Mutex
	orders map[string]domain.OrderRecord
	events []domain.OrderEvent
	trades []domain.TradeRecord
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{orders: make(map[string]domain.OrderRecord)}
}

func (s *MemStore) Create(_ context.Context, order domain.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.LocalID] = order
	return nil
}

func (s *MemStore) GetByLocalID(_ context.Context, localID string) (domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[localID]
	if !ok {
		return domain.OrderRecord{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *MemStore) GetByBrokerID(_ context.Context, brokerID string) (domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.BrokerID != nil && *order.BrokerID == brokerID {
			return order, nil
		}
	}
	return domain.OrderRecord{}, ErrOrderNotFound
}

func (s *MemStore) FindActiveStop(_ context.Context, correlationID string) (domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.CorrelationID == correlationID && order.OrderRole == domain.RoleStopLoss && !order.State.Terminal() {
			return order, nil
		}
	}
	return domain.OrderRecord{}, ErrOrderNotFound
}

func (s *MemStore) ListNonTerminalEntries(_ context.Context) ([]domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderRecord
	for _, order := range s.orders {
		if order.OrderRole == domain.RoleEntry && !order.State.Terminal() {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *MemStore) Transition(ctx context.Context, localID string, newState domain.OrderState, patch TransitionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[localID]
	if !ok {
		return ErrOrderNotFound
	}

	machine := statemachine.New(order.State)
	if err := machine.Transition(newState); err != nil {
		return err
	}

	s.applyLocked(ctx, localID, order, newState, patch)
	return nil
}

// ForceTransition bypasses the state machine entirely, for reconciliation.
func (s *MemStore) ForceTransition(ctx context.Context, localID string, newState domain.OrderState, patch TransitionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[localID]
	if !ok {
		return ErrOrderNotFound
	}
	s.applyLocked(ctx, localID, order, newState, patch)
	return nil
}

func (s *MemStore) applyLocked(ctx context.Context, localID string, order domain.OrderRecord, newState domain.OrderState, patch TransitionPatch) {
	now := clockctx.Now(ctx)
	oldState := order.State
	order.State = newState
	order.UpdatedAt = now
	if patch.BrokerID != nil {
		order.BrokerID = patch.BrokerID
	}
	if patch.QtyFilled != nil {
		order.QtyFilled = *patch.QtyFilled
	}
	if patch.FillPrice != nil {
		order.AvgFillPrice = patch.FillPrice
	}
	s.orders[localID] = order

	s.events = append(s.events, domain.OrderEvent{
		OrderLocalID: localID,
		EventType:    patch.EventType,
		OldState:     oldState,
		NewState:     newState,
		QtyFilled:    patch.QtyFilled,
		FillPrice:    patch.FillPrice,
		BrokerID:     patch.BrokerID,
		Detail:       patch.Detail,
		RecordedAt:   now,
	})
}

func (s *MemStore) CreateTrade(_ context.Context, trade domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)
	return nil
}

func (s *MemStore) FindFilledOrders(_ context.Context, correlationID string) ([]domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderRecord
	for _, order := range s.orders {
		if order.CorrelationID == correlationID && order.State == domain.StateFilled {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *MemStore) ListNonTerminal(_ context.Context) ([]domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderRecord
	for _, order := range s.orders {
		if !order.State.Terminal() {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *MemStore) HasFilledEntry(_ context.Context, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.Symbol == symbol && order.OrderRole == domain.RoleEntry && order.State == domain.StateFilled {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) HasActiveStopForSymbol(_ context.Context, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.Symbol == symbol && order.OrderRole == domain.RoleStopLoss && !order.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) HasFilledOrphan(_ context.Context, correlationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.CorrelationID == correlationID && order.State == domain.StateFilled {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) CorrelationForSymbol(_ context.Context, symbol string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.Symbol == symbol && order.OrderRole == domain.RoleEntry && order.State == domain.StateFilled {
			return order.CorrelationID, true, nil
		}
	}
	return "", false, nil
}

// Events returns a snapshot of the recorded audit trail, for tests.
func (s *MemStore) Events() []domain.OrderEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OrderEvent(nil), s.events...)
}

// Trades returns a snapshot of recorded trades, for tests.
func (s *MemStore) Trades() []domain.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TradeRecord(nil), s.trades...)
}

var _ Store = (*MemStore)(nil)
