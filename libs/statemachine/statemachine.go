// Package statemachine implements the order lifecycle state machine: pure,
// in-memory, no I/O. It is the single authority for which OrderState
// transitions are legal.
package statemachine

import "jax-trading-assistant/libs/contracts/domain"

// transitions is the exhaustive allowed-next-states table. Terminal states
// have no entry.
var transitions = map[domain.OrderState]map[domain.OrderState]bool{
	domain.StatePendingSubmit: {
		domain.StateSubmitted:    true,
		domain.StateSubmitFailed: true,
	},
	domain.StateSubmitted: {
		domain.StateAccepted: true,
		domain.StateRejected: true,
		domain.StateFilled:   true,
		domain.StateCanceled: true,
		domain.StateExpired:  true,
	},
	domain.StateAccepted: {
		domain.StatePartiallyFilled: true,
		domain.StateFilled:          true,
		domain.StateCanceled:        true,
		domain.StateExpired:         true,
	},
	domain.StatePartiallyFilled: {
		domain.StatePartiallyFilled: true,
		domain.StateFilled:          true,
		domain.StateCanceled:        true,
	},
}

// OrderStateMachine validates transitions for one OrderRecord. It holds no
// state of its own beyond the current state passed to it by the caller.
type OrderStateMachine struct {
	state domain.OrderState
}

// New returns a state machine positioned at the given state.
func New(initial domain.OrderState) *OrderStateMachine {
	return &OrderStateMachine{state: initial}
}

// State returns the current state.
func (m *OrderStateMachine) State() domain.OrderState {
	return m.state
}

// Transition attempts to move to `to`. On success the machine's state
// becomes `to` and nil is returned. On failure the machine is left
// unchanged and an *domain.InvalidTransitionError is returned.
func (m *OrderStateMachine) Transition(to domain.OrderState) error {
	if m.state.Terminal() {
		return &domain.InvalidTransitionError{From: m.state, To: to}
	}
	allowed, ok := transitions[m.state]
	if !ok || !allowed[to] {
		return &domain.InvalidTransitionError{From: m.state, To: to}
	}
	m.state = to
	return nil
}

// ForceState is the reconciler's escape hatch. It bypasses the transition
// table entirely and must be called only with reconciliation=true, which
// exists solely to make accidental misuse from ordinary order-manager code
// a compile-time-visible mistake (the caller must spell out the intent).
func (m *OrderStateMachine) ForceState(to domain.OrderState, reconciliation bool) {
	if !reconciliation {
		panic("statemachine: ForceState called without reconciliation=true")
	}
	m.state = to
}

// CanTransition reports whether `to` is reachable from the current state
// without mutating the machine.
func (m *OrderStateMachine) CanTransition(to domain.OrderState) bool {
	if m.state.Terminal() {
		return false
	}
	return transitions[m.state][to]
}
