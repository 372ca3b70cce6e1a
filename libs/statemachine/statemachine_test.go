package statemachine

import (
	"errors"
	"testing"

	"jax-trading-assistant/libs/contracts/domain"
)

func TestTransition_HappyPath(t *testing.T) {
	m := New(domain.StatePendingSubmit)

	if err := m.Transition(domain.StateSubmitted); err != nil {
		t.Fatalf("expected submit to succeed, got %v", err)
	}
	if err := m.Transition(domain.StateAccepted); err != nil {
		t.Fatalf("expected accept to succeed, got %v", err)
	}
	if err := m.Transition(domain.StatePartiallyFilled); err != nil {
		t.Fatalf("expected partial fill to succeed, got %v", err)
	}
	if err := m.Transition(domain.StatePartiallyFilled); err != nil {
		t.Fatalf("PARTIALLY_FILLED must self-loop, got %v", err)
	}
	if err := m.Transition(domain.StateFilled); err != nil {
		t.Fatalf("expected fill to succeed, got %v", err)
	}
	if m.State() != domain.StateFilled {
		t.Errorf("expected state FILLED, got %s", m.State())
	}
}

func TestTransition_TerminalIsAbsorbing(t *testing.T) {
	m := New(domain.StateFilled)
	err := m.Transition(domain.StateCanceled)
	if err == nil {
		t.Fatal("expected error transitioning out of a terminal state")
	}
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if m.State() != domain.StateFilled {
		t.Errorf("state must be unchanged after a rejected transition, got %s", m.State())
	}
}

func TestTransition_InvalidLeavesStateUnchanged(t *testing.T) {
	m := New(domain.StatePendingSubmit)
	err := m.Transition(domain.StateFilled)
	if err == nil {
		t.Fatal("expected PENDING_SUBMIT -> FILLED to be rejected")
	}
	if m.State() != domain.StatePendingSubmit {
		t.Errorf("state must be unchanged, got %s", m.State())
	}
}

func TestForceState_PanicsWithoutMarker(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected ForceState without reconciliation=true to panic")
		}
	}()
	m := New(domain.StateSubmitted)
	m.ForceState(domain.StateFilled, false)
}

func TestForceState_BypassesTable(t *testing.T) {
	m := New(domain.StateFilled) // terminal
	m.ForceState(domain.StateSubmitted, true)
	if m.State() != domain.StateSubmitted {
		t.Errorf("expected force to succeed from a terminal state, got %s", m.State())
	}
}

func TestProperty_AnySequenceStaysValidOrErrors(t *testing.T) {
	all := []domain.OrderState{
		domain.StatePendingSubmit, domain.StateSubmitted, domain.StateAccepted,
		domain.StatePartiallyFilled, domain.StateFilled, domain.StateCanceled,
		domain.StateExpired, domain.StateRejected, domain.StateSubmitFailed,
	}

	for _, start := range all {
		m := New(start)
		for _, target := range all {
			before := m.State()
			err := m.Transition(target)
			if err != nil {
				if m.State() != before {
					t.Errorf("rejected transition mutated state: %s -> attempted %s, now %s", before, target, m.State())
				}
				continue
			}
			if before.Terminal() {
				t.Errorf("transition out of terminal state %s succeeded", before)
			}
			if m.State() != target {
				t.Errorf("successful transition landed on %s, wanted %s", m.State(), target)
			}
			m = New(start) // reset for next target
		}
	}
}
