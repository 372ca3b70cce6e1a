package risk

import (
	"context"
	"sync"

	"jax-trading-assistant/libs/contracts/domain"
	"jax-trading-assistant/libs/observability"
	"jax-trading-assistant/libs/ordermanager"
)

// Gate is the single serialization point for every pre-order risk
// decision. All callers share one Gate instance per running engine; the
// internal mutex guarantees approvals never race against each other even
// when multiple symbols signal in the same tick.
type Gate struct {
	mu sync.Mutex

	cfg     *Config
	sizer   *PositionSizer
	breaker *CircuitBreaker
	broker  domain.BrokerAdapter
	store   ordermanager.Store
	metrics *observability.TradingMetrics
}

// WithMetrics attaches a TradingMetrics set; decisions made after this call
// increment GateDecisions by outcome. Optional — a Gate with none attached
// behaves exactly as before.
func (g *Gate) WithMetrics(m *observability.TradingMetrics) *Gate {
	g.metrics = m
	return g
}

// NewGate constructs a Gate wired to a Config, its PositionSizer and
// CircuitBreaker, the broker adapter used to fetch fresh account state, and
// the order store used to count live positions.
func NewGate(cfg *Config, broker domain.BrokerAdapter, store ordermanager.Store) *Gate {
	return &Gate{
		cfg:     cfg,
		sizer:   NewPositionSizer(cfg),
		breaker: NewCircuitBreaker(cfg),
		broker:  broker,
		store:   store,
	}
}

// Breaker exposes the underlying CircuitBreaker so the caller can record
// closed-trade P&L and reconstruct state on startup.
func (g *Gate) Breaker() *CircuitBreaker { return g.breaker }

// Approve runs the full pre-order pipeline for one signal: circuit breaker
// check, open-position count check, a fresh account fetch, then position
// sizing. It holds the gate's mutex for its entire duration, including the
// open-position count query, so that two concurrent signals can never both
// read a stale count (or stale buying power) before either submits.
func (g *Gate) Approve(ctx context.Context, sig domain.Signal) (domain.RiskApproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ok, reason := g.breaker.CanTrade(); !ok {
		g.recordDecision("block")
		return domain.RiskApproval{Approved: false, Reason: reason}, nil
	}

	openEntries, err := g.store.ListNonTerminalEntries(ctx)
	if err != nil {
		return domain.RiskApproval{}, err
	}
	if len(openEntries) >= g.cfg.MaxOpenPositions {
		g.recordDecision("hold")
		return domain.RiskApproval{Approved: false, Reason: "max open positions reached"}, nil
	}

	account, err := g.broker.GetAccount(ctx)
	if err != nil {
		return domain.RiskApproval{}, err
	}

	result := g.sizer.Calculate(SizeInput{
		Equity:      account.Equity,
		BuyingPower: account.BuyingPower,
		EntryPrice:  sig.EntryPrice,
		StopLoss:    sig.StopLossPrice,
	})
	if result.Qty.IsZero() {
		g.recordDecision("hold")
		return domain.RiskApproval{Approved: false, Reason: result.Reason}, nil
	}

	g.recordDecision("allow")
	return domain.RiskApproval{Approved: true, Qty: result.Qty}, nil
}

func (g *Gate) recordDecision(decision string) {
	if g.metrics == nil {
		return
	}
	g.metrics.GateDecisions.Inc(decision)
}
