package backtest

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"jax-trading-assistant/libs/candle"
	"jax-trading-assistant/libs/contracts/domain"
	"jax-trading-assistant/libs/indicators"
	"jax-trading-assistant/libs/observability"
	"jax-trading-assistant/libs/risk"
	"jax-trading-assistant/libs/strategy"
)

// Trade is one completed round-trip trade produced by a backtest run.
type Trade struct {
	Symbol          string
	Side            domain.TradeSide
	Qty             decimal.Decimal
	EntryPrice      decimal.Decimal
	ExitPrice       decimal.Decimal
	EntryAt         time.Time
	ExitAt          time.Time
	PnL             decimal.Decimal
	DurationSeconds int64
}

// Config parameterizes one backtest run. CandleIntervalMinutes must be one
// of candle.ValidIntervals.
type Config struct {
	Symbols              []string
	InitialCapital       decimal.Decimal
	SlippagePerShare     decimal.Decimal
	CandleIntervalMinutes int
	RiskConfig           *risk.Config
	StrategyConfig       strategy.VelezConfig
	MaxOpenPositions     int
}

// Result is the complete outcome of one backtest run.
type Result struct {
	Metrics     Metrics
	Trades      []Trade
	EquityCurve []EquityPoint
}

// bgCtx is used for the few observability/broker calls in the hot loop
// that need a context but carry no request-scoped trace info in a
// backtest.
var bgCtx = context.Background()

// Runner orchestrates a full backtest simulation: CandleAggregator,
// indicators.Calculator, the Velez strategy, PositionSizer, and
// CircuitBreaker, driven against a SimBroker one bar at a time.
type Runner struct {
	cfg Config
}

// New constructs a Runner for the given configuration.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg}
}

type symbolState struct {
	aggregator *candle.Aggregator
	calculator *indicators.Calculator
	strategy   *strategy.Velez
	lastBar    domain.Bar
	hasLastBar bool
}

// Run executes the full simulation over bars, which must be sorted by
// timestamp and may interleave symbols. Bars for different days trigger a
// day-boundary transition: partial candles are flushed, all open positions
// are force-closed at the last seen bar's close, and all pending orders
// are canceled.
func (r *Runner) Run(bars []domain.Bar) Result {
	broker := NewSimBroker(r.cfg.InitialCapital, r.cfg.SlippagePerShare)
	sizer := risk.NewPositionSizer(r.cfg.RiskConfig)
	breaker := risk.NewCircuitBreaker(r.cfg.RiskConfig)

	states := make(map[string]*symbolState, len(r.cfg.Symbols))
	for _, sym := range r.cfg.Symbols {
		states[sym] = &symbolState{
			aggregator: candle.New(sym, r.cfg.CandleIntervalMinutes),
			calculator: indicators.NewCalculator(r.cfg.StrategyConfig.SMAFast, r.cfg.StrategyConfig.SMASlow),
			strategy:   strategy.NewVelez(sym, r.cfg.StrategyConfig),
		}
	}

	var currentDate *time.Time
	var dailyEquity, equityCurve []EquityPoint
	var trades []Trade

	closeDay := func() {
		for _, st := range states {
			if c := st.aggregator.Flush(); c != nil {
				st.calculator.ProcessCandle(*c)
			}
		}
		r.closeEODPositions(broker, states, &trades)
		broker.CancelAllPending()
		dailyEquity = append(dailyEquity, EquityPoint{Timestamp: *currentDate, Equity: broker.Equity()})
	}

	for _, bar := range bars {
		barDate := bar.Timestamp.UTC().Truncate(24 * time.Hour)

		if currentDate == nil || !barDate.Equal(*currentDate) {
			if currentDate != nil {
				closeDay()
			}
			d := barDate
			currentDate = &d
			breaker.ResetDaily(barDate, broker.Equity())
		}

		st, ok := states[bar.Symbol]
		if !ok {
			continue
		}
		st.lastBar = bar
		st.hasLastBar = true

		fills := broker.ProcessBar(bar)
		broker.UpdateMarketPrices(bar)

		for _, fill := range fills {
			r.handleFill(fill, broker, breaker, states, &trades)
		}

		c := st.aggregator.ProcessBar(bar)
		if c == nil {
			continue
		}
		ind := st.calculator.ProcessCandle(*c)

		r.evaluateStrategy(*c, ind, st, broker, sizer, breaker)

		equityCurve = append(equityCurve, EquityPoint{Timestamp: c.Timestamp, Equity: broker.Equity()})
	}

	if currentDate != nil {
		closeDay()
	}

	metrics := ComputeMetrics(trades, dailyEquity, equityCurve, r.cfg.InitialCapital)
	return Result{Metrics: metrics, Trades: trades, EquityCurve: equityCurve}
}

func (r *Runner) evaluateStrategy(c domain.Candle, ind domain.IndicatorSet, st *symbolState, broker *SimBroker, sizer *risk.PositionSizer, breaker *risk.CircuitBreaker) {
	symbol := c.Symbol

	if broker.HasPosition(symbol) {
		position := broker.Position(symbol)
		if newStop := st.strategy.ShouldUpdateStop(c, position, ind); newStop != nil {
			broker.UpdateStop(symbol, *newStop)
		}
		if st.strategy.ShouldExit(c, position, ind) {
			_, _ = broker.SubmitOrder(bgCtx, domain.OrderRequest{
				Symbol: symbol, Side: domain.SideSell, OrderType: domain.OrderTypeMarket, Qty: position.Qty,
			})
		}
		return
	}

	if broker.HasPendingEntry(symbol) {
		broker.IncrementCandleCount(symbol)
		if st.strategy.ShouldCancelPending(c, broker.CandlesSinceOrder(symbol)) {
			broker.CancelPendingEntry(symbol)
		}
		return
	}

	if ind.BarCount < st.strategy.RequiredHistory() {
		return
	}
	if !st.strategy.ShouldLong(c, ind) {
		return
	}

	if canTrade, _ := breaker.CanTrade(); !canTrade {
		return
	}
	if broker.OpenPositionCount() >= r.cfg.MaxOpenPositions {
		return
	}

	entryPrice := st.strategy.EntryPrice(c, ind)
	stopPrice := st.strategy.StopLossPrice(c, ind)

	sizing := sizer.Calculate(risk.SizeInput{
		Equity: broker.Equity(), BuyingPower: broker.Cash(),
		EntryPrice: entryPrice, StopLoss: stopPrice,
	})
	if sizing.Qty.LessThanOrEqual(decimal.Zero) {
		return
	}

	_, _ = broker.SubmitOrder(bgCtx, domain.OrderRequest{
		Symbol: symbol, Side: domain.SideBuy, OrderType: domain.OrderTypeStop,
		Qty: sizing.Qty, StopPrice: &entryPrice,
	})
	broker.SetPlannedStop(symbol, stopPrice)
}

func (r *Runner) handleFill(fill Fill, broker *SimBroker, breaker *risk.CircuitBreaker, states map[string]*symbolState, trades *[]Trade) {
	switch fill.Role {
	case domain.RoleEntry:
		stopPrice := broker.PlannedStop(fill.Symbol)
		broker.SubmitStopSync(fill.Symbol, fill.Qty, stopPrice)
	case domain.RoleStopLoss, domain.RoleExitMarket:
		closedPos := broker.ClosedPosition(fill.Symbol)
		pnl := fill.FillPrice.Sub(closedPos.avgEntryPrice).Mul(closedPos.qty)
		trade := Trade{
			Symbol: fill.Symbol, Side: domain.TradeLong, Qty: closedPos.qty,
			EntryPrice: closedPos.avgEntryPrice, ExitPrice: fill.FillPrice,
			EntryAt: closedPos.openedAt, ExitAt: fill.Timestamp, PnL: pnl,
			DurationSeconds: int64(fill.Timestamp.Sub(closedPos.openedAt).Seconds()),
		}
		*trades = append(*trades, trade)
		breaker.RecordTrade(trade.PnL)
		if st, ok := states[fill.Symbol]; ok {
			st.strategy.OnPositionClosed()
		}
	}
}

// closeEODPositions force-closes every open position at the last seen bar's
// close (minus slippage, clamped to that bar's low), cancels any leftover
// pending orders for the symbol, and records the resulting trade.
func (r *Runner) closeEODPositions(broker *SimBroker, states map[string]*symbolState, trades *[]Trade) {
	for symbol, st := range states {
		if !broker.HasPosition(symbol) || !st.hasLastBar {
			continue
		}
		fillPrice := decimal.Max(st.lastBar.Close.Sub(broker.slippage), st.lastBar.Low)
		fillPrice = decimal.Max(fillPrice, minFillPrice)

		closedPos, ok := broker.ForceCloseAtPrice(symbol, fillPrice, st.lastBar.Timestamp)
		if !ok {
			continue
		}
		pnl := fillPrice.Sub(closedPos.avgEntryPrice).Mul(closedPos.qty)
		trade := Trade{
			Symbol: symbol, Side: domain.TradeLong, Qty: closedPos.qty,
			EntryPrice: closedPos.avgEntryPrice, ExitPrice: fillPrice,
			EntryAt: closedPos.openedAt, ExitAt: st.lastBar.Timestamp, PnL: pnl,
			DurationSeconds: int64(st.lastBar.Timestamp.Sub(closedPos.openedAt).Seconds()),
		}
		*trades = append(*trades, trade)
		st.strategy.OnPositionClosed()

		observability.LogEvent(bgCtx, "info", "backtest_eod_close", map[string]any{
			"symbol": symbol, "pnl": pnl.String(),
		})
	}
}
