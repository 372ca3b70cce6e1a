package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"jax-trading-assistant/libs/contracts/domain"
	"jax-trading-assistant/libs/observability"
	"jax-trading-assistant/libs/resilience"
)

// alpacaOrder is the wire shape of one order in the Alpaca Trading API.
// Price fields arrive as JSON strings (Alpaca's convention, avoiding float
// wire-precision loss) and are parsed into decimal.Decimal at the
// boundary, matching the rest of the engine's exact-decimal convention.
type alpacaOrder struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	TimeInForce    string    `json:"time_in_force"`
	Qty            string    `json:"qty"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price"`
	LimitPrice     string    `json:"limit_price"`
	StopPrice      string    `json:"stop_price"`
	Status         string    `json:"status"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

type alpacaPosition struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	Side           string `json:"side"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	MarketValue    string `json:"market_value"`
	UnrealizedPL   string `json:"unrealized_pl"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
}

type alpacaAccount struct {
	Equity           string `json:"equity"`
	Cash             string `json:"cash"`
	BuyingPower      string `json:"buying_power"`
	PortfolioValue   string `json:"portfolio_value"`
	DaytradeCount    int    `json:"daytrade_count"`
	PatternDayTrader bool   `json:"pattern_day_trader"`
}

// AlpacaAdapter implements domain.BrokerAdapter and domain.DataAdapter
// against one Alpaca account: the SDK's marketdata client for quotes and
// bars, resty for everything the Trading REST API covers that the SDK
// does not (order lifecycle, positions, account), both wrapped in the
// same circuit breaker the teacher used for upstream API calls.
type AlpacaAdapter struct {
	cfg *AdapterConfig

	data *marketdata.Client
	rest *resty.Client
	cb   *resilience.CircuitBreaker

	pollInterval time.Duration

	mu        sync.Mutex
	connected bool
}

// NewAlpacaAdapter constructs an adapter from config. It does not contact
// Alpaca until Connect is called.
func NewAlpacaAdapter(cfg *AdapterConfig) (*AlpacaAdapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poll, err := time.ParseDuration(cfg.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("marketdata: invalid poll interval %q: %w", cfg.PollInterval, err)
	}

	dataClient := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.DataURL,
	})

	rest := resty.New().
		SetBaseURL(cfg.TradingURL).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.APISecret).
		SetTimeout(10 * time.Second)

	return &AlpacaAdapter{
		cfg:          cfg,
		data:         dataClient,
		rest:         rest,
		cb:           resilience.NewCircuitBreaker(resilience.DefaultConfig("alpaca-trading-api")),
		pollInterval: poll,
	}, nil
}

// Connect verifies credentials against the account endpoint.
func (a *AlpacaAdapter) Connect(ctx context.Context) error {
	if _, err := a.GetAccount(ctx); err != nil {
		return &domain.BrokerConnectionError{Cause: err}
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

// Disconnect clears the connected flag. The HTTP clients hold no
// persistent connection state and have no explicit close.
func (a *AlpacaAdapter) Disconnect(context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

func (a *AlpacaAdapter) execute(ctx context.Context, fn func() (any, error)) (any, error) {
	return a.cb.ExecuteWithContext(ctx, fn)
}

// --- domain.BrokerAdapter ---

func (a *AlpacaAdapter) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderStatus, error) {
	body := map[string]any{
		"symbol":        req.Symbol,
		"side":          string(req.Side),
		"type":          string(req.OrderType),
		"time_in_force": string(req.TimeInForce),
		"qty":           req.Qty.String(),
	}
	if req.LimitPrice != nil {
		body["limit_price"] = req.LimitPrice.String()
	}
	if req.StopPrice != nil {
		body["stop_price"] = req.StopPrice.String()
	}
	if req.TrailPrice != nil {
		body["trail_price"] = req.TrailPrice.String()
	}
	if req.TrailPercent != nil {
		body["trail_percent"] = req.TrailPercent.String()
	}

	result, err := a.execute(ctx, func() (any, error) {
		var out alpacaOrder
		resp, err := a.rest.R().SetContext(ctx).SetBody(body).SetResult(&out).Post("/v2/orders")
		if err != nil {
			return nil, &domain.BrokerConnectionError{Cause: err}
		}
		if code := resp.StatusCode(); code >= 400 {
			if code == 401 || code == 403 {
				return nil, &domain.BrokerAuthError{Cause: errors.New(resp.String())}
			}
			return nil, &domain.BrokerAPIError{Status: code, Message: resp.String()}
		}
		return &out, nil
	})
	if err != nil {
		return domain.OrderStatus{}, err
	}
	return toOrderStatus(result.(*alpacaOrder)), nil
}

func (a *AlpacaAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := a.execute(ctx, func() (any, error) {
		resp, err := a.rest.R().SetContext(ctx).Delete("/v2/orders/" + brokerOrderID)
		if err != nil {
			return nil, &domain.BrokerConnectionError{Cause: err}
		}
		if code := resp.StatusCode(); code >= 400 {
			return nil, &domain.BrokerAPIError{Status: code, Message: resp.String()}
		}
		return nil, nil
	})
	return err
}

func (a *AlpacaAdapter) ReplaceOrder(ctx context.Context, brokerOrderID string, qty, limitPrice, stopPrice *decimal.Decimal) (domain.OrderStatus, error) {
	body := map[string]any{}
	if qty != nil {
		body["qty"] = qty.String()
	}
	if limitPrice != nil {
		body["limit_price"] = limitPrice.String()
	}
	if stopPrice != nil {
		body["stop_price"] = stopPrice.String()
	}

	result, err := a.execute(ctx, func() (any, error) {
		var out alpacaOrder
		resp, err := a.rest.R().SetContext(ctx).SetBody(body).SetResult(&out).Patch("/v2/orders/" + brokerOrderID)
		if err != nil {
			return nil, &domain.BrokerConnectionError{Cause: err}
		}
		if code := resp.StatusCode(); code >= 400 {
			return nil, &domain.BrokerAPIError{Status: code, Message: resp.String()}
		}
		return &out, nil
	})
	if err != nil {
		return domain.OrderStatus{}, err
	}
	return toOrderStatus(result.(*alpacaOrder)), nil
}

func (a *AlpacaAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderStatus, error) {
	result, err := a.execute(ctx, func() (any, error) {
		var out alpacaOrder
		resp, err := a.rest.R().SetContext(ctx).SetResult(&out).Get("/v2/orders/" + brokerOrderID)
		if err != nil {
			return nil, &domain.BrokerConnectionError{Cause: err}
		}
		if code := resp.StatusCode(); code >= 400 {
			return nil, &domain.BrokerAPIError{Status: code, Message: resp.String()}
		}
		return &out, nil
	})
	if err != nil {
		return domain.OrderStatus{}, err
	}
	return toOrderStatus(result.(*alpacaOrder)), nil
}

func (a *AlpacaAdapter) GetPositions(ctx context.Context) ([]domain.Position, error) {
	result, err := a.execute(ctx, func() (any, error) {
		var out []alpacaPosition
		resp, err := a.rest.R().SetContext(ctx).SetResult(&out).Get("/v2/positions")
		if err != nil {
			return nil, &domain.BrokerConnectionError{Cause: err}
		}
		if code := resp.StatusCode(); code >= 400 {
			return nil, &domain.BrokerAPIError{Status: code, Message: resp.String()}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	raw := result.([]alpacaPosition)
	positions := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, domain.Position{
			Symbol:          p.Symbol,
			Qty:             mustDec(p.Qty),
			Side:            domain.Side(p.Side),
			AvgEntryPrice:   mustDec(p.AvgEntryPrice),
			MarketValue:     mustDec(p.MarketValue),
			UnrealizedPL:    mustDec(p.UnrealizedPL),
			UnrealizedPLPct: mustDec(p.UnrealizedPLPC).Mul(decimal.NewFromInt(100)),
		})
	}
	return positions, nil
}

func (a *AlpacaAdapter) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	result, err := a.execute(ctx, func() (any, error) {
		var out alpacaAccount
		resp, err := a.rest.R().SetContext(ctx).SetResult(&out).Get("/v2/account")
		if err != nil {
			return nil, &domain.BrokerConnectionError{Cause: err}
		}
		if code := resp.StatusCode(); code >= 400 {
			if code == 401 || code == 403 {
				return nil, &domain.BrokerAuthError{Cause: errors.New(resp.String())}
			}
			return nil, &domain.BrokerAPIError{Status: code, Message: resp.String()}
		}
		return &out, nil
	})
	if err != nil {
		return domain.AccountInfo{}, err
	}
	acc := result.(*alpacaAccount)
	return domain.AccountInfo{
		Equity:           mustDec(acc.Equity),
		Cash:             mustDec(acc.Cash),
		BuyingPower:      mustDec(acc.BuyingPower),
		PortfolioValue:   mustDec(acc.PortfolioValue),
		DayTradeCount:    acc.DaytradeCount,
		PatternDayTrader: acc.PatternDayTrader,
	}, nil
}

func (a *AlpacaAdapter) GetOpenOrders(ctx context.Context) ([]domain.OrderStatus, error) {
	return a.listOrders(ctx, map[string]string{"status": "open"})
}

func (a *AlpacaAdapter) GetRecentOrders(ctx context.Context, sinceHours int) ([]domain.OrderStatus, error) {
	after := time.Now().UTC().Add(-time.Duration(sinceHours) * time.Hour).Format(time.RFC3339)
	return a.listOrders(ctx, map[string]string{"status": "all", "after": after})
}

func (a *AlpacaAdapter) listOrders(ctx context.Context, params map[string]string) ([]domain.OrderStatus, error) {
	result, err := a.execute(ctx, func() (any, error) {
		var out []alpacaOrder
		resp, err := a.rest.R().SetContext(ctx).SetQueryParams(params).SetResult(&out).Get("/v2/orders")
		if err != nil {
			return nil, &domain.BrokerConnectionError{Cause: err}
		}
		if code := resp.StatusCode(); code >= 400 {
			return nil, &domain.BrokerAPIError{Status: code, Message: resp.String()}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	raw := result.([]alpacaOrder)
	statuses := make([]domain.OrderStatus, 0, len(raw))
	for _, o := range raw {
		statuses = append(statuses, toOrderStatus(&o))
	}
	return statuses, nil
}

// SubscribeTradeUpdates polls GetRecentOrders (last 24h) at the configured interval and
// emits a TradeUpdate for every status change it observes. The teacher's
// provider left WebSocket streaming as an explicit placeholder; polling the
// REST order list is the adaptation that replaces it without requiring a
// second transport stack, at the cost of sub-second latency on fills.
func (a *AlpacaAdapter) SubscribeTradeUpdates(ctx context.Context) (<-chan domain.TradeUpdate, error) {
	ch := make(chan domain.TradeUpdate, 64)
	go func() {
		defer close(ch)
		seen := make(map[string]domain.BrokerOrderStatus)
		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				orders, err := a.GetRecentOrders(ctx, 24)
				if err != nil {
					observability.LogEvent(ctx, "error", "trade_update_poll_failed", map[string]any{"error": err.Error()})
					continue
				}
				for _, o := range orders {
					if seen[o.BrokerOrderID] == o.Status {
						continue
					}
					seen[o.BrokerOrderID] = o.Status
					update, ok := toTradeUpdate(o)
					if !ok {
						continue
					}
					select {
					case ch <- update:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// --- domain.DataAdapter ---

func (a *AlpacaAdapter) SubscribeBars(ctx context.Context, symbols []string) (<-chan domain.Bar, error) {
	ch := make(chan domain.Bar, 256)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()
		lastSeen := make(map[string]time.Time)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, symbol := range symbols {
					since := lastSeen[symbol]
					if since.IsZero() {
						since = time.Now().UTC().Add(-a.pollInterval)
					}
					bars, err := a.GetHistoricalBars(ctx, symbol, since, time.Now().UTC())
					if err != nil {
						observability.LogEvent(ctx, "error", "bar_poll_failed", map[string]any{"symbol": symbol, "error": err.Error()})
						continue
					}
					for _, b := range bars {
						lastSeen[symbol] = b.Timestamp
						if ctx.Err() != nil {
							return
						}
						select {
						case ch <- b:
						default:
							observability.LogEvent(ctx, "critical", "bar_queue_overflow", map[string]any{"symbol": symbol, "timestamp": b.Timestamp})
						}
					}
				}
			}
		}
	}()
	return ch, nil
}

func (a *AlpacaAdapter) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	result, err := a.execute(ctx, func() (any, error) {
		bars, err := a.data.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.NewTimeFrame(1, marketdata.Min),
			Start:     start,
			End:       end,
		})
		if err != nil {
			return nil, &domain.BrokerAPIError{Status: 0, Message: err.Error()}
		}
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	raw := result.([]marketdata.Bar)
	if len(raw) == 0 {
		return nil, ErrNoData
	}
	out := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		out = append(out, domain.Bar{
			Symbol:    symbol,
			Timestamp: b.Timestamp,
			Open:      decimal.NewFromFloat(b.Open),
			High:      decimal.NewFromFloat(b.High),
			Low:       decimal.NewFromFloat(b.Low),
			Close:     decimal.NewFromFloat(b.Close),
			Volume:    int64(b.Volume),
		})
	}
	return out, nil
}

func (a *AlpacaAdapter) GetLatestQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	result, err := a.execute(ctx, func() (any, error) {
		snapshot, err := a.data.GetSnapshot(symbol, marketdata.GetSnapshotRequest{})
		if err != nil {
			return nil, &domain.BrokerAPIError{Status: 0, Message: err.Error()}
		}
		if snapshot == nil || snapshot.LatestTrade == nil {
			return nil, ErrNoData
		}
		return snapshot, nil
	})
	if err != nil {
		return domain.Quote{}, err
	}
	snap := result.(*marketdata.Snapshot)

	q := domain.Quote{
		Symbol:    symbol,
		Timestamp: snap.LatestTrade.Timestamp,
		Last:      decimal.NewFromFloat(snap.LatestTrade.Price),
	}
	if snap.LatestQuote != nil {
		q.Bid = decimal.NewFromFloat(snap.LatestQuote.BidPrice)
		q.Ask = decimal.NewFromFloat(snap.LatestQuote.AskPrice)
		q.BidSize = int64(snap.LatestQuote.BidSize)
		q.AskSize = int64(snap.LatestQuote.AskSize)
	}
	if snap.DailyBar != nil {
		q.Volume = int64(snap.DailyBar.Volume)
	}
	return q, nil
}

func toOrderStatus(o *alpacaOrder) domain.OrderStatus {
	status := domain.OrderStatus{
		BrokerOrderID: o.ID,
		Symbol:        o.Symbol,
		Side:          domain.Side(o.Side),
		Qty:           mustDec(o.Qty),
		OrderType:     domain.OrderType(o.Type),
		Status:        domain.BrokerOrderStatus(o.Status),
		FilledQty:     mustDec(o.FilledQty),
		SubmittedAt:   o.SubmittedAt,
	}
	if o.FilledAvgPrice != "" {
		p := mustDec(o.FilledAvgPrice)
		status.FilledAvgPrice = &p
	}
	return status
}

// actionableEvents mirrors the informational-event filter named in the
// engine's trade-update contract: pending_new/pending_replace/restated
// never reach the core.
var actionableEvents = map[domain.BrokerOrderStatus]domain.TradeEventType{
	domain.BrokerNew:             domain.EventNew,
	domain.BrokerAccepted:        domain.EventAccepted,
	domain.BrokerFilled:          domain.EventFill,
	domain.BrokerPartiallyFilled: domain.EventPartialFill,
	domain.BrokerCanceled:        domain.EventCanceled,
	domain.BrokerExpired:         domain.EventExpired,
	domain.BrokerRejected:        domain.EventRejected,
	domain.BrokerReplaced:        domain.EventReplaced,
	domain.BrokerPendingCancel:   domain.EventPendingCancel,
}

func toTradeUpdate(o domain.OrderStatus) (domain.TradeUpdate, bool) {
	event, ok := actionableEvents[o.Status]
	if !ok {
		return domain.TradeUpdate{}, false
	}
	return domain.TradeUpdate{
		Event:          event,
		OrderID:        o.BrokerOrderID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Qty:            o.Qty,
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
		Timestamp:      o.SubmittedAt,
	}, true
}

func mustDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ domain.BrokerAdapter = (*AlpacaAdapter)(nil)
var _ domain.DataAdapter = (*AlpacaAdapter)(nil)
