package ordermanager

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"jax-trading-assistant/libs/contracts/domain"
	"jax-trading-assistant/libs/database"
	"jax-trading-assistant/libs/statemachine"
	clockctx "jax-trading-assistant/libs/testing"
)

// PgStore is the Postgres-backed Store, used in production. MemStore covers
// tests, where a round trip to a real database adds nothing but latency.
type PgStore struct {
	db *database.DB
}

// NewPgStore wraps an already-connected database.DB.
func NewPgStore(db *database.DB) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) Create(ctx context.Context, order domain.OrderRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			local_id, broker_id, correlation_id, symbol, side, order_type, order_role,
			qty_requested, qty_filled, avg_fill_price, stop_price, state, parent_id,
			strategy, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		order.LocalID, order.BrokerID, order.CorrelationID, order.Symbol, string(order.Side),
		string(order.OrderType), string(order.OrderRole), order.QtyRequested, order.QtyFilled,
		order.AvgFillPrice, order.StopPrice, string(order.State), order.ParentID,
		order.Strategy, order.CreatedAt, order.UpdatedAt,
	)
	return err
}

func (s *PgStore) GetByLocalID(ctx context.Context, localID string) (domain.OrderRecord, error) {
	return s.scanOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE local_id = $1`, localID)
}

func (s *PgStore) GetByBrokerID(ctx context.Context, brokerID string) (domain.OrderRecord, error) {
	return s.scanOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE broker_id = $1`, brokerID)
}

func (s *PgStore) FindActiveStop(ctx context.Context, correlationID string) (domain.OrderRecord, error) {
	return s.scanOne(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE correlation_id = $1 AND order_role = $2 AND state NOT IN (`+terminalStates+`)
		LIMIT 1`, correlationID, string(domain.RoleStopLoss))
}

func (s *PgStore) ListNonTerminalEntries(ctx context.Context) ([]domain.OrderRecord, error) {
	return s.scanMany(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE order_role = $1 AND state NOT IN (`+terminalStates+`)`, string(domain.RoleEntry))
}

func (s *PgStore) ListNonTerminal(ctx context.Context) ([]domain.OrderRecord, error) {
	return s.scanMany(ctx, `SELECT `+orderColumns+` FROM orders WHERE state NOT IN (`+terminalStates+`)`)
}

// Transition loads the order, validates the transition through the state
// machine, and writes the new state plus its audit event inside one
// transaction, mirroring the one-transaction-per-transition discipline used
// throughout the order lifecycle.
func (s *PgStore) Transition(ctx context.Context, localID string, newState domain.OrderState, patch TransitionPatch) error {
	return s.transition(ctx, localID, newState, patch, true)
}

// ForceTransition bypasses state-machine validation — the reconciler's
// escape hatch for correcting local state to match broker truth.
func (s *PgStore) ForceTransition(ctx context.Context, localID string, newState domain.OrderState, patch TransitionPatch) error {
	return s.transition(ctx, localID, newState, patch, false)
}

func (s *PgStore) transition(ctx context.Context, localID string, newState domain.OrderState, patch TransitionPatch, validate bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	order, err := s.scanOneTx(ctx, tx, `SELECT `+orderColumns+` FROM orders WHERE local_id = $1 FOR UPDATE`, localID)
	if err != nil {
		return err
	}

	if validate {
		machine := statemachine.New(order.State)
		if err := machine.Transition(newState); err != nil {
			return err
		}
	}

	oldState := order.State
	now := clockctx.Now(ctx)
	brokerID := order.BrokerID
	if patch.BrokerID != nil {
		brokerID = patch.BrokerID
	}
	qtyFilled := order.QtyFilled
	if patch.QtyFilled != nil {
		qtyFilled = *patch.QtyFilled
	}
	fillPrice := order.AvgFillPrice
	if patch.FillPrice != nil {
		fillPrice = patch.FillPrice
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET state=$1, broker_id=$2, qty_filled=$3, avg_fill_price=$4, updated_at=$5
		WHERE local_id=$6`,
		string(newState), brokerID, qtyFilled, fillPrice, now, localID,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO order_events (
			order_local_id, event_type, old_state, new_state, qty_filled, fill_price,
			broker_id, detail, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		localID, patch.EventType, string(oldState), string(newState), patch.QtyFilled, patch.FillPrice,
		brokerID, patch.Detail, now,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PgStore) CreateTrade(ctx context.Context, trade domain.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (
			trade_id, correlation_id, symbol, side, qty, entry_price, exit_price,
			entry_at, exit_at, pnl, pnl_pct, strategy, duration_seconds, commission
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		trade.TradeID, trade.CorrelationID, trade.Symbol, string(trade.Side), trade.Qty,
		trade.EntryPrice, trade.ExitPrice, trade.EntryAt, trade.ExitAt, trade.PnL, trade.PnLPct,
		trade.Strategy, trade.DurationSeconds, trade.Commission,
	)
	return err
}

func (s *PgStore) FindFilledOrders(ctx context.Context, correlationID string) ([]domain.OrderRecord, error) {
	return s.scanMany(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE correlation_id = $1 AND state = $2`,
		correlationID, string(domain.StateFilled))
}

func (s *PgStore) HasFilledEntry(ctx context.Context, symbol string) (bool, error) {
	return s.exists(ctx, `
		SELECT 1 FROM orders WHERE symbol = $1 AND order_role = $2 AND state = $3 LIMIT 1`,
		symbol, string(domain.RoleEntry), string(domain.StateFilled))
}

func (s *PgStore) HasActiveStopForSymbol(ctx context.Context, symbol string) (bool, error) {
	return s.exists(ctx, `
		SELECT 1 FROM orders WHERE symbol = $1 AND order_role = $2 AND state NOT IN (`+terminalStates+`) LIMIT 1`,
		symbol, string(domain.RoleStopLoss))
}

func (s *PgStore) HasFilledOrphan(ctx context.Context, correlationID string) (bool, error) {
	return s.exists(ctx, `
		SELECT 1 FROM orders WHERE correlation_id = $1 AND state = $2 LIMIT 1`,
		correlationID, string(domain.StateFilled))
}

func (s *PgStore) CorrelationForSymbol(ctx context.Context, symbol string) (string, bool, error) {
	var correlationID string
	row := s.db.QueryRowContext(ctx, `
		SELECT correlation_id FROM orders
		WHERE symbol = $1 AND order_role = $2 AND state = $3 LIMIT 1`,
		symbol, string(domain.RoleEntry), string(domain.StateFilled))
	err := row.Scan(&correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return correlationID, true, nil
}

func (s *PgStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

const orderColumns = `
	local_id, broker_id, correlation_id, symbol, side, order_type, order_role,
	qty_requested, qty_filled, avg_fill_price, stop_price, state, parent_id,
	strategy, created_at, updated_at`

// terminalStates mirrors domain.OrderState.Terminal() for use inside a SQL
// NOT IN clause; kept in lockstep with that method by hand since Go can't
// project the switch into SQL.
const terminalStates = `'filled','canceled','expired','rejected','submit_failed'`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.OrderRecord, error) {
	var o domain.OrderRecord
	var side, orderType, orderRole, state string
	var qtyFilled decimal.Decimal
	err := row.Scan(
		&o.LocalID, &o.BrokerID, &o.CorrelationID, &o.Symbol, &side, &orderType, &orderRole,
		&o.QtyRequested, &qtyFilled, &o.AvgFillPrice, &o.StopPrice, &state, &o.ParentID,
		&o.Strategy, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	o.Side = domain.Side(side)
	o.OrderType = domain.OrderType(orderType)
	o.OrderRole = domain.OrderRole(orderRole)
	o.State = domain.OrderState(state)
	o.QtyFilled = qtyFilled
	return o, nil
}

func (s *PgStore) scanOne(ctx context.Context, query string, args ...any) (domain.OrderRecord, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OrderRecord{}, ErrOrderNotFound
	}
	return order, err
}

func (s *PgStore) scanOneTx(ctx context.Context, tx *sql.Tx, query string, args ...any) (domain.OrderRecord, error) {
	order, err := scanOrder(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OrderRecord{}, ErrOrderNotFound
	}
	return order, err
}

func (s *PgStore) scanMany(ctx context.Context, query string, args ...any) ([]domain.OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OrderRecord
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

var _ Store = (*PgStore)(nil)
