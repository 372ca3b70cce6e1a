package marketdata

import (
	"encoding/json"
	"testing"
	"time"

	"jax-trading-assistant/libs/contracts/domain"
	sharedtest "jax-trading-assistant/libs/testing"
)

func TestAdapterConfig_ValidateRequiresCredentials(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing API credentials")
	}
	cfg.APIKey = "key"
	cfg.APISecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error once credentials are set: %v", err)
	}
}

func TestAdapterConfig_ValidateRequiresURLs(t *testing.T) {
	cfg := &AdapterConfig{APIKey: "key", APISecret: "secret"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing trading/data URLs")
	}
}

func TestNewAlpacaAdapter_RejectsInvalidPollInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey, cfg.APISecret = "key", "secret"
	cfg.PollInterval = "not-a-duration"
	if _, err := NewAlpacaAdapter(cfg); err == nil {
		t.Fatal("expected error for an unparseable poll interval")
	}
}

func TestNewAlpacaAdapter_RejectsInvalidConfig(t *testing.T) {
	if _, err := NewAlpacaAdapter(&AdapterConfig{}); err == nil {
		t.Fatal("expected error for an empty config")
	}
}

func TestMustDec_ReturnsZeroOnEmptyOrInvalid(t *testing.T) {
	if !mustDec("").IsZero() {
		t.Error("expected zero decimal for empty string")
	}
	if !mustDec("not-a-number").IsZero() {
		t.Error("expected zero decimal for unparseable string")
	}
	if mustDec("12.50").String() != "12.5" {
		t.Errorf("mustDec(12.50) = %v, want 12.5", mustDec("12.50"))
	}
}

func TestToOrderStatus_NilsFilledAvgPriceWhenUnfilled(t *testing.T) {
	o := &alpacaOrder{
		ID: "abc123", Symbol: "AAPL", Side: "buy", Type: "market",
		Qty: "10", FilledQty: "0", FilledAvgPrice: "", Status: "new",
		SubmittedAt: time.Date(2024, 1, 8, 9, 30, 0, 0, time.UTC),
	}
	status := toOrderStatus(o)
	if status.FilledAvgPrice != nil {
		t.Error("expected nil FilledAvgPrice for an unfilled order")
	}
	if status.Status != domain.BrokerNew {
		t.Errorf("Status = %v, want %v", status.Status, domain.BrokerNew)
	}
}

func TestToOrderStatus_ParsesFilledAvgPrice(t *testing.T) {
	o := &alpacaOrder{
		ID: "abc123", Symbol: "AAPL", Side: "sell", Type: "market",
		Qty: "10", FilledQty: "10", FilledAvgPrice: "101.25", Status: "filled",
		SubmittedAt: time.Date(2024, 1, 8, 9, 30, 0, 0, time.UTC),
	}
	status := toOrderStatus(o)
	if status.FilledAvgPrice == nil {
		t.Fatal("expected a non-nil FilledAvgPrice for a filled order")
	}
	if status.FilledAvgPrice.String() != "101.25" {
		t.Errorf("FilledAvgPrice = %v, want 101.25", status.FilledAvgPrice)
	}
}

// TestToOrderStatus_ParsesRecordedFilledOrderFixture runs a captured Alpaca
// filled-order payload through toOrderStatus, catching any drift in field
// parsing that a hand-built literal wouldn't exercise.
func TestToOrderStatus_ParsesRecordedFilledOrderFixture(t *testing.T) {
	raw := sharedtest.LoadFixture(t, "alpaca_filled_order.json")

	var o alpacaOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	status := toOrderStatus(&o)
	if status.Symbol != "AAPL" {
		t.Errorf("Symbol = %q, want AAPL", status.Symbol)
	}
	if status.Status != domain.BrokerFilled {
		t.Errorf("Status = %v, want %v", status.Status, domain.BrokerFilled)
	}
	if status.FilledAvgPrice == nil || status.FilledAvgPrice.String() != "101.25" {
		t.Errorf("FilledAvgPrice = %v, want 101.25", status.FilledAvgPrice)
	}
}

func TestToTradeUpdate_FiltersOutNonActionableStatuses(t *testing.T) {
	_, ok := toTradeUpdate(domain.OrderStatus{Status: domain.BrokerOrderStatus("pending_new")})
	if ok {
		t.Error("expected pending_new to be filtered out as non-actionable")
	}

	update, ok := toTradeUpdate(domain.OrderStatus{
		BrokerOrderID: "abc123", Symbol: "AAPL", Status: domain.BrokerFilled,
	})
	if !ok {
		t.Fatal("expected a filled order to produce a trade update")
	}
	if update.Event != domain.EventFill {
		t.Errorf("Event = %v, want %v", update.Event, domain.EventFill)
	}
}
