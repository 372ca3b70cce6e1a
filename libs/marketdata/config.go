// Package marketdata adapts the engine's BrokerAdapter/DataAdapter
// contracts (libs/contracts/domain) to Alpaca: the alpaca-trade-api-go
// marketdata SDK client for quotes and bars, and resty-driven REST calls
// against the Alpaca Trading API for everything the SDK's trading surface
// does not cover. One concrete adapter per the engine's single-broker
// scope — no provider fallback, no second vendor.
package marketdata

import (
	"errors"
	"fmt"
)

// AdapterConfig holds the credentials and endpoints for one Alpaca
// account. Paper and live trading use different base URLs; market data
// uses a separate host regardless of paper/live.
type AdapterConfig struct {
	APIKey       string
	APISecret    string
	TradingURL   string // e.g. https://paper-api.alpaca.markets
	DataURL      string // e.g. https://data.alpaca.markets
	PollInterval string // bar/trade-update polling cadence, parsed as a duration
}

// DefaultConfig returns paper-trading endpoints; callers still must supply
// APIKey/APISecret.
func DefaultConfig() *AdapterConfig {
	return &AdapterConfig{
		TradingURL:   "https://paper-api.alpaca.markets",
		DataURL:      "https://data.alpaca.markets",
		PollInterval: "5s",
	}
}

// Validate checks that the configuration carries usable credentials.
func (c *AdapterConfig) Validate() error {
	if c.APIKey == "" || c.APISecret == "" {
		return errors.New("marketdata: APIKey and APISecret are required")
	}
	if c.TradingURL == "" || c.DataURL == "" {
		return fmt.Errorf("marketdata: TradingURL and DataURL are required")
	}
	return nil
}
