// Package risk implements the pre-order approval pipeline: a position
// sizer, a daily-loss/consecutive-loss circuit breaker, and the gate that
// serializes both behind a single mutex ahead of every order submission.
package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the versioned, immutable risk configuration. It is loaded once
// at startup and passed read-only through the system.
type Config struct {
	// RiskPct is the fraction of account equity risked per trade (0,1].
	RiskPct decimal.Decimal `json:"risk_pct"`
	// AbsRiskCap is the maximum dollar amount risked on a single trade,
	// regardless of RiskPct.
	AbsRiskCap decimal.Decimal `json:"abs_risk_cap"`
	// MaxPositionPct is the maximum fraction of equity a single position's
	// notional value may represent.
	MaxPositionPct decimal.Decimal `json:"max_position_pct"`
	// MaxOpenPositions is the maximum number of simultaneously open positions.
	MaxOpenPositions int `json:"max_open_positions"`
	// MaxDailyLossPct is the fraction of start-of-day equity the breaker
	// allows to be lost in a trading day before it trips. The dollar limit
	// is start_of_day_equity * MaxDailyLossPct, recomputed at each reset.
	MaxDailyLossPct decimal.Decimal `json:"max_daily_loss_pct"`
	// ConsecutiveLossLimit is the number of consecutive losing trades
	// allowed before the breaker trips.
	ConsecutiveLossLimit int `json:"consecutive_loss_limit"`

	// LoadedFrom is the file path the config was read from (empty for defaults).
	LoadedFrom string `json:"-"`
	// LoadedAt is the wall-clock time the config was loaded.
	LoadedAt time.Time `json:"-"`
	// Version is a short deterministic identifier for the loaded config.
	Version string `json:"-"`
}

// LoadConfig reads a JSON file and returns a validated Config. It returns
// DefaultConfig if path is empty or the file does not exist, so the system
// can start without a config file in development.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("risk: read config file %q: %w", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("risk: parse config file %q: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("risk: invalid config in %q: %w", path, err)
	}

	c.LoadedFrom = path
	c.LoadedAt = time.Now().UTC()
	c.Version = configVersion(data)
	return &c, nil
}

// DefaultConfig returns a conservative configuration used when no file exists.
func DefaultConfig() *Config {
	c := &Config{
		RiskPct:              decimal.NewFromFloat(0.01),
		AbsRiskCap:           decimal.NewFromInt(500),
		MaxPositionPct:       decimal.NewFromFloat(0.25),
		MaxOpenPositions:     5,
		MaxDailyLossPct:      decimal.NewFromFloat(0.03),
		ConsecutiveLossLimit: 3,
		LoadedAt:             time.Now().UTC(),
	}
	b, _ := json.Marshal(c)
	c.Version = configVersion(b)
	return c
}

func (c *Config) validate() error {
	var errs []string

	if c.RiskPct.LessThanOrEqual(decimal.Zero) || c.RiskPct.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("risk_pct must be in (0,1], got %s", c.RiskPct))
	}
	if c.MaxPositionPct.LessThanOrEqual(decimal.Zero) || c.MaxPositionPct.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("max_position_pct must be in (0,1], got %s", c.MaxPositionPct))
	}
	if c.MaxOpenPositions <= 0 {
		errs = append(errs, "max_open_positions must be > 0")
	}
	if c.MaxDailyLossPct.LessThanOrEqual(decimal.Zero) || c.MaxDailyLossPct.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("max_daily_loss_pct must be in (0,1], got %s", c.MaxDailyLossPct))
	}
	if c.ConsecutiveLossLimit <= 0 {
		errs = append(errs, "consecutive_loss_limit must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// configVersion returns a short deterministic identifier for the config JSON.
func configVersion(data []byte) string {
	h := uint64(14695981039346656037)
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return fmt.Sprintf("v%x", h&0xffffffffffff)
}
