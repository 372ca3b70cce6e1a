package domain

import "github.com/shopspring/decimal"

// Position is a current holding in a symbol, as reported by the broker (or
// the sim broker in backtests).
type Position struct {
	Symbol          string
	Qty             decimal.Decimal
	Side            Side
	AvgEntryPrice   decimal.Decimal
	MarketValue     decimal.Decimal
	UnrealizedPL    decimal.Decimal
	UnrealizedPLPct decimal.Decimal
}

// AccountInfo is a brokerage account summary.
type AccountInfo struct {
	Equity            decimal.Decimal
	Cash              decimal.Decimal
	BuyingPower       decimal.Decimal
	PortfolioValue    decimal.Decimal
	DayTradeCount     int
	PatternDayTrader  bool
}
