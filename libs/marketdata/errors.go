package marketdata

import "errors"

var (
	// ErrInvalidSymbol is returned when a symbol is invalid or unrecognized
	// by Alpaca.
	ErrInvalidSymbol = errors.New("marketdata: invalid symbol")

	// ErrNoData is returned when a quote or bar request has no data to
	// return (e.g. a symbol with no trades yet today).
	ErrNoData = errors.New("marketdata: no data available")
)
