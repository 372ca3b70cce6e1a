package candle

import "time"

// Regular NYSE/Nasdaq cash session hours, in UTC during the test fixtures'
// offset-naive timestamps. The core spec scopes market-hours handling to
// this one predicate; holiday calendars and half-days are a data-adapter
// concern, out of scope for the core.
const (
	sessionOpenHour    = 9
	sessionOpenMinute  = 30
	sessionCloseHour   = 16
	sessionCloseMinute = 0
)

// marketOpen returns the session open instant for the bar timestamp's date,
// in the same location as t.
func marketOpen(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, sessionOpenHour, sessionOpenMinute, 0, 0, t.Location())
}

// marketClose returns the session close instant for the bar timestamp's
// date, in the same location as t.
func marketClose(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, sessionCloseHour, sessionCloseMinute, 0, 0, t.Location())
}

// isMarketHours reports whether t falls within [marketOpen, marketClose)
// on weekdays. Weekends are never market hours; holidays are not modeled
// here (data-adapter concern).
func isMarketHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := marketOpen(t)
	closeT := marketClose(t)
	return !t.Before(open) && t.Before(closeT)
}
