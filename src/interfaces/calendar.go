package interfaces

import (
	"time"

	"pool-observer/src/models"
)

// -----------------------------------------------------------------------------
// ITradingCalendar classifies dates for the cache.
// -----------------------------------------------------------------------------

type ITradingCalendar interface {
	IsTradingDay(date models.TradeDate) bool

	// Enumerate returns start..end inclusive, ascending.
	Enumerate(start, end models.TradeDate) []models.TradeDate

	// IsSettled reports whether the pools of date are final as of now.
	IsSettled(date models.TradeDate, now time.Time) bool

	LatestSettledDay(now time.Time) models.TradeDate

	// Today is the current date on the exchange's wall clock.
	Today(now time.Time) models.TradeDate
}
