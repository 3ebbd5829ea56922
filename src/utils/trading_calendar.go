package utils

import (
	"fmt"
	"strings"
	"time"

	"pool-observer/src/logger"
	"pool-observer/src/models"

	"github.com/scmhub/calendar"
)

const (
	DefaultMIC        = "xshg"
	DefaultTimezone   = "Asia/Shanghai"
	DefaultSettleTime = "15:30"
)

// TradingCalendar calculates trading days using scmhub/calendar.
type TradingCalendar struct {
	Calendar *calendar.Calendar
	Fallback bool
	Timezone *time.Location

	settleHour   int
	settleMinute int
}

// -----------------------------------------------------------------------------

// NewTradingCalendar loads the exchange calendar for mic. When the library has no
// calendar for it, a weekday-only calendar in the given timezone is used instead.
func NewTradingCalendar(cfg models.MCalendarConfig, log *logger.Logger) (*TradingCalendar, error) {
	mic := strings.ToLower(cfg.MIC)
	if mic == "" {
		mic = DefaultMIC
	}
	tzName := cfg.Timezone
	if tzName == "" {
		tzName = DefaultTimezone
	}
	settle := cfg.SettleTime
	if settle == "" {
		settle = DefaultSettleTime
	}

	hour, minute, err := parseClock(settle)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		// Minimal containers may lack tzdata; the exchanges served here never observe DST.
		loc = time.FixedZone("CST", 8*60*60)
	}

	tc := &TradingCalendar{Timezone: loc, settleHour: hour, settleMinute: minute}

	cal := calendar.GetCalendar(mic)
	if cal == nil {
		if log != nil {
			log.Warning("No exchange calendar for MIC '%s'. Using weekday-only fallback.", mic)
		}
		tc.Fallback = true
		return tc, nil
	}

	tc.Calendar = cal
	return tc, nil
}

// -----------------------------------------------------------------------------

// NewWeekdayCalendar is the holiday-unaware calendar: Monday to Friday are trading days.
func NewWeekdayCalendar(loc *time.Location, settleHour, settleMinute int) *TradingCalendar {
	if loc == nil {
		loc = time.UTC
	}
	return &TradingCalendar{Fallback: true, Timezone: loc, settleHour: settleHour, settleMinute: settleMinute}
}

// -----------------------------------------------------------------------------

func (tc *TradingCalendar) IsTradingDay(date models.TradeDate) bool {
	weekday := date.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		return false
	}
	if tc.Fallback {
		return true
	}
	// Noon local time keeps the check away from any day-boundary ambiguity.
	y, m, d := date.Time().Date()
	return tc.Calendar.IsBusinessDay(time.Date(y, m, d, 12, 0, 0, 0, tc.Timezone))
}

// -----------------------------------------------------------------------------

// Enumerate returns every calendar date from start to end inclusive, ascending.
func (tc *TradingCalendar) Enumerate(start, end models.TradeDate) []models.TradeDate {
	if end.Before(start) {
		return nil
	}
	dates := make([]models.TradeDate, 0, start.DaysUntil(end)+1)
	for d := start; !d.After(end); d = d.AddDays(1) {
		dates = append(dates, d)
	}
	return dates
}

// -----------------------------------------------------------------------------

// IsSettled reports whether the session of date has closed and its pools are final.
func (tc *TradingCalendar) IsSettled(date models.TradeDate, now time.Time) bool {
	y, m, d := date.Time().Date()
	settleAt := time.Date(y, m, d, tc.settleHour, tc.settleMinute, 0, 0, tc.Timezone)
	return !now.Before(settleAt)
}

// -----------------------------------------------------------------------------

// Today is the current date on the exchange's wall clock.
func (tc *TradingCalendar) Today(now time.Time) models.TradeDate {
	return models.TradeDateOf(now.In(tc.Timezone))
}

// -----------------------------------------------------------------------------

// LatestSettledDay walks back from today to the most recent trading day whose
// session has closed.
func (tc *TradingCalendar) LatestSettledDay(now time.Time) models.TradeDate {
	d := tc.Today(now)
	// A year of consecutive closures does not happen; the bound only guards the loop.
	for i := 0; i < 366; i++ {
		if tc.IsTradingDay(d) && tc.IsSettled(d, now) {
			return d
		}
		d = d.AddDays(-1)
	}
	return d
}

// -----------------------------------------------------------------------------

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid settle time %q (want HH:MM): %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
