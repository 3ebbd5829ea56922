package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format of every date the service accepts or emits.
const DateLayout = "2006-01-02"

// TradeDate is a calendar date without time of day. The zero value is "no date".
// Values are normalized to UTC midnight so they compare with == and work as map keys.
type TradeDate struct {
	t time.Time
}

// -----------------------------------------------------------------------------

// NewTradeDate builds a TradeDate from year, month and day.
func NewTradeDate(year int, month time.Month, day int) TradeDate {
	return TradeDate{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// TradeDateOf drops the clock part of t as observed in t's own location.
func TradeDateOf(t time.Time) TradeDate {
	y, m, d := t.Date()
	return NewTradeDate(y, m, d)
}

// ParseTradeDate parses YYYY-MM-DD. The compact YYYYMMDD form used by the upstream is
// accepted as well.
func ParseTradeDate(s string) (TradeDate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TradeDate{}, fmt.Errorf("empty date")
	}
	layout := DateLayout
	if len(s) == 8 && !strings.Contains(s, "-") {
		layout = "20060102"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return TradeDate{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return TradeDateOf(t), nil
}

// MustParseTradeDate is ParseTradeDate for literals in tests and defaults.
func MustParseTradeDate(s string) TradeDate {
	d, err := ParseTradeDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// -----------------------------------------------------------------------------

func (d TradeDate) IsZero() bool { return d.t.IsZero() }

func (d TradeDate) Time() time.Time { return d.t }

func (d TradeDate) Weekday() time.Weekday { return d.t.Weekday() }

func (d TradeDate) AddDays(n int) TradeDate {
	return TradeDate{t: d.t.AddDate(0, 0, n)}
}

func (d TradeDate) Before(o TradeDate) bool { return d.t.Before(o.t) }

func (d TradeDate) After(o TradeDate) bool { return d.t.After(o.t) }

// DaysUntil returns the number of days from d to o (negative when o is earlier).
func (d TradeDate) DaysUntil(o TradeDate) int {
	return int(o.t.Sub(d.t).Hours() / 24)
}

// Compact renders YYYYMMDD, the form the upstream expects.
func (d TradeDate) Compact() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format("20060102")
}

func (d TradeDate) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

// -----------------------------------------------------------------------------

func (d TradeDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *TradeDate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = TradeDate{}
		return nil
	}
	parsed, err := ParseTradeDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
