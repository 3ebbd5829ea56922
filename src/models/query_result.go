package models

// DataSource tells the caller where the returned rows came from.
type DataSource string

const (
	SourceDatabase DataSource = "database"
	SourceLive     DataSource = "live"
	SourceMixed    DataSource = "mixed"
)

// -----------------------------------------------------------------------------
// Query response envelope (shared by the point and history endpoints)
// -----------------------------------------------------------------------------

type MQueryResult struct {
	Success   bool              `json:"success"`
	Count     int               `json:"count"`
	Source    DataSource        `json:"source,omitempty"`
	Date      *TradeDate        `json:"date,omitempty"`
	StartDate *TradeDate        `json:"start_date,omitempty"`
	EndDate   *TradeDate        `json:"end_date,omitempty"`
	Rows      []MSnapshotRecord `json:"rows"`
	Errors    []MDateError      `json:"errors,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`

	// Per-date outcome of a range query, ascending. Not serialized.
	Dates []MDateOutcome `json:"-"`
}

// MDateError reports a single failed date inside a range query.
type MDateError struct {
	Date  TradeDate `json:"date"`
	Kind  string    `json:"kind"`
	Error string    `json:"error"`
}

// MDateOutcome is the result of the single-date logic for one date of a range.
type MDateOutcome struct {
	Date       TradeDate
	Source     DataSource
	TradingDay bool
	Rows       []MSnapshotRecord
	Err        error
}
