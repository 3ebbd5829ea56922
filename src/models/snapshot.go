package models

import "time"

// MSnapshotRecord is one member of a pool on one trading date. Fields keeps the
// provider columns exactly as fetched so upstream schema drift never breaks storage.
type MSnapshotRecord struct {
	PoolKind  PoolKind       `json:"pool_kind"`
	TradeDate TradeDate      `json:"trade_date"`
	Symbol    string         `json:"symbol"`
	Fields    map[string]any `json:"fields"`
}

// MDateCoverage records that a (pool, date) snapshot has been fetched and stored.
// RowCount may be zero: the pool was fetched and was legitimately empty.
type MDateCoverage struct {
	PoolKind  PoolKind  `json:"pool_kind"`
	TradeDate TradeDate `json:"trade_date"`
	RowCount  int       `json:"row_count"`
	FetchedAt time.Time `json:"fetched_at"`
}

// MTableStat is one line of the storage inspection report.
type MTableStat struct {
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
}
