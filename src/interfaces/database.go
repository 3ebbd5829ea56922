package interfaces

import (
	"context"

	"pool-observer/src/models"
)

// -----------------------------------------------------------------------------
// IPoolStore defines the contract for snapshot storage. The embedded and the hosted
// backends implement it with identical observable semantics.
// -----------------------------------------------------------------------------

type IPoolStore interface {

	// -----------------------------------------------------------------------------

	// Initialize connects and creates the schema when absent. Safe to call repeatedly.
	Initialize(ctx context.Context) error

	// -----------------------------------------------------------------------------

	// Get returns the stored rows of one date ordered by symbol; empty when uncached.
	Get(ctx context.Context, kind models.PoolKind, date models.TradeDate) ([]models.MSnapshotRecord, error)

	// -----------------------------------------------------------------------------

	// GetRange returns stored rows for start..end inclusive. Dates without rows are absent.
	GetRange(ctx context.Context, kind models.PoolKind, start, end models.TradeDate) (map[models.TradeDate][]models.MSnapshotRecord, error)

	// -----------------------------------------------------------------------------

	// Put atomically replaces the full row set of one date and records its coverage.
	Put(ctx context.Context, kind models.PoolKind, date models.TradeDate, rows []models.MSnapshotRecord) error

	// -----------------------------------------------------------------------------

	// Has answers from the coverage index whether the date has been stored.
	Has(ctx context.Context, kind models.PoolKind, date models.TradeDate) (bool, error)

	// -----------------------------------------------------------------------------

	// Coverage lists coverage entries for start..end inclusive, ascending.
	Coverage(ctx context.Context, kind models.PoolKind, start, end models.TradeDate) ([]models.MDateCoverage, error)

	// -----------------------------------------------------------------------------

	// TableStats enumerates the backend's tables with their row counts.
	TableStats(ctx context.Context) ([]models.MTableStat, error)

	// -----------------------------------------------------------------------------

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// -----------------------------------------------------------------------------

	// Close the database connection
	Close() error
}
