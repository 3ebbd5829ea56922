package interfaces

import (
	"context"

	"pool-observer/src/models"
)

// -----------------------------------------------------------------------------
// IPoolFetcher pulls one pool snapshot from the upstream provider.
// -----------------------------------------------------------------------------

type IPoolFetcher interface {

	// Name returns the unique identifier of the source
	Name() string

	// -----------------------------------------------------------------------------

	// Fetch makes a single attempt, without caching or retries. Failures are
	// *helpers.UpstreamError. Rows are guaranteed to belong to the requested date.
	Fetch(ctx context.Context, kind models.PoolKind, date models.TradeDate) ([]models.MSnapshotRecord, error)
}
