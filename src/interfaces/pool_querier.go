package interfaces

import (
	"context"

	"pool-observer/src/models"
)

// -----------------------------------------------------------------------------
// IPoolQuerier is the read side of the pool cache, as used by background jobs.
// -----------------------------------------------------------------------------

type IPoolQuerier interface {
	Query(ctx context.Context, kind models.PoolKind, date models.TradeDate) (*models.MQueryResult, error)

	QueryRange(ctx context.Context, kind models.PoolKind, start, end models.TradeDate) (*models.MQueryResult, error)
}
