package datasource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pool-observer/src/helpers"
	"pool-observer/src/interfaces"
	"pool-observer/src/logger"
	"pool-observer/src/models"
)

// MultiSourceManager fails over between equivalent upstream fetchers. The source
// that last succeeded is tried first on the next call.
type MultiSourceManager struct {
	Sources []interfaces.IPoolFetcher
	Logger  *logger.Logger

	mu        sync.RWMutex
	preferred int
}

// -----------------------------------------------------------------------------

func NewMultiSourceManager(sources []interfaces.IPoolFetcher, log *logger.Logger) *MultiSourceManager {
	return &MultiSourceManager{
		Sources: sources,
		Logger:  log,
	}
}

// -----------------------------------------------------------------------------

func (m *MultiSourceManager) Name() string {
	names := make([]string, len(m.Sources))
	for i, s := range m.Sources {
		names[i] = s.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// -----------------------------------------------------------------------------

// Preferred returns the source the next Fetch starts with.
func (m *MultiSourceManager) Preferred() interfaces.IPoolFetcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.Sources) == 0 {
		return nil
	}
	return m.Sources[m.preferred]
}

// -----------------------------------------------------------------------------

// Fetch asks each source once, starting with the preferred one, until one
// answers. Only upstream failures move on to the next source; the error of the
// last attempt is returned when all of them fail.
func (m *MultiSourceManager) Fetch(ctx context.Context, kind models.PoolKind, date models.TradeDate) ([]models.MSnapshotRecord, error) {
	if len(m.Sources) == 0 {
		return nil, helpers.NewUpstreamError(helpers.UpstreamUnavailable, nil, "no upstream sources configured")
	}

	m.mu.RLock()
	first := m.preferred
	m.mu.RUnlock()

	var lastErr error
	for n := 0; n < len(m.Sources); n++ {
		i := (first + n) % len(m.Sources)
		src := m.Sources[i]

		rows, err := src.Fetch(ctx, kind, date)
		if err == nil {
			if i != first {
				m.mu.Lock()
				m.preferred = i
				m.mu.Unlock()
				m.Logger.Info("Upstream %s is now preferred", src.Name())
			}
			return rows, nil
		}

		lastErr = err
		var ue *helpers.UpstreamError
		if !errors.As(err, &ue) || ctx.Err() != nil {
			return nil, err
		}
		m.Logger.Warning("Upstream %s failed for %s %s (%s), trying next", src.Name(), kind.Slug(), date, ue.Kind)
	}

	return nil, fmt.Errorf("all %d upstream sources failed: %w", len(m.Sources), lastErr)
}
