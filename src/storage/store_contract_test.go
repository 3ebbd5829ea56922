package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"pool-observer/src/helpers"
	"pool-observer/src/interfaces"
	"pool-observer/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract checks the observable IPoolStore semantics shared by every
// backend. newStore must return an initialized, empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) interfaces.IPoolStore) {
	ctx := context.Background()
	mon := models.MustParseTradeDate("2024-01-15")
	tue := models.MustParseTradeDate("2024-01-16")
	wed := models.MustParseTradeDate("2024-01-17")

	t.Run("GetUncachedIsEmpty", func(t *testing.T) {
		s := newStore(t)
		rows, err := s.Get(ctx, models.PoolLimitUp, mon)
		require.NoError(t, err)
		assert.NotNil(t, rows)
		assert.Empty(t, rows)

		has, err := s.Has(ctx, models.PoolLimitUp, mon)
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("PutThenGetOrderedBySymbol", func(t *testing.T) {
		s := newStore(t)
		in := []models.MSnapshotRecord{
			record(models.PoolLimitUp, mon, "600519", "贵州茅台"),
			record(models.PoolLimitUp, mon, "000001", "平安银行"),
			record(models.PoolLimitUp, mon, "300750", "宁德时代"),
		}
		require.NoError(t, s.Put(ctx, models.PoolLimitUp, mon, in))

		rows, err := s.Get(ctx, models.PoolLimitUp, mon)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, []string{"000001", "300750", "600519"}, symbols(rows))
		assert.Equal(t, "平安银行", rows[0].Fields["名称"])
		assert.Equal(t, json.Number("10.01"), rows[0].Fields["涨跌幅"])
		assert.Equal(t, models.PoolLimitUp, rows[0].PoolKind)
		assert.Equal(t, mon, rows[0].TradeDate)

		has, err := s.Has(ctx, models.PoolLimitUp, mon)
		require.NoError(t, err)
		assert.True(t, has)

		other, err := s.Get(ctx, models.PoolLimitDown, mon)
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("EmptyPutIsCoverage", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, models.PoolLimitDown, mon, nil))

		has, err := s.Has(ctx, models.PoolLimitDown, mon)
		require.NoError(t, err)
		assert.True(t, has)

		rows, err := s.Get(ctx, models.PoolLimitDown, mon)
		require.NoError(t, err)
		assert.Empty(t, rows)

		cov, err := s.Coverage(ctx, models.PoolLimitDown, mon, mon)
		require.NoError(t, err)
		require.Len(t, cov, 1)
		assert.Equal(t, 0, cov[0].RowCount)
		assert.False(t, cov[0].FetchedAt.IsZero())
	})

	t.Run("PutIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		in := []models.MSnapshotRecord{
			record(models.PoolBrokenLimit, mon, "600000", "浦发银行"),
			record(models.PoolBrokenLimit, mon, "600036", "招商银行"),
		}
		require.NoError(t, s.Put(ctx, models.PoolBrokenLimit, mon, in))
		first, err := s.Get(ctx, models.PoolBrokenLimit, mon)
		require.NoError(t, err)

		require.NoError(t, s.Put(ctx, models.PoolBrokenLimit, mon, in))
		second, err := s.Get(ctx, models.PoolBrokenLimit, mon)
		require.NoError(t, err)

		assert.Equal(t, first, second)
	})

	t.Run("PutReplacesFullSet", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, models.PoolLimitUp, mon, []models.MSnapshotRecord{
			record(models.PoolLimitUp, mon, "A", "a"),
			record(models.PoolLimitUp, mon, "B", "b"),
			record(models.PoolLimitUp, mon, "C", "c"),
		}))
		require.NoError(t, s.Put(ctx, models.PoolLimitUp, mon, []models.MSnapshotRecord{
			record(models.PoolLimitUp, mon, "B", "b2"),
			record(models.PoolLimitUp, mon, "D", "d"),
		}))

		rows, err := s.Get(ctx, models.PoolLimitUp, mon)
		require.NoError(t, err)
		assert.Equal(t, []string{"B", "D"}, symbols(rows))
		assert.Equal(t, "b2", rows[0].Fields["名称"])

		cov, err := s.Coverage(ctx, models.PoolLimitUp, mon, mon)
		require.NoError(t, err)
		require.Len(t, cov, 1)
		assert.Equal(t, 2, cov[0].RowCount)
	})

	t.Run("DuplicateSymbolsLastWins", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, models.PoolLimitUp, mon, []models.MSnapshotRecord{
			record(models.PoolLimitUp, mon, "600000", "first"),
			record(models.PoolLimitUp, mon, "600000", "last"),
		}))

		rows, err := s.Get(ctx, models.PoolLimitUp, mon)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "last", rows[0].Fields["名称"])
	})

	t.Run("PutRejectsForeignRows", func(t *testing.T) {
		s := newStore(t)
		err := s.Put(ctx, models.PoolLimitUp, mon, []models.MSnapshotRecord{
			record(models.PoolLimitUp, mon, "600000", "ok"),
			record(models.PoolLimitUp, tue, "600001", "wrong date"),
		})
		require.Error(t, err)

		err = s.Put(ctx, models.PoolLimitUp, mon, []models.MSnapshotRecord{
			record(models.PoolLimitDown, mon, "600000", "wrong kind"),
		})
		require.Error(t, err)

		has, err := s.Has(ctx, models.PoolLimitUp, mon)
		require.NoError(t, err)
		assert.False(t, has, "a rejected put must not write coverage")
	})

	t.Run("GetRangeAndCoverage", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, models.PoolLimitUp, mon, []models.MSnapshotRecord{
			record(models.PoolLimitUp, mon, "B", "b"),
			record(models.PoolLimitUp, mon, "A", "a"),
		}))
		require.NoError(t, s.Put(ctx, models.PoolLimitUp, tue, nil))
		require.NoError(t, s.Put(ctx, models.PoolLimitUp, wed, []models.MSnapshotRecord{
			record(models.PoolLimitUp, wed, "C", "c"),
		}))

		byDate, err := s.GetRange(ctx, models.PoolLimitUp, mon, wed)
		require.NoError(t, err)
		assert.Len(t, byDate, 2)
		assert.Equal(t, []string{"A", "B"}, symbols(byDate[mon]))
		assert.Equal(t, []string{"C"}, symbols(byDate[wed]))
		_, ok := byDate[tue]
		assert.False(t, ok, "dates without rows are absent")

		narrow, err := s.GetRange(ctx, models.PoolLimitUp, tue, tue)
		require.NoError(t, err)
		assert.Empty(t, narrow)

		cov, err := s.Coverage(ctx, models.PoolLimitUp, mon, wed)
		require.NoError(t, err)
		require.Len(t, cov, 3)
		assert.Equal(t, mon, cov[0].TradeDate)
		assert.Equal(t, tue, cov[1].TradeDate)
		assert.Equal(t, wed, cov[2].TradeDate)
		assert.Equal(t, []int{2, 0, 1}, []int{cov[0].RowCount, cov[1].RowCount, cov[2].RowCount})
	})

	t.Run("ConcurrentPutsOfOneKey", func(t *testing.T) {
		s := newStore(t)
		sets := [][]models.MSnapshotRecord{
			{record(models.PoolLimitUp, mon, "A", "a"), record(models.PoolLimitUp, mon, "B", "b")},
			{record(models.PoolLimitUp, mon, "C", "c")},
		}

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.Put(ctx, models.PoolLimitUp, mon, sets[i%2])
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		rows, err := s.Get(ctx, models.PoolLimitUp, mon)
		require.NoError(t, err)
		got := symbols(rows)
		assert.True(t, assert.ObjectsAreEqual([]string{"A", "B"}, got) || assert.ObjectsAreEqual([]string{"C"}, got),
			"rows must be exactly one writer's set, got %v", got)
	})

	t.Run("TableStats", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, models.PoolLimitUp, mon, []models.MSnapshotRecord{
			record(models.PoolLimitUp, mon, "A", "a"),
			record(models.PoolLimitUp, mon, "B", "b"),
		}))

		stats, err := s.TableStats(ctx)
		require.NoError(t, err)

		counts := map[string]int64{}
		for _, st := range stats {
			counts[st.Name] = st.RowCount
		}
		assert.Equal(t, int64(2), counts[snapshotsTable])
		assert.Equal(t, int64(1), counts[coverageTable])
		assert.Contains(t, counts, migrationsTable)
	})

	t.Run("ClosedStoreIsConnectionFailure", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())

		_, err := s.Get(ctx, models.PoolLimitUp, mon)
		require.Error(t, err)
		assert.True(t, errors.Is(err, &helpers.StorageError{Kind: helpers.StorageConnectionFailed}), "got %v", err)
	})
}

// -----------------------------------------------------------------------------

func record(kind models.PoolKind, date models.TradeDate, symbol, name string) models.MSnapshotRecord {
	return models.MSnapshotRecord{
		PoolKind:  kind,
		TradeDate: date,
		Symbol:    symbol,
		Fields: map[string]any{
			"代码":  symbol,
			"名称":  name,
			"涨跌幅": json.Number("10.01"),
		},
	}
}

func symbols(rows []models.MSnapshotRecord) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Symbol
	}
	return out
}
