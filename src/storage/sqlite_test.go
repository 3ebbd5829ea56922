package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"pool-observer/src/helpers"
	"pool-observer/src/interfaces"
	"pool-observer/src/logger"
	"pool-observer/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T, path string) *SQLiteDB {
	t.Helper()
	cfg := &models.MConfig{}
	cfg.Storage.DBType = DBTypeSQLite
	cfg.Storage.DBPath = path
	cfg.Storage.ReadRetryMillis = 1

	db, err := NewSQLiteDB(cfg, logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, db.Initialize(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) interfaces.IPoolStore {
		return newTestSQLite(t, filepath.Join(t.TempDir(), "pools.db"))
	})
}

func TestSQLiteInitializeKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "pools.db")
	date := models.MustParseTradeDate("2024-01-15")

	first := newTestSQLite(t, path)
	require.NoError(t, first.Put(ctx, models.PoolLimitUp, date, []models.MSnapshotRecord{
		record(models.PoolLimitUp, date, "600000", "浦发银行"),
	}))
	require.NoError(t, first.Close())

	second := newTestSQLite(t, path)
	rows, err := second.Get(ctx, models.PoolLimitUp, date)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	var versions int
	require.NoError(t, second.DB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&versions))
	assert.Equal(t, len(sqliteMigrations), versions)
}

func TestNewStoreSelectsBackend(t *testing.T) {
	cfg := &models.MConfig{}
	log := logger.NewNopLogger()

	cfg.Storage.DBType = "sqlite"
	s, err := NewStore(cfg, log)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteDB{}, s)

	cfg.Storage.DBType = "postgres"
	cfg.Storage.Schema = "pools"
	s, err = NewStore(cfg, log)
	require.NoError(t, err)
	assert.IsType(t, &PostgresDB{}, s)

	cfg.Storage.DBType = "mysql"
	_, err = NewStore(cfg, log)
	assert.Error(t, err)
}

func TestSQLiteReadRetriesLostConnectionOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t, filepath.Join(t.TempDir(), "pools.db"))
	day := models.MustParseTradeDate("2024-01-15")
	require.NoError(t, store.Put(ctx, models.PoolLimitUp, day, []models.MSnapshotRecord{
		record(models.PoolLimitUp, day, "600000", "PF Bank"),
	}))

	good := store.stmts.selectRows
	broken := `SELECT pool_kind, trade_date, symbol, fields FROM gone WHERE pool_kind = ? AND trade_date = ?`

	// The first attempt fails as a dropped connection; the connection is back
	// by the time the retry runs.
	var classified int
	store.stmts.selectRows = broken
	store.classifyKind = func(error) (helpers.StorageKind, bool) {
		classified++
		store.stmts.selectRows = good
		return helpers.StorageConnectionFailed, true
	}

	rows, err := store.Get(ctx, models.PoolLimitUp, day)
	require.NoError(t, err)
	assert.Equal(t, []string{"600000"}, symbols(rows))
	assert.Equal(t, 1, classified)

	// A connection that stays down is retried exactly once, then reported.
	classified = 0
	store.stmts.selectRows = broken
	store.classifyKind = func(error) (helpers.StorageKind, bool) {
		classified++
		return helpers.StorageConnectionFailed, true
	}
	_, err = store.Get(ctx, models.PoolLimitUp, day)
	assert.True(t, errors.Is(err, &helpers.StorageError{Kind: helpers.StorageConnectionFailed}))
	assert.Equal(t, 2, classified)

	// Other storage failures are not retried.
	classified = 0
	store.classifyKind = func(error) (helpers.StorageKind, bool) {
		classified++
		return helpers.StorageSchemaError, true
	}
	_, err = store.Get(ctx, models.PoolLimitUp, day)
	assert.True(t, errors.Is(err, &helpers.StorageError{Kind: helpers.StorageSchemaError}))
	assert.Equal(t, 1, classified)
}
