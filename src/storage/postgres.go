package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pool-observer/src/helpers"
	"pool-observer/src/logger"
	"pool-observer/src/models"

	"github.com/lib/pq"
)

const DefaultPostgresMaxOpenConns = 10

func postgresMigrations(schema string) []migration {
	return []migration{
		{
			version: 1,
			name:    "pool_snapshots",
			statements: []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.pool_snapshots (
					pool_kind TEXT NOT NULL,
					trade_date DATE NOT NULL,
					symbol TEXT NOT NULL,
					fields JSONB NOT NULL,
					PRIMARY KEY (pool_kind, trade_date, symbol)
				)`, schema),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.pool_coverage (
					pool_kind TEXT NOT NULL,
					trade_date DATE NOT NULL,
					row_count INTEGER NOT NULL,
					fetched_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (pool_kind, trade_date)
				)`, schema),
			},
		},
	}
}

// -----------------------------------------------------------------------------

// PostgresDB is the hosted backend. All objects live in one schema.
type PostgresDB struct {
	sqlStore
	Config *models.MConfig
	Schema string
}

// -----------------------------------------------------------------------------

func NewPostgresDB(cfg *models.MConfig, log *logger.Logger) (*PostgresDB, error) {
	name := strings.TrimSpace(cfg.Storage.Schema)
	if name == "" {
		name = cfg.Name
	}
	if name == "" {
		// Fall back to the executable name, one schema per deployed binary.
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to get executable name: %w", err)
		}
		name = filepath.Base(exe)
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}

	d := &PostgresDB{Config: cfg, Schema: name}
	d.Logger = log
	d.stmts = postgresStatements(quoteIdent(name))
	d.classifyKind = classifyPostgres
	d.retryBackoff = time.Duration(cfg.Storage.ReadRetryMillis) * time.Millisecond
	d.now = time.Now
	return d, nil
}

// -----------------------------------------------------------------------------

func postgresStatements(schema string) statements {
	snapshots := schema + "." + snapshotsTable
	coverage := schema + "." + coverageTable

	// Dates and timestamps travel as text in both directions so the shared scan
	// code works unchanged against both backends.
	return statements{
		upsertCoverage: fmt.Sprintf(`INSERT INTO %s (pool_kind, trade_date, row_count, fetched_at)
			VALUES ($1, $2::date, $3, $4::timestamptz)
			ON CONFLICT (pool_kind, trade_date) DO UPDATE SET
				row_count = EXCLUDED.row_count,
				fetched_at = EXCLUDED.fetched_at`, coverage),
		deleteRows: fmt.Sprintf(`DELETE FROM %s WHERE pool_kind = $1 AND trade_date = $2::date`, snapshots),
		insertRow: fmt.Sprintf(`INSERT INTO %s (pool_kind, trade_date, symbol, fields)
			VALUES ($1, $2::date, $3, $4::jsonb)
			ON CONFLICT (pool_kind, trade_date, symbol) DO UPDATE SET fields = EXCLUDED.fields`, snapshots),
		selectRows: fmt.Sprintf(`SELECT pool_kind, to_char(trade_date, 'YYYY-MM-DD'), symbol, fields::text FROM %s
			WHERE pool_kind = $1 AND trade_date = $2::date
			ORDER BY symbol COLLATE "C"`, snapshots),
		selectRange: fmt.Sprintf(`SELECT pool_kind, to_char(trade_date, 'YYYY-MM-DD'), symbol, fields::text FROM %s
			WHERE pool_kind = $1 AND trade_date BETWEEN $2::date AND $3::date
			ORDER BY trade_date, symbol COLLATE "C"`, snapshots),
		hasCoverage: fmt.Sprintf(`SELECT 1 FROM %s WHERE pool_kind = $1 AND trade_date = $2::date`, coverage),
		selectCoverage: fmt.Sprintf(`SELECT to_char(trade_date, 'YYYY-MM-DD'), row_count,
				to_char(fetched_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')
			FROM %s
			WHERE pool_kind = $1 AND trade_date BETWEEN $2::date AND $3::date
			ORDER BY trade_date`, coverage),
		ping: `SELECT 1`,
	}
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Initialize(ctx context.Context) error {
	if d.DB != nil {
		return nil
	}

	dsn := d.Config.Storage.DBConnectionString
	if dsn == "" {
		return helpers.NewStorageError(helpers.StorageConnectionFailed, nil, "no postgres connection string configured")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return helpers.NewStorageError(helpers.StorageConnectionFailed, err, "open postgres")
	}

	maxOpen := d.Config.Storage.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = DefaultPostgresMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return helpers.NewStorageError(helpers.StorageConnectionFailed, err, "ping postgres")
	}

	schema := quoteIdent(d.Schema)
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)); err != nil {
		db.Close()
		return helpers.NewStorageError(helpers.StorageSchemaError, err, "create schema %s", d.Schema)
	}

	migTable := schema + "." + migrationsTable
	applied, err := applyMigrations(ctx, db,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TEXT NOT NULL)`, migTable),
		fmt.Sprintf(`SELECT version FROM %s`, migTable),
		fmt.Sprintf(`INSERT INTO %s (version, name, applied_at) VALUES ($1, $2, $3) ON CONFLICT (version) DO NOTHING`, migTable),
		postgresMigrations(schema))
	if err != nil {
		db.Close()
		return helpers.NewStorageError(helpers.StorageSchemaError, err, "migrate schema %s", d.Schema)
	}

	d.DB = db
	d.Logger.Info("PostgresDB initialized successfully (Schema: %s, %d migrations applied)", d.Schema, applied)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) TableStats(ctx context.Context) ([]models.MTableStat, error) {
	schema := quoteIdent(d.Schema)
	return d.tableStats(ctx,
		`SELECT table_name FROM information_schema.tables
			WHERE table_schema = $1 AND table_type = 'BASE TABLE'
			ORDER BY table_name`,
		[]any{d.Schema},
		func(name string) string { return schema + "." + quoteIdent(name) })
}

// -----------------------------------------------------------------------------

func classifyPostgres(err error) (helpers.StorageKind, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505", "55P03":
			return helpers.StorageWriteConflict, true
		case "42P01", "42703", "3F000", "42P07":
			return helpers.StorageSchemaError, true
		}
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return helpers.StorageConnectionFailed, true
		case "42":
			return helpers.StorageSchemaError, true
		}
		return "", false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return helpers.StorageConnectionFailed, true
	}
	return "", false
}
