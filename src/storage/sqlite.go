package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pool-observer/src/helpers"
	"pool-observer/src/logger"
	"pool-observer/src/models"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DefaultSQLitePath = "data/pool_observer.db"
	sqliteBusyTimeout = 5000 // ms
)

var sqliteMigrations = []migration{
	{
		version: 1,
		name:    "pool_snapshots",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS pool_snapshots (
				pool_kind TEXT NOT NULL,
				trade_date TEXT NOT NULL,
				symbol TEXT NOT NULL,
				fields TEXT NOT NULL,
				PRIMARY KEY (pool_kind, trade_date, symbol)
			)`,
			`CREATE TABLE IF NOT EXISTS pool_coverage (
				pool_kind TEXT NOT NULL,
				trade_date TEXT NOT NULL,
				row_count INTEGER NOT NULL,
				fetched_at TEXT NOT NULL,
				PRIMARY KEY (pool_kind, trade_date)
			)`,
		},
	},
}

// -----------------------------------------------------------------------------

// SQLiteDB is the embedded file backend used for local development.
type SQLiteDB struct {
	sqlStore
	Config *models.MConfig
	Path   string
}

// -----------------------------------------------------------------------------

func NewSQLiteDB(cfg *models.MConfig, log *logger.Logger) (*SQLiteDB, error) {
	path := strings.TrimSpace(cfg.Storage.DBPath)
	if path == "" {
		path = DefaultSQLitePath
	}

	d := &SQLiteDB{Config: cfg, Path: path}
	d.Logger = log
	d.stmts = statements{
		upsertCoverage: `INSERT INTO pool_coverage (pool_kind, trade_date, row_count, fetched_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (pool_kind, trade_date) DO UPDATE SET
				row_count = excluded.row_count,
				fetched_at = excluded.fetched_at`,
		deleteRows: `DELETE FROM pool_snapshots WHERE pool_kind = ? AND trade_date = ?`,
		insertRow: `INSERT INTO pool_snapshots (pool_kind, trade_date, symbol, fields)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (pool_kind, trade_date, symbol) DO UPDATE SET fields = excluded.fields`,
		selectRows: `SELECT pool_kind, trade_date, symbol, fields FROM pool_snapshots
			WHERE pool_kind = ? AND trade_date = ?
			ORDER BY symbol`,
		selectRange: `SELECT pool_kind, trade_date, symbol, fields FROM pool_snapshots
			WHERE pool_kind = ? AND trade_date BETWEEN ? AND ?
			ORDER BY trade_date, symbol`,
		hasCoverage: `SELECT 1 FROM pool_coverage WHERE pool_kind = ? AND trade_date = ?`,
		selectCoverage: `SELECT trade_date, row_count, fetched_at FROM pool_coverage
			WHERE pool_kind = ? AND trade_date BETWEEN ? AND ?
			ORDER BY trade_date`,
		ping: `SELECT 1`,
	}
	d.classifyKind = classifySQLite
	d.retryBackoff = time.Duration(cfg.Storage.ReadRetryMillis) * time.Millisecond
	d.now = time.Now
	return d, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) Initialize(ctx context.Context) error {
	if d.DB != nil {
		return nil
	}

	if dir := filepath.Dir(d.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return helpers.NewStorageError(helpers.StorageConnectionFailed, err, "create directory %s", dir)
		}
	}

	// Pragmas go in the DSN so they survive a reconnect of the pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		d.Path, sqliteBusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return helpers.NewStorageError(helpers.StorageConnectionFailed, err, "open %s", d.Path)
	}
	// A single connection serializes writers inside the process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return helpers.NewStorageError(helpers.StorageConnectionFailed, err, "ping %s", d.Path)
	}

	applied, err := applyMigrations(ctx, db,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TEXT NOT NULL)`,
		`SELECT version FROM schema_migrations`,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?) ON CONFLICT (version) DO NOTHING`,
		sqliteMigrations)
	if err != nil {
		db.Close()
		return helpers.NewStorageError(helpers.StorageSchemaError, err, "migrate %s", d.Path)
	}

	d.DB = db
	d.Logger.Info("SQLite store ready at %s (%d migrations applied)", d.Path, applied)
	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteDB) TableStats(ctx context.Context) ([]models.MTableStat, error) {
	return d.tableStats(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
		nil, quoteIdent)
}

// -----------------------------------------------------------------------------

func classifySQLite(err error) (helpers.StorageKind, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CONSTRAINT:
			return helpers.StorageWriteConflict, true
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_READONLY:
			return helpers.StorageConnectionFailed, true
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_SCHEMA:
			return helpers.StorageSchemaError, true
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") {
		return helpers.StorageSchemaError, true
	}
	return "", false
}

// -----------------------------------------------------------------------------

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
