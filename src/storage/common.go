package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pool-observer/src/helpers"
	"pool-observer/src/logger"
	"pool-observer/src/models"
)

const (
	snapshotsTable  = "pool_snapshots"
	coverageTable   = "pool_coverage"
	migrationsTable = "schema_migrations"

	DefaultReadRetryBackoff = 200 * time.Millisecond
	readAttempts            = 2
)

// -----------------------------------------------------------------------------

// statements holds the backend-specific SQL behind the shared store logic. Every
// statement binds its parameters in the order documented next to it.
type statements struct {
	upsertCoverage string // kind, date, row_count, fetched_at
	deleteRows     string // kind, date
	insertRow      string // kind, date, symbol, fields
	selectRows     string // kind, date
	selectRange    string // kind, start, end
	hasCoverage    string // kind, date
	selectCoverage string // kind, start, end
	ping           string
}

// sqlStore implements the backend-independent half of IPoolStore on database/sql.
type sqlStore struct {
	DB     *sql.DB
	Logger *logger.Logger

	stmts        statements
	classifyKind func(error) (helpers.StorageKind, bool)
	retryBackoff time.Duration
	now          func() time.Time
}

// -----------------------------------------------------------------------------

func (s *sqlStore) Get(ctx context.Context, kind models.PoolKind, date models.TradeDate) ([]models.MSnapshotRecord, error) {
	var out []models.MSnapshotRecord
	err := s.withReadRetry(ctx, func(ctx context.Context) error {
		rows, err := s.queryRecords(ctx, s.stmts.selectRows, kind.Slug(), date.String())
		if err != nil {
			return s.classify(ctx, err, "select rows")
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.MSnapshotRecord{}
	}
	return out, nil
}

// -----------------------------------------------------------------------------

func (s *sqlStore) GetRange(ctx context.Context, kind models.PoolKind, start, end models.TradeDate) (map[models.TradeDate][]models.MSnapshotRecord, error) {
	byDate := make(map[models.TradeDate][]models.MSnapshotRecord)
	if end.Before(start) {
		return byDate, nil
	}

	err := s.withReadRetry(ctx, func(ctx context.Context) error {
		rows, err := s.queryRecords(ctx, s.stmts.selectRange, kind.Slug(), start.String(), end.String())
		if err != nil {
			return s.classify(ctx, err, "select range")
		}
		clear(byDate)
		for _, r := range rows {
			byDate[r.TradeDate] = append(byDate[r.TradeDate], r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return byDate, nil
}

// -----------------------------------------------------------------------------

func (s *sqlStore) queryRecords(ctx context.Context, query string, args ...any) ([]models.MSnapshotRecord, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MSnapshotRecord
	for rows.Next() {
		var kindSlug, dateStr, symbol string
		var fieldsRaw []byte
		if err := rows.Scan(&kindSlug, &dateStr, &symbol, &fieldsRaw); err != nil {
			return nil, err
		}

		rec, err := decodeRecord(kindSlug, dateStr, symbol, fieldsRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------

// Put replaces the rows of (kind, date) and records coverage in one transaction.
// The coverage upsert runs first so concurrent writers of the same key queue on
// its row lock before touching snapshot rows.
func (s *sqlStore) Put(ctx context.Context, kind models.PoolKind, date models.TradeDate, rows []models.MSnapshotRecord) error {
	normalized, err := normalizeRows(kind, date, rows)
	if err != nil {
		return err
	}

	encoded := make([]string, len(normalized))
	for i, r := range normalized {
		if encoded[i], err = encodeFields(r.Fields); err != nil {
			return fmt.Errorf("encode fields of %s: %w", r.Symbol, err)
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(ctx, err, "begin put")
	}
	defer tx.Rollback()

	fetchedAt := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, s.stmts.upsertCoverage, kind.Slug(), date.String(), len(normalized), fetchedAt); err != nil {
		return s.classify(ctx, err, "upsert coverage")
	}

	if _, err := tx.ExecContext(ctx, s.stmts.deleteRows, kind.Slug(), date.String()); err != nil {
		return s.classify(ctx, err, "delete rows")
	}

	if len(normalized) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.stmts.insertRow)
		if err != nil {
			return s.classify(ctx, err, "prepare insert")
		}
		defer stmt.Close()

		for i, r := range normalized {
			if _, err := stmt.ExecContext(ctx, kind.Slug(), date.String(), r.Symbol, encoded[i]); err != nil {
				return s.classify(ctx, err, "insert row")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return s.classify(ctx, err, "commit put")
	}

	s.Logger.Debug("Stored %d %s rows for %s", len(normalized), kind.Slug(), date)
	return nil
}

// -----------------------------------------------------------------------------

func (s *sqlStore) Has(ctx context.Context, kind models.PoolKind, date models.TradeDate) (bool, error) {
	var found bool
	err := s.withReadRetry(ctx, func(ctx context.Context) error {
		var one int
		err := s.DB.QueryRowContext(ctx, s.stmts.hasCoverage, kind.Slug(), date.String()).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			found = false
			return nil
		case err != nil:
			return s.classify(ctx, err, "check coverage")
		}
		found = true
		return nil
	})
	return found, err
}

// -----------------------------------------------------------------------------

func (s *sqlStore) Coverage(ctx context.Context, kind models.PoolKind, start, end models.TradeDate) ([]models.MDateCoverage, error) {
	var out []models.MDateCoverage
	err := s.withReadRetry(ctx, func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.DB.QueryContext(ctx, s.stmts.selectCoverage, kind.Slug(), start.String(), end.String())
		if err != nil {
			return s.classify(ctx, err, "select coverage")
		}
		defer rows.Close()

		for rows.Next() {
			var dateStr, fetchedStr string
			var count int
			if err := rows.Scan(&dateStr, &count, &fetchedStr); err != nil {
				return s.classify(ctx, err, "scan coverage")
			}
			date, err := models.ParseTradeDate(dateStr)
			if err != nil {
				return helpers.NewStorageError(helpers.StorageSchemaError, err, "coverage date")
			}
			fetchedAt, err := time.Parse(time.RFC3339Nano, fetchedStr)
			if err != nil {
				return helpers.NewStorageError(helpers.StorageSchemaError, err, "coverage fetched_at")
			}
			out = append(out, models.MDateCoverage{PoolKind: kind, TradeDate: date, RowCount: count, FetchedAt: fetchedAt})
		}
		if err := rows.Err(); err != nil {
			return s.classify(ctx, err, "iterate coverage")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.MDateCoverage{}
	}
	return out, nil
}

// -----------------------------------------------------------------------------

func (s *sqlStore) Ping(ctx context.Context) error {
	if s.DB == nil {
		return helpers.NewStorageError(helpers.StorageConnectionFailed, nil, "store not initialized")
	}
	var one int
	if err := s.DB.QueryRowContext(ctx, s.stmts.ping).Scan(&one); err != nil {
		return s.classify(ctx, err, "ping")
	}
	return nil
}

// -----------------------------------------------------------------------------

func (s *sqlStore) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------

// tableStats counts the rows of every table returned by listQuery. quote renders
// a table name as a safe identifier for the backend.
func (s *sqlStore) tableStats(ctx context.Context, listQuery string, listArgs []any, quote func(string) string) ([]models.MTableStat, error) {
	rows, err := s.DB.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, s.classify(ctx, err, "list tables")
	}

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, s.classify(ctx, err, "scan table name")
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, s.classify(ctx, err, "list tables")
	}

	stats := make([]models.MTableStat, 0, len(names))
	for _, name := range names {
		var count int64
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quote(name))
		if err := s.DB.QueryRowContext(ctx, query).Scan(&count); err != nil {
			return nil, s.classify(ctx, err, "count "+name)
		}
		stats = append(stats, models.MTableStat{Name: name, RowCount: count})
	}
	return stats, nil
}

// -----------------------------------------------------------------------------

// withReadRetry retries fn once after a short backoff when the failure is a lost
// connection. Other failures are returned immediately.
func (s *sqlStore) withReadRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := s.retryBackoff
	if backoff <= 0 {
		backoff = DefaultReadRetryBackoff
	}
	return helpers.RetryWithBackoff(ctx, readAttempts, backoff, isConnectionFailure, fn)
}

func isConnectionFailure(err error) bool {
	return errors.Is(err, &helpers.StorageError{Kind: helpers.StorageConnectionFailed})
}

// -----------------------------------------------------------------------------

// classify turns a driver error into a *helpers.StorageError. Cancellation of
// the caller's context is passed through untouched.
func (s *sqlStore) classify(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	var se *helpers.StorageError
	if errors.As(err, &se) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	kind := helpers.StorageConnectionFailed
	if s.classifyKind != nil {
		if k, ok := s.classifyKind(err); ok {
			kind = k
		}
	}
	return helpers.NewStorageError(kind, err, "%s", op)
}

// -----------------------------------------------------------------------------
// Row helpers
// -----------------------------------------------------------------------------

// normalizeRows rejects rows that belong to another (kind, date), drops duplicate
// symbols keeping the last occurrence and orders the result by symbol.
func normalizeRows(kind models.PoolKind, date models.TradeDate, rows []models.MSnapshotRecord) ([]models.MSnapshotRecord, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("put: invalid pool kind %v", kind)
	}
	if date.IsZero() {
		return nil, fmt.Errorf("put: missing trade date")
	}

	bySymbol := make(map[string]models.MSnapshotRecord, len(rows))
	for i, r := range rows {
		if r.PoolKind != kind || r.TradeDate != date {
			return nil, fmt.Errorf("put: row %d (%s %s %s) does not belong to %s %s",
				i, r.PoolKind.Slug(), r.TradeDate, r.Symbol, kind.Slug(), date)
		}
		symbol := strings.TrimSpace(r.Symbol)
		if symbol == "" {
			return nil, fmt.Errorf("put: row %d has an empty symbol", i)
		}
		r.Symbol = symbol
		bySymbol[symbol] = r
	}

	out := make([]models.MSnapshotRecord, 0, len(bySymbol))
	for _, r := range bySymbol {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// -----------------------------------------------------------------------------

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeFields keeps numbers as json.Number so values round-trip unchanged.
func decodeFields(raw []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func decodeRecord(kindSlug, dateStr, symbol string, fieldsRaw []byte) (models.MSnapshotRecord, error) {
	kind, err := models.ParsePoolKind(kindSlug)
	if err != nil {
		return models.MSnapshotRecord{}, helpers.NewStorageError(helpers.StorageSchemaError, err, "stored pool kind")
	}
	date, err := models.ParseTradeDate(dateStr)
	if err != nil {
		return models.MSnapshotRecord{}, helpers.NewStorageError(helpers.StorageSchemaError, err, "stored trade date")
	}
	fields, err := decodeFields(fieldsRaw)
	if err != nil {
		return models.MSnapshotRecord{}, helpers.NewStorageError(helpers.StorageSchemaError, err, "stored fields of %s", symbol)
	}
	return models.MSnapshotRecord{PoolKind: kind, TradeDate: date, Symbol: symbol, Fields: fields}, nil
}

// -----------------------------------------------------------------------------
// Migrations
// -----------------------------------------------------------------------------

type migration struct {
	version    int
	name       string
	statements []string
}

// applyMigrations runs every migration whose version is not yet recorded, each in
// its own transaction. Migrations only create objects; they never drop data.
func applyMigrations(ctx context.Context, db *sql.DB, createTable, selectApplied, insertApplied string, migrations []migration) (int, error) {
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return 0, fmt.Errorf("create %s: %w", migrationsTable, err)
	}

	applied := map[int]bool{}
	rows, err := db.QueryContext(ctx, selectApplied)
	if err != nil {
		return 0, err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	sorted := append([]migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].version < sorted[j].version })

	count := 0
	for _, m := range sorted {
		if applied[m.version] {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return count, err
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return count, fmt.Errorf("migration %d_%s failed: %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, insertApplied, m.version, m.name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return count, err
		}
		if err := tx.Commit(); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
