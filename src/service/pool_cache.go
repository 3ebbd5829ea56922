package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pool-observer/src/helpers"
	"pool-observer/src/interfaces"
	"pool-observer/src/logger"
	"pool-observer/src/models"
	"pool-observer/src/utils"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultFetchTimeout     = 8 * time.Second
	DefaultRangeConcurrency = 4
	DefaultMaxRangeDays     = 366
)

// -----------------------------------------------------------------------------

// PoolCacheService answers pool queries from storage and fills misses from the
// upstream fetcher. Storage is the only source of truth: fetched rows are always
// written back and re-read before they are returned.
type PoolCacheService struct {
	Config   *models.MConfig
	Store    interfaces.IPoolStore
	Fetcher  interfaces.IPoolFetcher
	Calendar interfaces.ITradingCalendar
	Logger   *logger.Logger

	locks        *utils.KeyedMutex
	fetchTimeout time.Duration
	concurrency  int
	maxRangeDays int
	now          func() time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	fetches atomic.Int64
	failed  atomic.Int64
}

// MServiceStats is a snapshot of the cache counters since start.
type MServiceStats struct {
	CacheHits     int64  `json:"cache_hits"`
	CacheMisses   int64  `json:"cache_misses"`
	UpstreamCalls int64  `json:"upstream_calls"`
	FailedQueries int64  `json:"failed_queries"`
	LocksInFlight int    `json:"locks_in_flight"`
	FetcherName   string `json:"fetcher"`
}

// -----------------------------------------------------------------------------

func NewPoolCacheService(cfg *models.MConfig, store interfaces.IPoolStore, fetcher interfaces.IPoolFetcher, cal interfaces.ITradingCalendar, log *logger.Logger) *PoolCacheService {
	timeout := time.Duration(cfg.DataSource.FetchTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	concurrency := cfg.Cache.RangeConcurrency
	if concurrency <= 0 {
		concurrency = DefaultRangeConcurrency
	}
	maxDays := cfg.Cache.MaxRangeDays
	if maxDays <= 0 {
		maxDays = DefaultMaxRangeDays
	}

	return &PoolCacheService{
		Config:       cfg,
		Store:        store,
		Fetcher:      fetcher,
		Calendar:     cal,
		Logger:       log,
		locks:        utils.NewKeyedMutex(),
		fetchTimeout: timeout,
		concurrency:  concurrency,
		maxRangeDays: maxDays,
		now:          time.Now,
	}
}

// SetClock replaces the wall clock used to decide whether a date has settled.
func (s *PoolCacheService) SetClock(now func() time.Time) {
	s.now = now
}

// -----------------------------------------------------------------------------

// DefaultDate is the date served when a point query names none.
func (s *PoolCacheService) DefaultDate() models.TradeDate {
	return s.Calendar.LatestSettledDay(s.now())
}

// -----------------------------------------------------------------------------

// Query returns the pool of one date. The result is always populated; a non-nil
// error means the query failed and carries the taxonomy kind.
func (s *PoolCacheService) Query(ctx context.Context, kind models.PoolKind, date models.TradeDate) (*models.MQueryResult, error) {
	d := date
	res := &models.MQueryResult{Date: &d, Rows: []models.MSnapshotRecord{}}

	out := s.queryDate(ctx, kind, date)
	if out.Err != nil {
		s.failed.Add(1)
		res.Error = out.Err.Error()
		res.ErrorKind = helpers.ErrorKind(out.Err)
		return res, out.Err
	}

	res.Success = true
	res.Source = out.Source
	res.Rows = out.Rows
	res.Count = len(out.Rows)
	res.Dates = []models.MDateOutcome{out}
	return res, nil
}

// -----------------------------------------------------------------------------

// QueryRange runs the single-date logic for every date of start..end with bounded
// parallelism. Per-date failures are collected in Errors; the query fails only
// when no date succeeded. Dates not yet started when ctx is cancelled are
// reported as cancelled; started fetches still complete and write back.
func (s *PoolCacheService) QueryRange(ctx context.Context, kind models.PoolKind, start, end models.TradeDate) (*models.MQueryResult, error) {
	st, en := start, end
	res := &models.MQueryResult{StartDate: &st, EndDate: &en, Rows: []models.MSnapshotRecord{}}

	if err := s.validateRange(start, end); err != nil {
		s.failed.Add(1)
		res.Error = err.Error()
		res.ErrorKind = helpers.ErrorKind(err)
		return res, err
	}

	dates := s.Calendar.Enumerate(start, end)
	outcomes := make([]models.MDateOutcome, len(dates))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, date := range dates {
		if ctx.Err() != nil {
			outcomes[i] = models.MDateOutcome{Date: date, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = models.MDateOutcome{Date: date, Err: err}
				return nil
			}
			outcomes[i] = s.queryDate(ctx, kind, date)
			return nil
		})
	}
	_ = g.Wait()

	assembleRange(res, outcomes)
	if !res.Success {
		s.failed.Add(1)
		return res, firstError(outcomes)
	}
	return res, nil
}

// -----------------------------------------------------------------------------

func (s *PoolCacheService) validateRange(start, end models.TradeDate) error {
	if start.IsZero() || end.IsZero() {
		return helpers.InvalidRange("start_date and end_date are required")
	}
	if end.Before(start) {
		return helpers.InvalidRange("start_date %s is after end_date %s", start, end)
	}
	if days := start.DaysUntil(end) + 1; days > s.maxRangeDays {
		return helpers.InvalidRange("range of %d days exceeds the limit of %d", days, s.maxRangeDays)
	}
	return nil
}

// -----------------------------------------------------------------------------

// assembleRange folds per-date outcomes, already in ascending date order, into
// the range envelope.
func assembleRange(res *models.MQueryResult, outcomes []models.MDateOutcome) {
	res.Dates = outcomes

	var succeeded, fromDB, fromLive int
	for _, out := range outcomes {
		if out.Err != nil {
			res.Errors = append(res.Errors, models.MDateError{
				Date:  out.Date,
				Kind:  helpers.ErrorKind(out.Err),
				Error: out.Err.Error(),
			})
			continue
		}
		succeeded++
		res.Rows = append(res.Rows, out.Rows...)

		// Non-trading days are definitive and do not influence the aggregate.
		if !out.TradingDay {
			continue
		}
		if out.Source == models.SourceLive {
			fromLive++
		} else {
			fromDB++
		}
	}
	res.Count = len(res.Rows)

	if succeeded == 0 && len(outcomes) > 0 {
		first := firstError(outcomes)
		res.Error = first.Error()
		res.ErrorKind = helpers.ErrorKind(first)
		return
	}

	res.Success = true
	switch {
	case fromLive == 0:
		res.Source = models.SourceDatabase
	case fromDB == 0:
		res.Source = models.SourceLive
	default:
		res.Source = models.SourceMixed
	}
}

func firstError(outcomes []models.MDateOutcome) error {
	for _, out := range outcomes {
		if out.Err != nil {
			return out.Err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------

// queryDate is the single-date decision: non-trading day, provisional
// (unsettled) day, cache hit, or cache miss filled under the key's lock.
func (s *PoolCacheService) queryDate(ctx context.Context, kind models.PoolKind, date models.TradeDate) models.MDateOutcome {
	out := models.MDateOutcome{Date: date, Rows: []models.MSnapshotRecord{}}

	if !s.Calendar.IsTradingDay(date) {
		out.Source = models.SourceDatabase
		return out
	}
	out.TradingDay = true

	now := s.now()
	if date.After(s.Calendar.Today(now)) {
		return s.queryFuture(ctx, kind, date, out)
	}
	if !s.Calendar.IsSettled(date, now) {
		return s.queryProvisional(ctx, kind, date, out)
	}

	has, err := s.Store.Has(ctx, kind, date)
	if err != nil {
		out.Err = err
		return out
	}
	if has {
		return s.readCached(ctx, kind, date, out)
	}

	return s.fill(ctx, kind, date, out)
}

// -----------------------------------------------------------------------------

func (s *PoolCacheService) readCached(ctx context.Context, kind models.PoolKind, date models.TradeDate, out models.MDateOutcome) models.MDateOutcome {
	rows, err := s.Store.Get(ctx, kind, date)
	if err != nil {
		out.Err = err
		return out
	}
	s.hits.Add(1)
	out.Source = models.SourceDatabase
	out.Rows = rows
	return out
}

// -----------------------------------------------------------------------------

// fill fetches and stores one missing date. Holding the key's lock across the
// re-check, fetch and write-back means concurrent callers fetch at most once;
// the callers that waited read the stored result.
func (s *PoolCacheService) fill(ctx context.Context, kind models.PoolKind, date models.TradeDate, out models.MDateOutcome) models.MDateOutcome {
	release, err := s.locks.Lock(ctx, lockKey(kind, date))
	if err != nil {
		out.Err = err
		return out
	}
	defer release()

	has, err := s.Store.Has(ctx, kind, date)
	if err != nil {
		out.Err = err
		return out
	}
	if has {
		return s.readCached(ctx, kind, date, out)
	}

	s.misses.Add(1)

	// From here on the caller's cancellation no longer applies: populating the
	// cache is kept even when the caller has gone away.
	detached := context.WithoutCancel(ctx)

	fetchCtx, cancel := context.WithTimeout(detached, s.fetchTimeout)
	rows, err := s.fetch(fetchCtx, kind, date)
	cancel()
	if err != nil {
		out.Err = err
		return out
	}

	if err := s.Store.Put(detached, kind, date, rows); err != nil {
		s.Logger.Error("Write-back of %s %s failed: %v", kind.Slug(), date, err)
		out.Err = err
		return out
	}

	stored, err := s.Store.Get(detached, kind, date)
	if err != nil {
		out.Err = err
		return out
	}

	s.Logger.Info("Cached %d %s rows for %s", len(stored), kind.Slug(), date)
	out.Source = models.SourceLive
	out.Rows = stored
	return out
}

// -----------------------------------------------------------------------------

// queryProvisional serves a date whose session has not settled. The rows are
// returned as fetched and never stored, so the final pool is cached later.
func (s *PoolCacheService) queryProvisional(ctx context.Context, kind models.PoolKind, date models.TradeDate, out models.MDateOutcome) models.MDateOutcome {
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	rows, err := s.fetch(fetchCtx, kind, date)
	if err != nil {
		out.Err = err
		return out
	}
	out.Source = models.SourceLive
	out.Rows = rows
	return out
}

// -----------------------------------------------------------------------------

// queryFuture serves a date after today. No pool exists yet, so any rows the
// upstream sends were coerced from another day and are rejected.
func (s *PoolCacheService) queryFuture(ctx context.Context, kind models.PoolKind, date models.TradeDate, out models.MDateOutcome) models.MDateOutcome {
	out = s.queryProvisional(ctx, kind, date, out)
	if out.Err == nil && len(out.Rows) > 0 {
		out.Err = helpers.NewUpstreamError(helpers.UpstreamMalformedResponse, nil,
			"upstream returned %d rows for %s, which has not traded yet", len(out.Rows), date)
		out.Rows = []models.MSnapshotRecord{}
		out.Source = ""
	}
	return out
}

// -----------------------------------------------------------------------------

func (s *PoolCacheService) fetch(ctx context.Context, kind models.PoolKind, date models.TradeDate) ([]models.MSnapshotRecord, error) {
	s.fetches.Add(1)
	rows, err := s.Fetcher.Fetch(ctx, kind, date)
	if err != nil {
		s.Logger.Warning("Fetch of %s %s from %s failed: %v", kind.Slug(), date, s.Fetcher.Name(), err)
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, &helpers.UpstreamError{}) {
			err = helpers.NewUpstreamError(helpers.UpstreamUnavailable, err, "fetch timed out after %s", s.fetchTimeout)
		}
		return nil, err
	}
	if rows == nil {
		rows = []models.MSnapshotRecord{}
	}
	return rows, nil
}

// -----------------------------------------------------------------------------

// Coverage lists which dates of start..end are stored.
func (s *PoolCacheService) Coverage(ctx context.Context, kind models.PoolKind, start, end models.TradeDate) ([]models.MDateCoverage, error) {
	if err := s.validateRange(start, end); err != nil {
		return nil, err
	}
	return s.Store.Coverage(ctx, kind, start, end)
}

// -----------------------------------------------------------------------------

func (s *PoolCacheService) Stats() MServiceStats {
	return MServiceStats{
		CacheHits:     s.hits.Load(),
		CacheMisses:   s.misses.Load(),
		UpstreamCalls: s.fetches.Load(),
		FailedQueries: s.failed.Load(),
		LocksInFlight: s.locks.Len(),
		FetcherName:   s.Fetcher.Name(),
	}
}

// -----------------------------------------------------------------------------

func lockKey(kind models.PoolKind, date models.TradeDate) string {
	return fmt.Sprintf("%s/%s", kind.Slug(), date)
}
