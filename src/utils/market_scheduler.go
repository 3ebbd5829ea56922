package utils

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"pool-observer/src/interfaces"
	"pool-observer/src/logger"
	"pool-observer/src/models"

	"github.com/robfig/cron/v3"
)

const (
	// 15:45 on weekdays, exchange time: shortly after the pools settle.
	DefaultWarmupSpec = "45 15 * * 1-5"
	DefaultHealthSpec = "@every 1m"

	warmupTimeout = 5 * time.Minute
)

// MarketScheduler runs the periodic jobs of the service: the post-close warmup
// that caches the day's pools and the storage health probe.
type MarketScheduler struct {
	Config   *models.MConfig
	Calendar *TradingCalendar
	Querier  interfaces.IPoolQuerier
	Logger   *logger.Logger

	cron    *cron.Cron
	now     func() time.Time
	warming atomic.Bool
}

// -----------------------------------------------------------------------------

func NewMarketScheduler(cfg *models.MConfig, cal *TradingCalendar, querier interfaces.IPoolQuerier, l *logger.Logger) *MarketScheduler {
	cl := cronLogger{l}
	return &MarketScheduler{
		Config:   cfg,
		Calendar: cal,
		Querier:  querier,
		Logger:   l,
		cron: cron.New(
			cron.WithLocation(cal.Timezone),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		now: time.Now,
	}
}

// -----------------------------------------------------------------------------

// Start registers the warmup job and, when probe is not nil, the health probe,
// then starts the cron loop.
func (ms *MarketScheduler) Start(probe func(ctx context.Context)) error {
	warmSpec := ms.Config.Scheduler.WarmupSpec
	if warmSpec == "" {
		warmSpec = DefaultWarmupSpec
	}
	if _, err := ms.cron.AddFunc(warmSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), warmupTimeout)
		defer cancel()
		if err := ms.Warmup(ctx); err != nil {
			ms.Logger.Warning("Warmup finished with errors: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid warmup spec %q: %w", warmSpec, err)
	}

	if probe != nil {
		healthSpec := ms.Config.Scheduler.HealthSpec
		if healthSpec == "" {
			healthSpec = DefaultHealthSpec
		}
		if _, err := ms.cron.AddFunc(healthSpec, func() { probe(context.Background()) }); err != nil {
			return fmt.Errorf("invalid health spec %q: %w", healthSpec, err)
		}
	}

	ms.cron.Start()
	ms.Logger.Info("MarketScheduler: warmup at '%s' (%s)", warmSpec, ms.Calendar.Timezone)
	return nil
}

// -----------------------------------------------------------------------------

// Stop halts the cron loop and waits for running jobs.
func (ms *MarketScheduler) Stop() {
	<-ms.cron.Stop().Done()
}

// -----------------------------------------------------------------------------

// Warmup queries every pool over the lookback window ending on the latest settled
// trading day, so missing dates are fetched and stored. Cached dates cost one
// coverage lookup each.
func (ms *MarketScheduler) Warmup(ctx context.Context) error {
	if !ms.warming.CompareAndSwap(false, true) {
		ms.Logger.Info("MarketScheduler: warmup already running, skipped")
		return nil
	}
	defer ms.warming.Store(false)

	end := ms.Calendar.LatestSettledDay(ms.now())
	lookback := ms.Config.Scheduler.WarmupLookbackDays
	if lookback < 0 {
		lookback = 0
	}
	start := end.AddDays(-lookback)

	var firstErr error
	for _, kind := range models.AllPoolKinds {
		res, err := ms.Querier.QueryRange(ctx, kind, start, end)
		if err != nil {
			ms.Logger.Error("Warmup of %s %s..%s failed: %v", kind.Slug(), start, end, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(res.Errors) > 0 && firstErr == nil {
			firstErr = fmt.Errorf("%s: %d dates failed, first %s: %s", kind.Slug(), len(res.Errors), res.Errors[0].Date, res.Errors[0].Error)
		}
		ms.Logger.Info("Warmup of %s %s..%s: %d rows (%s)", kind.Slug(), start, end, res.Count, res.Source)
	}
	return firstErr
}

// -----------------------------------------------------------------------------

// cronLogger routes cron's own messages into the service logger.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.With(keysAndValues...).Debug("cron: %s", msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.With(keysAndValues...).Error("cron: %s: %v", msg, err)
}
