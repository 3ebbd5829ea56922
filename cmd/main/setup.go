package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"pool-observer/src/config"
	datasource "pool-observer/src/data_source"
	"pool-observer/src/data_source/aktools"
	"pool-observer/src/interfaces"
	"pool-observer/src/logger"
	"pool-observer/src/network"
	"pool-observer/src/service"
	"pool-observer/src/storage"
	"pool-observer/src/utils"

	"github.com/spf13/cobra"
)

const initTimeout = 30 * time.Second

// application holds the wired components shared by the subcommands.
type application struct {
	Config   *config.Config
	Logger   *logger.Logger
	Store    interfaces.IPoolStore
	Calendar *utils.TradingCalendar
	Fetcher  interfaces.IPoolFetcher
	Service  *service.PoolCacheService
}

// -----------------------------------------------------------------------------

func (a *application) Close() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warning("Failed to close store: %v", err)
		}
	}
	a.Logger.Sync()
}

// -----------------------------------------------------------------------------

// loadConfig reads the --config file. The default path is optional so the binary
// runs from defaults and environment alone inside a container.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	cfg, err := config.NewConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// -----------------------------------------------------------------------------

// setupStore opens and migrates the configured backend.
func setupStore(cmd *cobra.Command) (*application, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	appLogger := logger.NewLogger(cfg.MConfig, cfg.Name)
	app := &application{Config: cfg, Logger: appLogger}

	store, err := storage.NewStore(cfg.MConfig, appLogger.Named("Storage"))
	if err != nil {
		appLogger.Sync()
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	app.Store = store

	ctx, cancel := context.WithTimeout(cmd.Context(), initTimeout)
	defer cancel()
	if err := store.Initialize(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	appLogger.Info("Storage ready (%s)", cfg.Storage.DBType)
	return app, nil
}

// -----------------------------------------------------------------------------

// setup wires the full query path: store, calendar, upstream and cache service.
func setup(cmd *cobra.Command) (*application, error) {
	app, err := setupStore(cmd)
	if err != nil {
		return nil, err
	}
	cfg := app.Config.MConfig

	cal, err := utils.NewTradingCalendar(cfg.Calendar, app.Logger.Named("Calendar"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to load trading calendar: %w", err)
	}
	app.Calendar = cal

	fetcher, err := setupFetcher(app)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Fetcher = fetcher

	app.Service = service.NewPoolCacheService(cfg, app.Store, app.Fetcher, cal, app.Logger.Named("PoolCache"))
	return app, nil
}

// -----------------------------------------------------------------------------

// setupFetcher builds the AKTools source, wrapped in a failover manager when
// mirrors are configured.
func setupFetcher(app *application) (interfaces.IPoolFetcher, error) {
	cfg := app.Config.MConfig
	networkManager := network.NewAsyncNetworkManager(cfg, app.Logger.Named("NetworkManager"))
	primary := aktools.NewAKToolsSource(cfg, networkManager, app.Logger.Named("AKTools"))

	if len(cfg.DataSource.Mirrors) == 0 {
		return primary, nil
	}

	sources := []interfaces.IPoolFetcher{primary}
	for _, base := range cfg.DataSource.Mirrors {
		mirror, err := primary.Mirror(base)
		if err != nil {
			return nil, err
		}
		sources = append(sources, mirror)
	}
	app.Logger.Info("Initializing MultiSourceManager for %d sources.", len(sources))
	return datasource.NewMultiSourceManager(sources, app.Logger.Named("MultiSource")), nil
}
