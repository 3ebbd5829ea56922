package main

import (
	"context"
	"errors"
	"fmt"

	"pool-observer/src/grpc_control"
	"pool-observer/src/interfaces"
	"pool-observer/src/server"
	"pool-observer/src/utils"
)

// -----------------------------------------------------------------------------

// startServers runs the HTTP API, the gRPC health server and, when enabled, the
// market scheduler until ctx is cancelled or a listener fails.
func startServers(ctx context.Context, app *application) error {
	cfg := app.Config.MConfig

	apiServer := server.NewAPIServer(cfg, app.Service, app.Store, app.Logger.Named("APIServer"))
	control := grpc_control.NewControlService(cfg, app.Store, app.Logger.Named("ControlService"))

	servers := map[string]interfaces.IServer{
		"http": apiServer,
		"grpc": control,
	}

	failed := make(chan error, len(servers))
	for name, srv := range servers {
		go func() {
			if err := srv.Start(); err != nil {
				failed <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	var scheduler *utils.MarketScheduler
	if cfg.Scheduler.Enabled {
		scheduler = utils.NewMarketScheduler(cfg, app.Calendar, app.Service, app.Logger.Named("Scheduler"))
		probe := func(ctx context.Context) { control.Check(ctx) }
		if err := scheduler.Start(probe); err != nil {
			stopServers(app, servers)
			return err
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		app.Logger.Info("Shutting down...")
	case runErr = <-failed:
		app.Logger.Error("%v", runErr)
	}

	if scheduler != nil {
		scheduler.Stop()
	}
	stopServers(app, servers)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// -----------------------------------------------------------------------------

func stopServers(app *application, servers map[string]interfaces.IServer) {
	for name, srv := range servers {
		if err := srv.Stop(); err != nil {
			app.Logger.Warning("Stopping %s server: %v", name, err)
		}
	}
}
