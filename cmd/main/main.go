package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"pool-observer/src/models"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/default.yaml"

// -----------------------------------------------------------------------------

func main() {
	root := &cobra.Command{
		Use:          "pool-observer",
		Short:        "Daily stock pool snapshot cache",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", defaultConfigPath, "path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC health server and the scheduler",
		RunE:  runServe,
	}
	root.AddCommand(serveCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the tables of the configured store with their row counts",
		RunE:  runInspect,
	}
	root.AddCommand(inspectCmd)

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fetch and store every missing date of a range",
		RunE:  runBackfill,
	}
	backfillCmd.Flags().String("kind", "zt", "pool kind (zt, dt, zb)")
	backfillCmd.Flags().String("start", "", "first date, YYYY-MM-DD")
	backfillCmd.Flags().String("end", "", "last date, YYYY-MM-DD (defaults to start)")
	_ = backfillCmd.MarkFlagRequired("start")
	root.AddCommand(backfillCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// -----------------------------------------------------------------------------

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return startServers(ctx, app)
}

// -----------------------------------------------------------------------------

func runInspect(cmd *cobra.Command, _ []string) error {
	app, err := setupStore(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tables, err := app.Store.TableStats(ctx)
	if err != nil {
		return fmt.Errorf("inspect %s store: %w", app.Config.Storage.DBType, err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TABLE\tROWS\n")
	for _, t := range tables {
		fmt.Fprintf(w, "%s\t%d\n", t.Name, t.RowCount)
	}
	return w.Flush()
}

// -----------------------------------------------------------------------------

func runBackfill(cmd *cobra.Command, _ []string) error {
	kindFlag, _ := cmd.Flags().GetString("kind")
	startFlag, _ := cmd.Flags().GetString("start")
	endFlag, _ := cmd.Flags().GetString("end")

	kind, err := models.ParsePoolKind(kindFlag)
	if err != nil {
		return err
	}
	start, err := models.ParseTradeDate(startFlag)
	if err != nil {
		return err
	}
	end := start
	if endFlag != "" {
		if end, err = models.ParseTradeDate(endFlag); err != nil {
			return err
		}
	}

	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A range with failed dates still stores the others; rerunning only refetches the gaps.
	res, err := app.Service.QueryRange(ctx, kind, start, end)
	for _, e := range res.Errors {
		app.Logger.Warning("%s %s failed (%s): %s", kind.Slug(), e.Date, e.Kind, e.Error)
	}
	if err != nil {
		return fmt.Errorf("backfill %s %s..%s: %w", kind.Slug(), start, end, err)
	}

	app.Logger.Info("Backfill %s %s..%s: %d rows, source %s, %d failed dates",
		kind.Slug(), start, end, res.Count, res.Source, len(res.Errors))
	return nil
}
