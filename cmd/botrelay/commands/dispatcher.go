package commands

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/botrelay/internal/dispatch"
	"github.com/dyluth/botrelay/internal/housekeeping"
	"github.com/dyluth/botrelay/internal/metrics"
)

var (
	dispatcherConcurrency int
	dispatcherNoHousekeep bool
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Run the task dispatcher",
	Long: `Run the dispatcher: claims admitted tasks from the main queue, takes a slot
in the target queue's pool, forwards the task to the worker queue and waits for
its outcome, then frees the slot and asks the gateway to release the bot's
concurrency unit.

The dispatcher also runs housekeeping (job cleanup, queue statistics, gauges
and the concurrency counter audit) and serves /healthz and /metrics.`,
	Args: cobra.NoArgs,
	RunE: runDispatcher,
}

func init() {
	dispatcherCmd.Flags().IntVar(&dispatcherConcurrency, "concurrency", 0, "Concurrent tasks (overrides dispatcher.concurrency)")
	dispatcherCmd.Flags().BoolVar(&dispatcherNoHousekeep, "no-housekeeping", false, "Do not run periodic cleanup and gauges")
	rootCmd.AddCommand(dispatcherCmd)
}

func runDispatcher(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dispatcherConcurrency > 0 {
		cfg.Dispatcher.Concurrency = dispatcherConcurrency
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	client, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	logger := newLogger(cfg, "orchestrator")
	rdb := client.RedisClient()

	notifier := dispatch.NewHTTPNotifier(cfg.Dispatcher.GatewayURL, cfg.Dispatcher.NotifyTimeout)
	coordinator := dispatch.NewCoordinator(rdb, client, notifier, dispatch.Options{
		Concurrency:   cfg.Dispatcher.Concurrency,
		PollInterval:  cfg.Dispatcher.PollInterval,
		MaxPolls:      cfg.Dispatcher.MaxPolls,
		SlotDefaults:  cfg.SlotDefaults(),
		PolicyRefresh: cfg.Dispatcher.PolicyRefresh,
	}, logger)

	healthServer := dispatch.NewHealthServer(cfg.Dispatcher.HealthAddr, client, "orchestrator", logger)
	if err := healthServer.Start(); err != nil {
		return err
	}
	health := metrics.ServiceHealth.WithLabelValues("orchestrator", version)
	health.Set(1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	if !dispatcherNoHousekeep {
		keeper := housekeeping.New(rdb, client, coordinator.Policies(), coordinator.Pool(), housekeeping.Options{
			CleanupInterval: cfg.Housekeeping.CleanupInterval,
			StatsInterval:   cfg.Housekeeping.StatsInterval,
			GaugeInterval:   cfg.Housekeeping.GaugeInterval,
			CompletedGrace:  cfg.Housekeeping.CompletedRetention,
			FailedGrace:     cfg.Housekeeping.FailedRetention,
			StalledAfter:    cfg.Housekeeping.StalledAfter,
		}, logger)
		g.Go(func() error {
			return keeper.Run(gctx)
		})
	}

	logger.Info().
		Int("concurrency", cfg.Dispatcher.Concurrency).
		Str("gateway_url", cfg.Dispatcher.GatewayURL).
		Msg("Dispatcher started")

	runErr := g.Wait()
	health.Set(0)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Health server shutdown failed")
	}

	logger.Info().Msg("Dispatcher stopped")
	return runErr
}
