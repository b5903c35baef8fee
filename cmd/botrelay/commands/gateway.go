package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/botrelay/internal/gateway"
	"github.com/dyluth/botrelay/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

var gatewayAddr string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the inbound HTTP gateway",
	Long: `Run the gateway: POST /invoke admits and enqueues bot tasks, the
release-concurrency endpoints return concurrency units, and /job, /stats,
/healthz, /metrics and the /admin routes expose state.

The /admin routes require the X-API-Key header to match ADMIN_API_KEY and are
disabled when it is unset.`,
	Args: cobra.NoArgs,
	RunE: runGateway,
}

func init() {
	gatewayCmd.Flags().StringVar(&gatewayAddr, "addr", "", "Listen address (overrides gateway.addr)")
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if gatewayAddr != "" {
		cfg.Gateway.Addr = gatewayAddr
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	client, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	logger := newLogger(cfg, "gateway")
	rdb := client.RedisClient()

	service := gateway.NewService(rdb, client, logger)
	server := gateway.NewServer(service, rdb, client, gateway.Options{
		Addr:         cfg.Gateway.Addr,
		AdminAPIKey:  cfg.Gateway.AdminAPIKey,
		SlotDefaults: cfg.SlotDefaults(),
		RateLimit: gateway.RateLimit{
			Requests: cfg.Gateway.RateLimit.Requests,
			Window:   cfg.Gateway.RateLimit.Window,
		},
	}, logger)

	if err := server.Start(ctx); err != nil {
		return err
	}
	health := metrics.ServiceHealth.WithLabelValues("gateway", version)
	health.Set(1)

	<-ctx.Done()
	health.Set(0)
	logger.Info().Msg("Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
