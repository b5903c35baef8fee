package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dyluth/botrelay/internal/config"
	"github.com/dyluth/botrelay/internal/logging"
	"github.com/dyluth/botrelay/internal/printer"
	"github.com/dyluth/botrelay/pkg/store"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "botrelay",
	Short: "botrelay - admission-controlled bot task relay",
	Long: `botrelay accepts bot invocations over HTTP, admits them against per-bot
concurrency and cadence limits, and relays them to worker queues through a
self-expiring slot pool, all coordinated through Redis.

Long-running processes:
  gateway     inbound HTTP API (invoke, release, job status, admin)
  dispatcher  moves admitted tasks to their worker queues
  worker      bundled worker runner for a target queue

Operator commands:
  config apply, slots, queue stats, queue clean`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("BOTRELAY_CONFIG"), "Path to botrelay.yml (defaults plus environment when omitted)")
}

// loadConfig loads the configuration named by --config
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"failed to load configuration",
			err.Error(),
			map[string]string{"Config": displayPath(configPath)},
			[]string{"Check the file against the documented botrelay.yml keys and the REDIS_URL / WORKER_QUEUE_* environment variables"},
		)
	}
	return cfg, nil
}

// connectStore opens the shared store and verifies it answers
func connectStore(ctx context.Context, cfg *config.Config) (*store.Client, error) {
	client, err := store.NewClientFromURL(cfg.Redis.URL)
	if err != nil {
		return nil, printer.Error(
			"invalid Redis URL",
			err.Error(),
			[]string{"Set redis.url or REDIS_URL to a URL like redis://localhost:6379/0"},
		)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis not accessible",
			err.Error(),
			map[string]string{"Redis": cfg.Redis.URL},
			[]string{"Start Redis or point REDIS_URL at a reachable instance"},
		)
	}
	return client, nil
}

// newLogger builds the process logger and tags it with the build version
func newLogger(cfg *config.Config, service string) zerolog.Logger {
	return logging.New(cfg.Log, service).With().Str("version", version).Logger()
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func displayPath(p string) string {
	if p == "" {
		return "(none)"
	}
	return p
}
