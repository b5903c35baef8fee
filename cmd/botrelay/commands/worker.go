package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/botrelay/internal/printer"
	"github.com/dyluth/botrelay/internal/worker"
)

var (
	workerQueue       string
	workerConcurrency int
	workerEchoDelay   time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker [flags] [-- COMMAND [ARGS...]]",
	Short: "Run a worker for one target queue",
	Long: `Run the bundled worker runner on a target queue.

Without a command the worker echoes every task back as its result, which is
enough to exercise the whole relay. With a command (after --, or worker.command
in botrelay.yml) each task runs the command with the task JSON on stdin; the
command must print a JSON result on stdout and exit 0.

When the task carries a callback address the result is POSTed to it.

Examples:
  # Echo worker for python-workers
  botrelay worker --queue python-workers

  # Run a script per task
  botrelay worker --queue python-workers -- python3 run_bot.py`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVarP(&workerQueue, "queue", "q", "", "Target queue to consume (overrides worker.queue)")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Concurrent tasks (overrides worker.concurrency)")
	workerCmd.Flags().DurationVar(&workerEchoDelay, "echo-delay", 0, "Simulated work time for the echo executor")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerQueue != "" {
		cfg.Worker.Queue = workerQueue
	}
	if workerConcurrency > 0 {
		cfg.Worker.Concurrency = workerConcurrency
	}
	if len(args) > 0 {
		cfg.Worker.Command = args
	}

	if cfg.Worker.Queue == "" {
		return printer.Error(
			"no queue to consume",
			"The worker needs the name of the target queue its bots are configured with.",
			[]string{"Pass --queue NAME or set worker.queue in botrelay.yml"},
		)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	client, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	logger := newLogger(cfg, "worker")

	var executor worker.Executor = worker.EchoExecutor{Delay: workerEchoDelay}
	if len(cfg.Worker.Command) > 0 {
		executor = &worker.CommandExecutor{Command: cfg.Worker.Command, Timeout: cfg.Worker.CommandTimeout}
	}

	runner := worker.NewRunner(
		client.RedisClient(),
		cfg.Worker.Queue,
		executor,
		worker.NewCallbackSender(cfg.Worker.CallbackTimeout),
		cfg.Worker.Concurrency,
		logger,
	)

	logger.Info().
		Str("queue", cfg.Worker.Queue).
		Strs("command", cfg.Worker.Command).
		Msg("Worker started")
	return runner.Run(ctx)
}
