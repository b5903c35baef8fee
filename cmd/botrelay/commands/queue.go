package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/botrelay/internal/printer"
	"github.com/dyluth/botrelay/internal/queue"
	"github.com/dyluth/botrelay/internal/timespec"
)

var (
	cleanBefore string
	cleanState  string
	cleanLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain job queues",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats QUEUE",
	Short: "Show job counts per state",
	Long: `Show job counts per state of a queue. The main task queue is "bot-tasks";
worker queues are named by the bots' workerTargetQueue.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueStats,
}

var queueCleanCmd = &cobra.Command{
	Use:   "clean QUEUE",
	Short: "Delete finished jobs",
	Long: `Delete completed and/or failed jobs that finished before a point in time.

Time specification (--before):
  duration  - relative to now: "24h", "30m", "168h"
  RFC3339   - absolute: "2025-10-29T13:00:00Z"

Examples:
  # Drop completed jobs older than a day
  botrelay queue clean bot-tasks --before=24h --state=completed

  # Drop every finished job on a worker queue
  botrelay queue clean python-workers --before=0s`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueClean,
}

func init() {
	queueCleanCmd.Flags().StringVar(&cleanBefore, "before", "24h", "Only jobs finished before this time (duration or RFC3339)")
	queueCleanCmd.Flags().StringVar(&cleanState, "state", "all", "Job state to clean: completed, failed or all")
	queueCleanCmd.Flags().IntVar(&cleanLimit, "limit", 0, "Maximum jobs to delete per state (0 = no limit)")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueCleanCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	client, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	counts, err := queue.New(client.RedisClient(), args[0]).Counts(ctx)
	if err != nil {
		return err
	}

	printer.Table([]string{"state", "jobs"}, [][]string{
		{string(queue.StateWaiting), strconv.FormatInt(counts.Waiting, 10)},
		{string(queue.StateDelayed), strconv.FormatInt(counts.Delayed, 10)},
		{string(queue.StateActive), strconv.FormatInt(counts.Active, 10)},
		{string(queue.StateCompleted), strconv.FormatInt(counts.Completed, 10)},
		{string(queue.StateFailed), strconv.FormatInt(counts.Failed, 10)},
	})
	return nil
}

func runQueueClean(cmd *cobra.Command, args []string) error {
	queueName := args[0]

	var states []queue.State
	switch cleanState {
	case "all":
		states = []queue.State{queue.StateCompleted, queue.StateFailed}
	case string(queue.StateCompleted), string(queue.StateFailed):
		states = []queue.State{queue.State(cleanState)}
	default:
		return printer.Error(
			"invalid state",
			fmt.Sprintf("Unknown state: %s", cleanState),
			[]string{"Valid states: completed, failed, all"},
		)
	}
	if cleanLimit < 0 {
		return printer.Error("invalid limit", "--limit must be >= 0", nil)
	}

	age, err := timespec.Age(cleanBefore, time.Now())
	if err != nil {
		return printer.Error(
			"invalid --before",
			err.Error(),
			[]string{"Use a duration like '24h' or an RFC3339 time like '2025-10-29T13:00:00Z'"},
		)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	client, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	q := queue.New(client.RedisClient(), queueName)
	total := 0
	for _, state := range states {
		n, err := q.Clean(ctx, state, age, cleanLimit)
		if err != nil {
			return err
		}
		printer.Step("%s: removed %d %s jobs\n", queueName, n, state)
		total += n
	}

	printer.Success("Removed %d jobs from %s\n", total, queueName)
	return nil
}
