package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/botrelay/internal/config"
	"github.com/dyluth/botrelay/internal/printer"
)

var (
	applyFile   string
	applyDryRun bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage bot, group and worker queue definitions",
}

var configApplyCmd = &cobra.Command{
	Use:   "apply -f FILE",
	Short: "Write bot definitions from a YAML or JSON file to the store",
	Long: `Write bot types, bot groups and worker queue overrides to the store.

The file uses the same field names as the admin API:

  botTypes:
    - botType: scraper
      workerTargetQueue: python-workers
      concurrency: {limit: 2}
  botGroups:
    - groupId: scrapers
      botTypes: [scraper]
      executionRule: {type: ROUND_ROBIN}
  workerQueues:
    - queueName: python-workers
      maxConcurrency: 4

Existing entries with the same key are replaced. Group members must be defined
in the file or already registered.`,
	Args: cobra.NoArgs,
	RunE: runConfigApply,
}

func init() {
	configApplyCmd.Flags().StringVarP(&applyFile, "file", "f", "", "Definitions file (required)")
	configApplyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Validate without writing")
	configApplyCmd.MarkFlagRequired("file")

	configCmd.AddCommand(configApplyCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigApply(cmd *cobra.Command, args []string) error {
	defs, err := config.LoadDefinitions(applyFile)
	if err != nil {
		return printer.ErrorWithContext(
			"failed to load definitions",
			err.Error(),
			map[string]string{"File": applyFile},
			nil,
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

	registered, err := client.ListBotKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list registered bots: %w", err)
	}
	known := make(map[string]bool, len(registered))
	for _, key := range registered {
		known[key] = true
	}

	if err := defs.Validate(known); err != nil {
		return printer.ErrorWithContext(
			"invalid definitions",
			err.Error(),
			map[string]string{"File": applyFile},
			nil,
		)
	}

	if applyDryRun {
		printer.Success("%s is valid (%d bot types, %d groups, %d worker queues)\n",
			applyFile, len(defs.BotTypes), len(defs.BotGroups), len(defs.WorkerQueues))
		return nil
	}

	if err := defs.Apply(ctx, client); err != nil {
		return printer.Error("failed to apply definitions", err.Error(), nil)
	}

	printer.Success("Applied %d bot types, %d groups, %d worker queues\n",
		len(defs.BotTypes), len(defs.BotGroups), len(defs.WorkerQueues))
	return nil
}
