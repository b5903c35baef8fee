package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dyluth/botrelay/internal/dispatch"
	"github.com/dyluth/botrelay/internal/printer"
	"github.com/dyluth/botrelay/internal/slotpool"
)

var slotsCmd = &cobra.Command{
	Use:   "slots QUEUE",
	Short: "Show the slot pool of a target queue",
	Long: `Show the effective slot policy of a target queue and how many slots are in
use. The policy is the stored override if present, then the environment
defaults, then the built-in defaults. Expired holders are not counted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSlots,
}

func init() {
	rootCmd.AddCommand(slotsCmd)
}

func runSlots(cmd *cobra.Command, args []string) error {
	queueName := args[0]

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

	policy, err := dispatch.NewPolicyLoader(client, cfg.SlotDefaults())(ctx, queueName)
	if err != nil {
		return fmt.Errorf("failed to resolve slot policy for %s: %w", queueName, err)
	}

	pool := slotpool.New(client.RedisClient())
	inUse, err := pool.CurrentCount(ctx, queueName, policy.Timeout)
	if err != nil {
		return err
	}
	available, err := pool.AvailableCount(ctx, queueName, policy.Limit, policy.Timeout)
	if err != nil {
		return err
	}

	printer.Table(
		[]string{"queue", "limit", "timeout", "in use", "available"},
		[][]string{{
			queueName,
			strconv.Itoa(policy.Limit),
			policy.Timeout.String(),
			strconv.Itoa(inUse),
			strconv.Itoa(available),
		}},
	)
	return nil
}
