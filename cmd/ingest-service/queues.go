package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/constants"
	"relay/internal/logger"
	"relay/pkg/bootstrap"
	"relay/pkg/logging"
)

// knownQueues are the queues declared by the default topology, in
// display order.
var knownQueues = []string{
	constants.QueueMessageProcessing,
	constants.QueueAIProcessing,
	constants.QueueMessageRetry,
	constants.QueueMessageDLQ,
}

func queuesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Inspect and manage broker queues",
	}

	cmd.AddCommand(queuesStatsCmd())
	cmd.AddCommand(queuesPurgeCmd())

	return cmd
}

// connectBroker loads the config and stands up a connected broker with
// the topology in place. The caller shuts it down.
func connectBroker(ctx context.Context) (*bootstrap.Base, error) {
	earlyLog := logging.NewEarlyLog()

	cfg, err := loadConfig(earlyLog)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, "ingest-service")
	if err != nil {
		earlyLog.Errorf("Failed to init logger: %v", err)
		return nil, err
	}

	base := bootstrap.NewBase(cfg, log)
	if err := base.InitBroker(ctx); err != nil {
		return nil, err
	}
	return base, nil
}

func queuesStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show message and consumer counts for the service queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			base, err := connectBroker(ctx)
			if err != nil {
				return err
			}
			defer base.ShutdownBroker()

			fmt.Printf("%-24s %10s %10s\n", "QUEUE", "MESSAGES", "CONSUMERS")
			for _, queue := range knownQueues {
				info, err := base.Broker.Inspect(ctx, queue)
				if err != nil {
					return fmt.Errorf("failed to inspect queue %s: %w", queue, err)
				}
				fmt.Printf("%-24s %10d %10d\n", info.Name, info.MessageCount, info.ConsumerCount)
			}
			return nil
		},
	}
}

func queuesPurgeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge <queue>",
		Short: "Delete all messages from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			if !yes {
				return fmt.Errorf("refusing to purge %s without --yes", queue)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			base, err := connectBroker(ctx)
			if err != nil {
				return err
			}
			defer base.ShutdownBroker()

			purged, err := base.Broker.Purge(ctx, queue)
			if err != nil {
				return fmt.Errorf("failed to purge queue %s: %w", queue, err)
			}

			fmt.Printf("Purged %d messages from %s\n", purged, queue)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the purge")

	return cmd
}
