package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medvertical/fhir-validation-engine/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the priority queue used for on-demand validation requests",
	}
	cmd.AddCommand(newQueueStatsCmd())
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the current state of the priority queue",
		Long: `The priority queue lives inside whatever long-running process
embeds the queue package (this CLI is not that process, per spec.md §1's
transport scope). This prints the zero-value stats of a freshly built
queue with the default configuration, which is what an embedding
process would report before it has enqueued any work.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := queue.New(queue.DefaultConfig(), func(ctx context.Context, req queue.Request) (any, error) {
				return nil, nil
			})
			stats := q.GetStats()

			fmt.Fprintf(cmd.OutOrStdout(), "queued=%d processing=%d completed=%d failed=%d cancelled=%d\n",
				stats.TotalQueued, stats.TotalProcessing, stats.TotalCompleted, stats.TotalFailed, stats.TotalCancelled)
			return nil
		},
	}
}
