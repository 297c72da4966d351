package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskweave/taskweave/internal/orchestration/queue"
)

var cleanupKeep int

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the durable job queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		layout, err := dataLayout()
		if err != nil {
			return err
		}
		stats, err := queue.New(layout).GetQueueStats()
		if err != nil {
			return err
		}
		fmt.Printf("waiting:       %d\n", stats.Waiting)
		fmt.Printf("delayed:       %d\n", stats.Delayed)
		fmt.Printf("active:        %d\n", stats.Active)
		fmt.Printf("human_waiting: %d\n", stats.HumanWaiting)
		fmt.Printf("completed:     %d\n", stats.Completed)
		fmt.Printf("failed:        %d\n", stats.Failed)
		fmt.Printf("total:         %d\n", stats.Total)
		return nil
	},
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop old settled jobs, keeping the most recent",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		layout, err := dataLayout()
		if err != nil {
			return err
		}
		removed, err := queue.New(layout).CleanupOldJobs(cleanupKeep)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d settled jobs\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd, queueCleanupCmd)
	queueCleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 100,
		"settled jobs to keep")
}
