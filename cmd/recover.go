package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskweave/taskweave/internal/orchestration/recovery"
)

var recoverResume bool

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Scan for tasks orphaned by a dead owner process",
	Long: `Recover scans active tasks, and for every task whose owner process no
longer exists it resets running nodes, recycles leased jobs, and pauses
the task so a new runner can pick it up cleanly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		layout, err := dataLayout()
		if err != nil {
			return err
		}
		cleanup := initLogging(layout)
		defer cleanup()

		var resume recovery.Resumer
		if recoverResume {
			resume = resumeSpawner(layout)
		}
		report, err := recovery.New(layout).Run(cmd.Context(), resume)
		if err != nil {
			return err
		}

		fmt.Printf("scanned %d active tasks\n", report.Scanned)
		if len(report.Orphans) == 0 {
			fmt.Println("no orphans found")
			return nil
		}
		for _, o := range report.Orphans {
			fmt.Printf("task %s: owner pid %d dead, %d nodes reset, %d leases recycled, instance %s\n",
				o.TaskID, o.DeadPID, len(o.NodesReset), o.LeasesRecycled, o.InstanceMoved)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().BoolVar(&recoverResume, "resume", false,
		"respawn a runner for every recovered task")
}
