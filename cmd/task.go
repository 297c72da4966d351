package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskweave/taskweave/internal/orchestration/bus"
	"github.com/taskweave/taskweave/internal/orchestration/lifecycle"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and manage tasks",
}

var (
	submitDescription string
	submitPriority    string
	submitWorkDir     string
	submitModel       string
	submitStart       bool

	listStatus string

	stopReasonFlag   string
	pauseReasonFlag  string
	rejectReasonFlag string
	injectPersona    string
)

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <title>",
	Short: "Create a task and synthesize its workflow",
	Args:  cobra.MinimumNArgs(1),
	RunE: withLifecycle(func(s *lifecycle.Service, cmd *cobra.Command, args []string) error {
		created, err := s.Create(cmd.Context(), lifecycle.CreateRequest{
			Title:       strings.Join(args, " "),
			Description: submitDescription,
			Priority:    task.Priority(submitPriority),
			WorkDir:     submitWorkDir,
			Model:       submitModel,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created task %s\n", created.ID)
		if submitStart {
			if err := s.Start(cmd.Context(), created.ID); err != nil {
				return err
			}
			fmt.Println("started")
		}
		return nil
	}),
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		layout, err := dataLayout()
		if err != nil {
			return err
		}
		filter := task.Filter{}
		if listStatus != "" {
			filter.Statuses = []task.Status{task.Status(listStatus)}
		}
		tasks, err := task.NewStore(layout).List(filter)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tAGE\tTITLE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Status, t.Priority, age(t.CreatedAt), t.Title)
		}
		return w.Flush()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task, its instance, and its stats",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		layout, err := dataLayout()
		if err != nil {
			return err
		}
		tasks := task.NewStore(layout)
		t, err := tasks.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("id:       %s\n", t.ID)
		fmt.Printf("title:    %s\n", t.Title)
		fmt.Printf("status:   %s\n", t.Status)
		fmt.Printf("priority: %s\n", t.Priority)
		if t.RejectReason != "" {
			fmt.Printf("rejected: %s (retry %d)\n", t.RejectReason, t.RetryCount)
		}

		flows := flow.NewStore(layout)
		if in, err := flows.GetInstanceForTask(t.ID); err == nil {
			fmt.Printf("instance: %s (%s)\n", in.ID, in.Status)
			for _, n := range nodeSummaries(in) {
				fmt.Printf("  %s\n", n)
			}
		}
		if stats, err := tasks.GetStats(t.ID); err == nil {
			fmt.Printf("nodes:    %d done, %d failed, %d skipped of %d\n",
				stats.NodesCompleted, stats.NodesFailed, stats.NodesSkipped, stats.NodesTotal)
			fmt.Printf("llm:      %d calls, %d tokens, $%.4f\n",
				stats.LLMCalls, stats.TotalTokens, stats.TotalCost)
		}
		return nil
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Start a pending task",
	Args:  cobra.ExactArgs(1),
	RunE: withLifecycle(func(s *lifecycle.Service, cmd *cobra.Command, args []string) error {
		return s.Start(cmd.Context(), args[0])
	}),
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a developing task",
	Args:  cobra.ExactArgs(1),
	RunE: withLifecycle(func(s *lifecycle.Service, _ *cobra.Command, args []string) error {
		return s.Pause(args[0], pauseReasonFlag)
	}),
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE: withLifecycle(func(s *lifecycle.Service, cmd *cobra.Command, args []string) error {
		return s.Resume(cmd.Context(), args[0])
	}),
}

var taskStopCmd = &cobra.Command{
	Use:   "stop <task-id>",
	Short: "Cancel a task and remove its queued jobs",
	Args:  cobra.ExactArgs(1),
	RunE: withLifecycle(func(s *lifecycle.Service, _ *cobra.Command, args []string) error {
		return s.Stop(args[0], stopReasonFlag)
	}),
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Accept a reviewing task's result",
	Args:  cobra.ExactArgs(1),
	RunE: withLifecycle(func(s *lifecycle.Service, _ *cobra.Command, args []string) error {
		return s.Complete(args[0])
	}),
}

var taskRejectCmd = &cobra.Command{
	Use:   "reject <task-id>",
	Short: "Send a reviewing task back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: withLifecycle(func(s *lifecycle.Service, _ *cobra.Command, args []string) error {
		return s.Reject(args[0], rejectReasonFlag)
	}),
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve [job-id]",
	Short: "Grant a waiting human approval; without an id, list them",
	Args:  cobra.MaximumNArgs(1),
	RunE: withLifecycle(func(s *lifecycle.Service, _ *cobra.Command, args []string) error {
		if len(args) == 1 {
			return s.Approve(args[0])
		}
		jobs, err := s.WaitingApprovals()
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("no approvals waiting")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tTASK\tNODE")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", j.ID, j.Data.TaskID, j.Data.NodeID)
		}
		return w.Flush()
	}),
}

var taskInjectCmd = &cobra.Command{
	Use:   "inject <task-id> <prompt>",
	Short: "Splice a new step after the current node",
	Args:  cobra.MinimumNArgs(2),
	RunE: withLifecycle(func(s *lifecycle.Service, _ *cobra.Command, args []string) error {
		nodeID, err := s.Inject(args[0], strings.Join(args[1:], " "), injectPersona)
		if err != nil {
			return err
		}
		fmt.Printf("injected node %s\n", nodeID)
		return nil
	}),
}

var taskMessageCmd = &cobra.Command{
	Use:   "message <task-id> <body>",
	Short: "Send guidance folded into the next task node's prompt",
	Args:  cobra.MinimumNArgs(2),
	RunE: withLifecycle(func(s *lifecycle.Service, _ *cobra.Command, args []string) error {
		_, err := s.SendMessage(args[0], strings.Join(args[1:], " "))
		return err
	}),
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskShowCmd, taskStartCmd,
		taskPauseCmd, taskResumeCmd, taskStopCmd, taskCompleteCmd,
		taskRejectCmd, taskApproveCmd, taskInjectCmd, taskMessageCmd)

	taskSubmitCmd.Flags().StringVarP(&submitDescription, "description", "d", "", "task description")
	taskSubmitCmd.Flags().StringVarP(&submitPriority, "priority", "p", "medium", "priority: low, medium, high")
	taskSubmitCmd.Flags().StringVar(&submitWorkDir, "workdir", "", "working directory for CLI backends")
	taskSubmitCmd.Flags().StringVar(&submitModel, "model", "", "model override")
	taskSubmitCmd.Flags().BoolVar(&submitStart, "start", false, "start immediately")

	taskListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	taskPauseCmd.Flags().StringVar(&pauseReasonFlag, "reason", "", "pause reason")
	taskStopCmd.Flags().StringVar(&stopReasonFlag, "reason", "", "stop reason")
	taskRejectCmd.Flags().StringVar(&rejectReasonFlag, "reason", "", "rejection reason")
	taskInjectCmd.Flags().StringVar(&injectPersona, "persona", "", "system prompt for the injected step")
}

// withLifecycle builds the lifecycle service before running the handler.
func withLifecycle(fn func(*lifecycle.Service, *cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		layout, err := dataLayout()
		if err != nil {
			return err
		}
		cleanup := initLogging(layout)
		defer cleanup()
		return fn(newLifecycle(layout, bus.New()), cmd, args)
	}
}

func nodeSummaries(in *flow.Instance) []string {
	var out []string
	for id, st := range in.NodeStates {
		if st.Status == flow.NodePending {
			continue
		}
		line := fmt.Sprintf("%-20s %s", id, st.Status)
		if st.Error != "" {
			line += "  " + st.Error
		}
		out = append(out, line)
	}
	return out
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
