package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/types"
)

var (
	taskDescription string
	taskPriority    string
	taskStatus      string
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "work",
	Short:   "Manage the task board",
	Long: `Post, list and claim tasks. Claiming a task and then creating a workspace
with --task links the stream to the claim; a merged stream approves the
claim automatically.

Examples:
  gitswarm task create "fix flaky watcher test" --priority high
  gitswarm task list --status open
  gitswarm task claim 3f2a...`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Post a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		agent, err := e.agent(ctx)
		if err != nil {
			return err
		}
		repoID, err := e.repoID(ctx)
		if err != nil {
			return err
		}
		t, err := e.tasks.Create(ctx, repoID, agent.ID, args[0], taskDescription, taskPriority)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(t)
			return nil
		}
		fmt.Printf("Task %s (%s, %s)\n", t.ID, t.Title, t.Priority)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		repoID, err := e.repoID(ctx)
		if err != nil {
			return err
		}
		list, err := e.tasks.List(ctx, repoID, taskStatus)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(list)
			return nil
		}
		if len(list) == 0 {
			fmt.Println("No tasks")
			return nil
		}
		for _, t := range list {
			assigned := ""
			if t.AssignedTo != "" {
				assigned = "  -> " + t.AssignedTo[:8]
			}
			fmt.Printf("%s  [%s] %-8s %s%s\n", t.ID[:8], t.Status, t.Priority, t.Title, assigned)
		}
		return nil
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim <task-id>",
	Short: "Claim a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		agent, err := e.agent(ctx)
		if err != nil {
			return err
		}
		claim, err := e.tasks.Claim(ctx, args[0], agent.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(claim)
			return nil
		}
		fmt.Printf("Claimed task %s\n", claim.TaskID)
		return nil
	},
}

var taskAbandonCmd = &cobra.Command{
	Use:   "abandon <task-id>",
	Short: "Release your claim on a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		agent, err := e.agent(ctx)
		if err != nil {
			return err
		}
		if err := e.tasks.Abandon(ctx, args[0], agent.ID); err != nil {
			return err
		}
		fmt.Printf("Released claim on task %s\n", args[0])
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.tasks.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancelled task %s\n", args[0])
		return nil
	},
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskDescription, "description", "", "Task description")
	taskCreateCmd.Flags().StringVar(&taskPriority, "priority", types.PriorityMedium, "Priority (critical, high, medium, low)")
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status")
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskClaimCmd)
	taskCmd.AddCommand(taskAbandonCmd)
	taskCmd.AddCommand(taskCancelCmd)
	rootCmd.AddCommand(taskCmd)
}
