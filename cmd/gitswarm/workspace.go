package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/stream"
)

var (
	workspaceTask       string
	workspaceDepends    []string
	workspaceAbandonWhy string
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	GroupID: "work",
	Short:   "Manage isolated agent workspaces",
	Long: `Create and abandon work streams. Each stream gets its own branch off the
buffer and a dedicated git worktree, so agents never touch each other's
working directories.

Dependencies declared with --depends-on form a DAG; a dependent stream
stays queued until every ancestor is merged or abandoned.

Examples:
  gitswarm workspace create
  gitswarm workspace create --task 3f2a... --depends-on 9c41...
  gitswarm workspace abandon 9c41... --reason "superseded by 3f2a"`,
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a stream with its own branch and worktree",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
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

		ws, err := e.streams.CreateWorkspace(ctx, stream.CreateWorkspaceRequest{
			AgentID:   agent.ID,
			RepoID:    repoID,
			TaskID:    workspaceTask,
			DependsOn: workspaceDepends,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(ws)
			return nil
		}
		fmt.Printf("Stream %s on branch %s\n", ws.Stream.ID, ws.Stream.Branch)
		fmt.Printf("Worktree: %s\n", ws.Worktree)
		return nil
	},
}

var workspaceAbandonCmd = &cobra.Command{
	Use:   "abandon <stream-id>",
	Short: "Abandon a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.streams.Abandon(ctx, args[0], workspaceAbandonWhy); err != nil {
			return err
		}
		fmt.Printf("Abandoned stream %s\n", args[0])
		return nil
	},
}

func init() {
	workspaceCreateCmd.Flags().StringVar(&workspaceTask, "task", "", "Task ID this stream fulfills")
	workspaceCreateCmd.Flags().StringSliceVar(&workspaceDepends, "depends-on", nil, "Stream IDs this stream depends on")
	workspaceAbandonCmd.Flags().StringVar(&workspaceAbandonWhy, "reason", "", "Why the stream is abandoned")
	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceAbandonCmd)
	rootCmd.AddCommand(workspaceCmd)
}
