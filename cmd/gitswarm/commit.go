package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/stream"
)

var (
	commitMessage  string
	commitWorktree string
)

var commitCmd = &cobra.Command{
	Use:     "commit <stream-id>",
	GroupID: "work",
	Short:   "Commit staged work to a stream",
	Long: `Commit the worktree's changes to the stream's branch. In swarm mode the
stream is handed straight to the merge queue; in review and gated modes it
stays with the stream until submitted.

A commit to a conflicted stream clears the conflict and reactivates it. A
commit to an in-review stream invalidates prior reviews.

Examples:
  gitswarm commit 9c41... -m "add retry to fetcher"`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if commitMessage == "" {
			return fmt.Errorf("-m is required")
		}
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
		res, err := e.streams.Commit(ctx, stream.CommitRequest{
			AgentID:  agent.ID,
			StreamID: args[0],
			Worktree: commitWorktree,
			Message:  commitMessage,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(res)
			return nil
		}
		fmt.Printf("Committed %s (change %s)\n", res.CommitHash, res.ChangeID)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:     "submit <stream-id>",
	GroupID: "work",
	Short:   "Submit a stream for review",
	Args:    cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.streams.SubmitForReview(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Stream %s is in review\n", args[0])
		return nil
	},
}

func init() {
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "Commit message")
	commitCmd.Flags().StringVar(&commitWorktree, "worktree", "", "Worktree path (defaults to the stream's)")
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(submitCmd)
}
