package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/types"
)

var mergeCmd = &cobra.Command{
	Use:     "merge <stream-id>",
	GroupID: "landing",
	Short:   "Request a merge onto the buffer branch",
	Long: `Request that a stream land on the buffer. Swarm mode merges immediately;
review mode requires consensus; gated mode additionally requires that no
maintainer objection stands.

Under server consensus authority with the server unreachable, the request
is queued for the server and nothing merges locally.

Examples:
  gitswarm merge 9c41...
  gitswarm merge priority 9c41... critical
  gitswarm merge retry 9c41...
  gitswarm merge conflicts`,
	Args: cobra.ExactArgs(1),
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
		resp, err := e.coord.RequestMerge(ctx, agent.ID, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		switch {
		case resp.Merged:
			fmt.Printf("Stream %s merged to buffer\n", args[0])
		case resp.Queued && resp.Consensus != nil && resp.Consensus.Reason == "server_unavailable":
			fmt.Println("Server unreachable; merge request queued for replay")
		case resp.Queued:
			fmt.Printf("Stream %s queued\n", args[0])
		case resp.Consensus != nil && !resp.Consensus.Reached:
			fmt.Printf("Consensus not reached: %s (ratio %.2f, threshold %.2f)\n",
				resp.Consensus.Reason, resp.Consensus.Ratio, resp.Consensus.Threshold)
		default:
			fmt.Printf("Stream %s not merged\n", args[0])
		}
		return nil
	},
}

var mergePriorityCmd = &cobra.Command{
	Use:   "priority <stream-id> <critical|high|medium|low|rank>",
	Short: "Override a queued stream's priority",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		rank, ok := types.PriorityRank[strings.ToLower(args[1])]
		if !ok {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("priority must be a name or a numeric rank")
			}
			rank = n
		}
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.coord.SetPriority(ctx, args[0], rank); err != nil {
			return err
		}
		fmt.Printf("Stream %s priority rank set to %d\n", args[0], rank)
		return nil
	},
}

var mergeRetryCmd = &cobra.Command{
	Use:   "retry <stream-id>",
	Short: "Retry a conflicted stream after new commits resolved it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.coord.RetryConflicted(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Re-queued stream %s\n", args[0])
		return nil
	},
}

var mergeConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List unresolved merge conflicts",
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
		conflicts, err := e.coord.PendingConflicts(ctx, repoID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(conflicts)
			return nil
		}
		if len(conflicts) == 0 {
			fmt.Println("No pending conflicts")
			return nil
		}
		for _, c := range conflicts {
			fmt.Printf("%s  stream %s vs %s\n", c.CreatedAt.Format("2006-01-02 15:04"), c.StreamID[:8], c.TargetBranch)
			for _, f := range c.Files {
				fmt.Printf("  %s\n", f)
			}
		}
		return nil
	},
}

func init() {
	mergeCmd.AddCommand(mergePriorityCmd)
	mergeCmd.AddCommand(mergeRetryCmd)
	mergeCmd.AddCommand(mergeConflictsCmd)
	rootCmd.AddCommand(mergeCmd)
}
