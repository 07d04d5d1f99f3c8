package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/types"
)

var stabilizeCmd = &cobra.Command{
	Use:     "stabilize",
	GroupID: "landing",
	Short:   "Run the stabilize command against the buffer",
	Long: `Run the repo's stabilize_command against the buffer head. Green runs are
tagged green/<timestamp>; red runs with auto_revert_on_red bisect the
operations since the last green tag, roll back the breaking stream, and
re-land the innocent ones. Flaky runs (red then green on retry) count as
green but are recorded as flaky.

Tier-1 plugins run after every stabilization.`,
	Args: cobra.NoArgs,
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
		rec, err := e.coord.Stabilize(ctx, repoID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(rec)
			return nil
		}
		fmt.Printf("Stabilization: %s (buffer %s)\n", rec.Result, short(rec.BufferCommit))
		if rec.Tag != "" {
			fmt.Printf("Tagged %s\n", rec.Tag)
		}
		if rec.Result == types.ResultRed && rec.BreakingStreamID != "" {
			fmt.Printf("Reverted breaking stream %s\n", rec.BreakingStreamID)
		}
		return nil
	},
}

var promoteTrigger string

var promoteCmd = &cobra.Command{
	Use:     "promote",
	GroupID: "landing",
	Short:   "Fast-forward the promote target to the last green buffer",
	Long: `Fast-forward main (the promote target) to the most recent green
stabilization tag. Promotion is strictly fast-forward; a diverged target
is an error, never a force push.

Examples:
  gitswarm promote
  gitswarm promote --trigger council
  gitswarm promote history`,
	Args: cobra.NoArgs,
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
		p, err := e.coord.Promote(ctx, repoID, promoteTrigger)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(p)
			return nil
		}
		fmt.Printf("Promoted %s -> %s (%s)\n", short(p.FromCommit), short(p.ToCommit), p.Tag)
		return nil
	},
}

var promoteHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List past promotions",
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
		list, err := e.coord.Promotions(ctx, repoID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(list)
			return nil
		}
		if len(list) == 0 {
			fmt.Println("No promotions")
			return nil
		}
		for _, p := range list {
			fmt.Printf("%s  %s -> %s  %s  %s\n",
				p.PromotedAt.Format("2006-01-02 15:04"), short(p.FromCommit), short(p.ToCommit), p.Trigger, p.Tag)
		}
		return nil
	},
}

// short abbreviates a commit hash for display.
func short(hash string) string {
	if len(hash) > 10 {
		return hash[:10]
	}
	return hash
}

func init() {
	promoteCmd.Flags().StringVar(&promoteTrigger, "trigger", types.TriggerManual, "Promotion trigger (auto, manual, council)")
	promoteCmd.AddCommand(promoteHistoryCmd)
	rootCmd.AddCommand(stabilizeCmd)
	rootCmd.AddCommand(promoteCmd)
}
