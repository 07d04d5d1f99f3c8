package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/stream"
	"github.com/gitswarm/gitswarm/internal/types"
)

var (
	reviewApprove  bool
	reviewRequest  bool
	reviewComment  bool
	reviewFeedback string
	reviewHuman    bool
	reviewTested   bool
)

var reviewCmd = &cobra.Command{
	Use:     "review <stream-id>",
	GroupID: "work",
	Short:   "Review a stream",
	Long: `Record a verdict on a stream. One verdict per reviewer; reviewing again
replaces your previous verdict. Human reviews carry extra consensus weight
per the repo's human_review_weight.

A request_changes verdict sends the stream back to active.

Examples:
  gitswarm review 9c41... --approve --tested
  gitswarm review 9c41... --request-changes --feedback "races on close"
  gitswarm review list 9c41...`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		verdict := ""
		switch {
		case reviewApprove:
			verdict = types.VerdictApprove
		case reviewRequest:
			verdict = types.VerdictRequestChanges
		case reviewComment:
			verdict = types.VerdictComment
		default:
			return fmt.Errorf("one of --approve, --request-changes, --comment is required")
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
		rev, err := e.streams.SubmitReview(ctx, stream.ReviewRequest{
			StreamID:   args[0],
			ReviewerID: agent.ID,
			Verdict:    verdict,
			Feedback:   reviewFeedback,
			IsHuman:    reviewHuman,
			Tested:     reviewTested,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(rev)
			return nil
		}
		fmt.Printf("Recorded %s on stream %s\n", rev.Verdict, rev.StreamID)
		return nil
	},
}

var reviewListCmd = &cobra.Command{
	Use:   "list <stream-id>",
	Short: "List current reviews on a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		reviews, err := e.streams.Reviews(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(reviews)
			return nil
		}
		if len(reviews) == 0 {
			fmt.Println("No reviews")
			return nil
		}
		for _, r := range reviews {
			kind := "agent"
			if r.IsHuman {
				kind = "human"
			}
			fmt.Printf("%s  %s  %s  tested=%v  %s\n",
				r.ReviewedAt.Format("2006-01-02 15:04"), r.ReviewerID[:8], r.Verdict, r.Tested, kind)
			if r.Feedback != "" {
				fmt.Printf("  %s\n", r.Feedback)
			}
		}
		return nil
	},
}

var consensusCmd = &cobra.Command{
	Use:     "consensus <stream-id>",
	GroupID: "work",
	Short:   "Show the consensus state of a stream",
	Args:    cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
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
		res, err := e.checker.Check(ctx, args[0], repoID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(res)
			return nil
		}
		fmt.Printf("reached=%v ratio=%.2f threshold=%.2f approvals=%d rejections=%d reason=%s\n",
			res.Reached, res.Ratio, res.Threshold, res.Approvals, res.Rejections, res.Reason)
		return nil
	},
}

func init() {
	reviewCmd.Flags().BoolVar(&reviewApprove, "approve", false, "Approve the stream")
	reviewCmd.Flags().BoolVar(&reviewRequest, "request-changes", false, "Request changes")
	reviewCmd.Flags().BoolVar(&reviewComment, "comment", false, "Comment without a verdict weight")
	reviewCmd.Flags().StringVar(&reviewFeedback, "feedback", "", "Review feedback")
	reviewCmd.Flags().BoolVar(&reviewHuman, "human", false, "Record as a human review")
	reviewCmd.Flags().BoolVar(&reviewTested, "tested", false, "Reviewer ran the changes")
	reviewCmd.AddCommand(reviewListCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(consensusCmd)
}
