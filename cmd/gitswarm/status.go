package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "work",
	Short:   "Show repo health at a glance",
	Args:    cobra.NoArgs,
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
		repo, err := e.reposvc.Get(ctx, repoID)
		if err != nil {
			return err
		}

		streams := map[string]int{}
		rows, err := e.st.Query(ctx, `
			SELECT status, COUNT(*) FROM streams WHERE repo_id = $1 GROUP BY status
		`, repoID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				_ = rows.Close()
				return err
			}
			streams[status] = n
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var queued int
		if err := e.st.QueryRow(ctx, `
			SELECT COUNT(*) FROM merge_queue WHERE repo_id = $1 AND status = 'queued'
		`, repoID).Scan(&queued); err != nil {
			return err
		}

		var lastResult, lastTag string
		err = e.st.QueryRow(ctx, `
			SELECT result, COALESCE(tag, '') FROM stabilizations
			WHERE repo_id = $1 ORDER BY stabilized_at DESC LIMIT 1
		`, repoID).Scan(&lastResult, &lastTag)
		if err != nil {
			lastResult = "never"
		}

		pending, err := e.sync.Pending(ctx, repoID)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"repo":         repo,
				"streams":      streams,
				"queue_depth":  queued,
				"last_result":  lastResult,
				"last_tag":     lastTag,
				"sync_pending": pending,
			})
			return nil
		}
		fmt.Printf("%s  (%s mode, %s ownership, stage %s)\n", repo.Name, repo.MergeMode, repo.OwnershipModel, repo.Stage)
		fmt.Printf("Streams:")
		for _, s := range []string{"active", "in_review", "conflicted", "merged", "abandoned"} {
			if n := streams[s]; n > 0 {
				fmt.Printf("  %d %s", n, s)
			}
		}
		fmt.Println()
		fmt.Printf("Merge queue: %d waiting\n", queued)
		fmt.Printf("Last stabilization: %s", lastResult)
		if lastTag != "" {
			fmt.Printf(" (%s)", lastTag)
		}
		fmt.Println()
		fmt.Printf("Sync queue: %d pending\n", pending)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
