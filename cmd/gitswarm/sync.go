package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "federation",
	Short:   "Manage the offline sync queue",
	Long: `Every state change queues a sync event locally. With a server endpoint
configured, flush replays them in order; events the server has already
seen are deduplicated. An event that keeps failing goes dead after five
attempts and waits for revive.

Examples:
  gitswarm sync flush
  gitswarm sync status
  gitswarm sync dead
  gitswarm sync revive 42
  gitswarm sync poll`,
}

var syncFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay queued events to the server",
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
		rep, err := e.sync.FlushAll(ctx, repoID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(rep)
			return nil
		}
		fmt.Printf("Sent %d: %d applied, %d duplicates, %d dead, %d remaining\n",
			rep.Sent, rep.Applied, rep.Duplicates, rep.Dead, rep.Remaining)
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the queue depth",
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
		pending, err := e.sync.Pending(ctx, repoID)
		if err != nil {
			return err
		}
		dead, err := e.sync.DeadEvents(ctx, repoID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]int{"pending": pending, "dead": len(dead)})
			return nil
		}
		fmt.Printf("%d pending, %d dead\n", pending, len(dead))
		return nil
	},
}

var syncDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead events",
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
		events, err := e.sync.DeadEvents(ctx, repoID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(events)
			return nil
		}
		if len(events) == 0 {
			fmt.Println("No dead events")
			return nil
		}
		for _, ev := range events {
			fmt.Printf("%d  %s  attempts=%d  %s\n", ev.Seq, ev.Type, ev.Attempts, ev.LastError)
		}
		return nil
	},
}

var syncReviveCmd = &cobra.Command{
	Use:   "revive <seq>",
	Short: "Return a dead event to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("seq must be an integer")
		}
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.sync.ReviveDead(ctx, seq); err != nil {
			return err
		}
		fmt.Printf("Revived event %d\n", seq)
		return nil
	},
}

var syncPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Pull updates from the server since the last cursor",
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
		events, err := e.sync.Poll(ctx, repoID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(events)
			return nil
		}
		if len(events) == 0 {
			fmt.Println("Up to date")
			return nil
		}
		for _, ev := range events {
			fmt.Printf("%s  %s\n", ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Type)
		}
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncFlushCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncDeadCmd)
	syncCmd.AddCommand(syncReviveCmd)
	syncCmd.AddCommand(syncPollCmd)
	rootCmd.AddCommand(syncCmd)
}
