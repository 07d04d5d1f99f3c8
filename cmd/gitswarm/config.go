package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gitswarm/gitswarm/internal/repocfg"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Inspect and apply repo-owned configuration",
	Long: `Show the effective .gitswarm/config.yml and apply it to the database.

The config file is repo-owned policy: while it exists, merge mode,
thresholds, branch protection and the rest are authoritative from the
file, and the federation server may not override them.

Examples:
  gitswarm config show
  gitswarm config apply`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective repo config",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		root, err := findRepoRoot()
		if err != nil {
			return err
		}
		cfg, found, err := repocfg.Load(root)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(cfg)
			return nil
		}
		if !found {
			fmt.Printf("No %s; showing defaults\n\n", repocfg.FileName)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the config file to the federation database",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		cfg, found, err := repocfg.Load(e.root)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no %s found", repocfg.FileName)
		}
		repoID, err := e.repoID(ctx)
		if err != nil {
			return err
		}
		if err := repocfg.Apply(ctx, cfg, repoID, e.reposvc, e.idsvc); err != nil {
			return err
		}
		fmt.Println("Applied config to database")
		return nil
	},
}

var configWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the config file and apply valid edits",
	Long: `Watch .gitswarm/config.yml and apply every valid edit to the database.
Invalid edits are logged and skipped; the previous config stays in
effect. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		repoID, err := e.repoID(ctx)
		if err != nil {
			return err
		}
		logger := log.New(os.Stderr, "", log.LstdFlags)
		err = repocfg.Watch(ctx, e.root, logger, func(cfg repocfg.Config) {
			if err := repocfg.Apply(ctx, cfg, repoID, e.reposvc, e.idsvc); err != nil {
				logger.Printf("config apply: %v", err)
				return
			}
			logger.Printf("config applied")
		})
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configApplyCmd)
	configCmd.AddCommand(configWatchCmd)
	rootCmd.AddCommand(configCmd)
}
