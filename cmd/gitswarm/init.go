package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/config"
	"github.com/gitswarm/gitswarm/internal/repocfg"
	"github.com/gitswarm/gitswarm/internal/types"
)

var (
	initName  string
	initOwner string
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Initialize gitswarm in the current git repository",
	Long: `Initialize gitswarm in the current directory: creates .gitswarm/ with the
federation database, registers the repo and its owner agent, and writes a
default .gitswarm/config.yml if none exists.

The config file is repo-owned policy and should be committed; settings.yaml
holds operator settings (server endpoint, acting agent) and should not.

Examples:
  gitswarm init --name myproject --owner alice
  gitswarm init --owner build-bot`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		if initName == "" {
			initName = filepath.Base(cwd)
		}
		if initOwner == "" {
			initOwner = agentFlag
		}
		if initOwner == "" {
			return fmt.Errorf("--owner is required")
		}
		if err := os.MkdirAll(filepath.Join(cwd, ".gitswarm"), 0o755); err != nil {
			return err
		}

		ctx := context.Background()
		e, err := openEngineAt(ctx, cwd)
		if err != nil {
			return err
		}
		defer e.Close()

		owner, err := e.idsvc.GetAgentByName(ctx, initOwner)
		if err != nil {
			owner, err = e.idsvc.RegisterAgent(ctx, initOwner)
			if err != nil {
				return err
			}
		}

		repo, err := e.reposvc.Create(ctx, initName)
		if err != nil {
			return err
		}
		if err := e.idsvc.AddMaintainer(ctx, repo.ID, owner.ID, types.RoleOwner); err != nil {
			return err
		}

		// Seed the repo-owned config file unless one is already committed,
		// then apply it so the DB mirrors the file from the start.
		cfg, found, err := repocfg.Load(cwd)
		if err != nil {
			return err
		}
		if !found {
			cfg = repocfg.Default()
			if err := repocfg.Write(cwd, cfg); err != nil {
				return err
			}
		}
		if err := repocfg.Apply(ctx, cfg, repo.ID, e.reposvc, e.idsvc); err != nil {
			return err
		}

		err = config.WriteSettings(cwd, map[string]interface{}{
			"repo-id": repo.ID,
			"agent":   owner.Name,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"repo_id":  repo.ID,
				"name":     repo.Name,
				"owner_id": owner.ID,
			})
			return nil
		}
		fmt.Printf("Initialized gitswarm repo %s (%s)\n", repo.Name, repo.ID)
		fmt.Printf("Owner: %s (%s)\n", owner.Name, owner.ID)
		if !found {
			fmt.Printf("Wrote default %s; commit it to make policy repo-owned\n", repocfg.FileName)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "Repo name (defaults to directory name)")
	initCmd.Flags().StringVar(&initOwner, "owner", "", "Owner agent name (registered if new)")
	rootCmd.AddCommand(initCmd)
}
