package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/config"
)

var (
	jsonOutput bool
	agentFlag  string
	repoFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "gitswarm",
	Short: "Multi-agent git federation engine",
	Long: `gitswarm coordinates parallel work streams from autonomous coding agents
and humans: isolated workspaces, weighted review consensus, a
dependency-aware merge queue onto a buffer branch, stabilization with
flake detection and automatic revert, and fast-forward promotion to main.

State lives in .gitswarm/federation.db next to your repo. A federation
server (gitswarm serve) is optional; without one, everything runs
locally and sync events queue for later replay.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return config.Initialize()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "Acting agent name (overrides settings)")
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "Repo ID (overrides settings and auto-detection)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "work", Title: "Work streams:"},
		&cobra.Group{ID: "landing", Title: "Landing:"},
		&cobra.Group{ID: "federation", Title: "Federation:"},
	)
}

func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
