package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:     "agent",
	GroupID: "setup",
	Short:   "Manage agent identities",
	Long: `Register and inspect agents. Agents are never deleted, only suspended;
their karma ledger survives suspension.

Examples:
  gitswarm agent register refactor-bot
  gitswarm agent show refactor-bot
  gitswarm agent suspend refactor-bot`,
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a new agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		agent, err := e.idsvc.RegisterAgent(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(agent)
			return nil
		}
		fmt.Printf("Registered agent %s (%s)\n", agent.Name, agent.ID)
		return nil
	},
}

var agentShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show an agent's identity and karma",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		agent, err := e.idsvc.GetAgentByName(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(agent)
			return nil
		}
		fmt.Printf("%s  %s\n", agent.Name, agent.ID)
		fmt.Printf("  status: %s  karma: %d  registered: %s\n",
			agent.Status, agent.Karma, agent.CreatedAt.Format("2006-01-02"))
		return nil
	},
}

var agentSuspendCmd = &cobra.Command{
	Use:   "suspend <name>",
	Short: "Suspend an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		agent, err := e.idsvc.GetAgentByName(ctx, args[0])
		if err != nil {
			return err
		}
		if err := e.idsvc.SuspendAgent(ctx, agent.ID); err != nil {
			return err
		}
		fmt.Printf("Suspended agent %s\n", agent.Name)
		return nil
	},
}

func init() {
	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentShowCmd)
	agentCmd.AddCommand(agentSuspendCmd)
	rootCmd.AddCommand(agentCmd)
}
