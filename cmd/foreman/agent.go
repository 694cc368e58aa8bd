package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/lifecycle"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage individual agents",
}

var agentSpawnCmd = &cobra.Command{
	Use:   "spawn TASK",
	Short: "Spawn a standalone agent outside of any team",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		label, _ := cmd.Flags().GetString("label")
		model, _ := cmd.Flags().GetString("model")
		provider, _ := cmd.Flags().GetString("provider")
		budgetLimit, _ := cmd.Flags().GetFloat64("budget")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		wait, _ := cmd.Flags().GetDuration("wait")

		agentID, err := app.Lifecycle.Spawn(ctx, args[0], &types.TaskSpec{Objective: args[0]}, lifecycle.SpawnOptions{
			Label:       label,
			Model:       model,
			Provider:    provider,
			BudgetLimit: budgetLimit,
			MaxRetries:  maxRetries,
		})
		if err != nil {
			return err
		}

		if wait > 0 {
			waitForSettled(ctx, app.Store, []string{agentID}, wait)
		}

		fmt.Printf("✓ Agent spawned: %s\n", agentID)
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		teamID, _ := cmd.Flags().GetString("team")
		state, _ := cmd.Flags().GetString("state")

		agents, err := app.Store.ListAgents(ctx, storage.AgentFilter{
			TeamID: teamID,
			State:  types.AgentState(state),
		})
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agents found")
			return nil
		}
		fmt.Printf("%-36s %-20s %-10s %-10s %s\n", "ID", "LABEL", "STATE", "TEAM", "TASK")
		for _, a := range agents {
			fmt.Printf("%-36s %-20s %-10s %-10s %s\n", a.ID, a.Label, a.State, a.TeamID, a.Task)
		}
		return nil
	},
}

var agentStatusCmd = &cobra.Command{
	Use:   "status AGENT_ID",
	Short: "Show an agent's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		agent, err := app.Store.GetAgent(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Agent: %s\n  Label: %s\n  State: %s\n  Task: %s\n  Team: %s\n  Retries: %d/%d\n  Budget limit: $%.4f\n  Last error: %s\n",
			agent.ID, agent.Label, agent.State, agent.Task, agent.TeamID, agent.RetryCount, agent.MaxRetries, agent.BudgetLimit, agent.LastError)
		return nil
	},
}

var agentSendCmd = &cobra.Command{
	Use:   "send AGENT_ID MESSAGE",
	Short: "Send a follow-up message to an idle agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.Lifecycle.Send(cmd.Context(), args[0], args[1], nil); err != nil {
			return err
		}
		fmt.Printf("✓ Message sent to agent: %s\n", args[0])
		return nil
	},
}

var agentPauseCmd = &cobra.Command{
	Use:   "pause AGENT_ID",
	Short: "Pause a running agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.Lifecycle.Pause(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Agent paused: %s\n", args[0])
		return nil
	},
}

var agentResumeCmd = &cobra.Command{
	Use:   "resume AGENT_ID",
	Short: "Resume a paused agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.Lifecycle.Resume(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Agent resumed: %s\n", args[0])
		return nil
	},
}

var agentKillCmd = &cobra.Command{
	Use:   "kill AGENT_ID",
	Short: "Kill an agent and tear down its session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.Lifecycle.Kill(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Agent killed: %s\n", args[0])
		return nil
	},
}

var agentRetryCmd = &cobra.Command{
	Use:   "retry AGENT_ID",
	Short: "Re-enter spawning for a failed agent with retries remaining",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.Lifecycle.Retry(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Agent retrying: %s\n", args[0])
		return nil
	},
}

func init() {
	agentCmd.AddCommand(agentSpawnCmd, agentListCmd, agentStatusCmd, agentSendCmd,
		agentPauseCmd, agentResumeCmd, agentKillCmd, agentRetryCmd)

	agentSpawnCmd.Flags().String("label", "", "Human-readable label")
	agentSpawnCmd.Flags().String("model", "", "Model identifier to request from the runtime provider")
	agentSpawnCmd.Flags().String("provider", "", "Runtime provider override")
	agentSpawnCmd.Flags().Float64("budget", 1.0, "Budget limit for this agent, in USD")
	agentSpawnCmd.Flags().Int("max-retries", 0, "Number of automatic retries on spawn failure")
	agentSpawnCmd.Flags().Duration("wait", 5*time.Second, "How long to wait for the agent to leave spawning before returning (0 to return immediately)")

	agentListCmd.Flags().String("team", "", "Filter by team ID")
	agentListCmd.Flags().String("state", "", "Filter by agent state")
}

// waitForSettled polls the store until every agent in ids has left the
// spawning state or the deadline passes. Spawn/Retry persist "spawning"
// synchronously and finish the runtime handshake in a background
// goroutine (pkg/lifecycle.Manager.runSpawn); a one-shot CLI invocation
// would otherwise exit before that goroutine's outcome is observable.
func waitForSettled(ctx context.Context, store storage.Store, ids []string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		allSettled := true
		for _, id := range ids {
			agent, err := store.GetAgent(ctx, id)
			if err != nil || agent.State == types.AgentSpawning {
				allSettled = false
				break
			}
		}
		if allSettled {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}
