package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/orchestrator"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/spf13/cobra"
)

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Manage agent teams",
}

var teamCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a team and spawn its agents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		_ = cfg

		task, _ := cmd.Flags().GetString("task")
		size, _ := cmd.Flags().GetInt("size")
		budgetUSD, _ := cmd.Flags().GetFloat64("budget")
		strategy, _ := cmd.Flags().GetString("strategy")
		wait, _ := cmd.Flags().GetDuration("wait")

		teamID, err := app.Orchestrator.CreateTeam(ctx, orchestrator.TeamSpec{
			Name:            args[0],
			Task:            task,
			TaskSpec:        &types.TaskSpec{Objective: task},
			DesiredSize:     size,
			Strategy:        types.Strategy(strategy),
			BudgetAllocated: budgetUSD,
		})
		if err != nil {
			return err
		}

		if wait > 0 {
			if team, err := app.Store.GetTeam(ctx, teamID); err == nil {
				waitForSettled(ctx, app.Store, team.AgentIDs, wait)
			}
		}

		fmt.Printf("✓ Team created: %s\n", teamID)
		return nil
	},
}

var teamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List teams",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		teams, err := app.Store.ListTeams(ctx)
		if err != nil {
			return err
		}
		if len(teams) == 0 {
			fmt.Println("No teams found")
			return nil
		}
		fmt.Printf("%-36s %-20s %-10s %-10s %s\n", "ID", "NAME", "STATUS", "STRATEGY", "AGENTS")
		for _, t := range teams {
			fmt.Printf("%-36s %-20s %-10s %-10s %d\n", t.ID, t.Name, t.Status, t.Strategy, len(t.AgentIDs))
		}
		return nil
	},
}

var teamStatusCmd = &cobra.Command{
	Use:   "status TEAM_ID",
	Short: "Show a team's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		team, err := app.Orchestrator.Status(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Team: %s\n  Status: %s\n  Strategy: %s\n  Desired/Min/Max: %d/%d/%d\n  Budget allocated: $%.4f\n  Agents: %v\n  Failures: %d\n",
			team.Name, team.Status, team.Strategy, team.DesiredSize, team.MinSize, team.MaxSize, team.BudgetAllocated, team.AgentIDs, team.FailureBudgetCount)
		return nil
	},
}

var teamScaleCmd = &cobra.Command{
	Use:   "scale TEAM_ID DELTA",
	Short: "Scale a team up (positive delta) or down (negative delta)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		var delta int
		if _, err := fmt.Sscanf(args[1], "%d", &delta); err != nil {
			return fmt.Errorf("invalid delta %q: %w", args[1], err)
		}
		if err := app.Orchestrator.Scale(ctx, args[0], delta); err != nil {
			return err
		}
		fmt.Printf("✓ Team scaled: %s\n", args[0])
		return nil
	},
}

var teamPauseCmd = &cobra.Command{
	Use:   "pause TEAM_ID",
	Short: "Pause all of a team's agents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.Orchestrator.Pause(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Team paused: %s\n", args[0])
		return nil
	},
}

var teamResumeCmd = &cobra.Command{
	Use:   "resume TEAM_ID",
	Short: "Resume a paused team",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.Orchestrator.Resume(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Team resumed: %s\n", args[0])
		return nil
	},
}

var teamDestroyCmd = &cobra.Command{
	Use:   "destroy TEAM_ID",
	Short: "Kill every agent in a team and mark it completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		if err := app.Orchestrator.Destroy(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Team destroyed: %s\n", args[0])
		return nil
	},
}

var teamSpawnChildCmd = &cobra.Command{
	Use:   "spawn-child TEAM_ID PARENT_AGENT_ID",
	Short: "Spawn a sub-agent beneath a coordinator in a tree-strategy team",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		task, _ := cmd.Flags().GetString("task")
		budgetUSD, _ := cmd.Flags().GetFloat64("budget")

		childID, err := app.Orchestrator.SpawnChild(ctx, args[0], args[1], task, &types.TaskSpec{Objective: task}, budgetUSD)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Child agent spawned: %s\n", childID)
		return nil
	},
}

func init() {
	teamCmd.AddCommand(teamCreateCmd, teamListCmd, teamStatusCmd, teamScaleCmd, teamPauseCmd, teamResumeCmd, teamDestroyCmd, teamSpawnChildCmd)

	teamCreateCmd.Flags().String("task", "", "Task description shared by the team")
	teamCreateCmd.Flags().Int("size", 1, "Desired number of agents")
	teamCreateCmd.Flags().Float64("budget", 1.0, "Total budget allocated to the team, in USD")
	teamCreateCmd.Flags().String("strategy", string(types.StrategyParallel), "Orchestration strategy: parallel, pipeline, map_reduce, tree")
	teamCreateCmd.Flags().Duration("wait", 5*time.Second, "How long to wait for the team's agents to leave spawning before returning (0 to return immediately)")
	teamCreateCmd.MarkFlagRequired("task")

	teamSpawnChildCmd.Flags().String("task", "", "Task description for the child agent")
	teamSpawnChildCmd.Flags().Float64("budget", 0, "Budget limit for the child agent, in USD")
	teamSpawnChildCmd.MarkFlagRequired("task")
}

// loadApp loads config from the env-file persistent flag and builds an App.
// Declared here (rather than root.go) since every leaf command needs it;
// kept as a plain function rather than cobra.OnInitialize state so each
// command controls its own App lifetime via defer app.Close().
func loadApp(cmd *cobra.Command) (*config.Config, *App, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	ctx := context.Background()
	app, err := buildApp(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, app, nil
}
