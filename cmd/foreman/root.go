package main

import (
	"fmt"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/orcherr"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - an orchestration core for teams of autonomous coding agents",
	Long: `Foreman manages the lifecycle of autonomous coding agents, groups them
into budgeted, auto-scaling teams, and routes their execution through a
single Gateway connection or local git worktrees.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("env-file", "", "Optional .env file to load before reading the environment")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(teamCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(budgetCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// exitCodeFor maps a command's returned error to the process exit code
// contracted by spec.md §6.1. Errors that never passed through pkg/orcherr
// (flag parsing, os-level failures) fall back to 1.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return orcherr.ExitCode(orcherr.KindOf(err))
}
