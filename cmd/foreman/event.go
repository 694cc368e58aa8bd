package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Inspect and follow the event bus",
}

var eventStreamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Follow events as they are published, until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		agentID, _ := cmd.Flags().GetString("agent")
		teamID, _ := cmd.Flags().GetString("team")

		filter := eventFilter(agentID, teamID)
		unsubscribe := app.Bus.Subscribe(events.Async, filter, func(e *types.Event) {
			printEvent(e)
		})
		defer unsubscribe()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		return nil
	},
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recently published events still held in memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		n, _ := cmd.Flags().GetInt("limit")
		for _, e := range app.Bus.GetRecent(n) {
			printEvent(e)
		}
		return nil
	},
}

var eventReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay durable events from the Store, optionally filtered",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		since, _ := cmd.Flags().GetUint64("since")
		limit, _ := cmd.Flags().GetInt("limit")
		agentID, _ := cmd.Flags().GetString("agent")
		teamID, _ := cmd.Flags().GetString("team")

		events, err := app.Store.GetEvents(ctx, storage.EventFilter{
			Since:   since,
			Limit:   limit,
			AgentID: agentID,
			TeamID:  teamID,
		})
		if err != nil {
			return err
		}
		for _, e := range events {
			printEvent(e)
		}
		return nil
	},
}

func init() {
	eventCmd.AddCommand(eventStreamCmd, eventListCmd, eventReplayCmd)

	eventStreamCmd.Flags().String("agent", "", "Filter by agent ID")
	eventStreamCmd.Flags().String("team", "", "Filter by team ID")

	eventListCmd.Flags().Int("limit", 50, "Maximum number of recent events to show")

	eventReplayCmd.Flags().Uint64("since", 0, "Exclusive lower bound on event sequence number")
	eventReplayCmd.Flags().Int("limit", 100, "Maximum number of events to return")
	eventReplayCmd.Flags().String("agent", "", "Filter by agent ID")
	eventReplayCmd.Flags().String("team", "", "Filter by team ID")
}

func eventFilter(agentID, teamID string) events.Filter {
	if agentID == "" && teamID == "" {
		return nil
	}
	return func(e *types.Event) bool {
		if agentID != "" && e.AgentID != agentID {
			return false
		}
		if teamID != "" && e.TeamID != teamID {
			return false
		}
		return true
	}
}

func printEvent(e *types.Event) {
	fmt.Printf("[%d] %s %s source=%s agent=%s team=%s payload=%v\n",
		e.Seq, e.Timestamp.Format("15:04:05.000"), e.Type, e.Source, e.AgentID, e.TeamID, e.Payload)
}
