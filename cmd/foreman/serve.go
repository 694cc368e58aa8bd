package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration core as a long-running daemon",
	Long: `serve builds the full object graph and keeps it running: the Gateway
Client's reconnect loop (if GATEWAY_URL is set), the Lifecycle Manager's
retry backoff, the Team Orchestrator's autoscaling ticker, and the
Auto-Improvement Loop's cron schedule. The team/agent/event/budget
subcommands operate against the same on-disk Store for one-shot
administration and work regardless of whether serve is running, but
background reconciliation (retries, autoscaling, auto-improvement) only
happens while a serve process is up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		cfg, err := config.Load(envFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		app, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		app.Orchestrator.Start()

		collector := metrics.NewCollector(app.Store)
		collector.Start()
		defer collector.Stop()

		metrics.RegisterComponent("store", true, "")
		metrics.RegisterComponent("event_bus", true, "")
		metrics.RegisterComponent("lifecycle", true, "")
		metrics.RegisterComponent("orchestrator", true, "")

		if app.Gateway != nil {
			app.Gateway.Start()
			metrics.RegisterComponent("gateway", true, "")
		} else {
			metrics.RegisterComponent("gateway", true, "not configured, using local worktree provider")
		}
		if err := app.AutoImprove.Start(); err != nil {
			return fmt.Errorf("starting auto-improvement loop: %w", err)
		}
		defer app.AutoImprove.Stop()

		metrics.SetVersion(Version)

		metricsAddr := os.Getenv("METRICS_ADDR")
		if metricsAddr == "" {
			metricsAddr = "127.0.0.1:9090"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics/health endpoints listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		_ = server.Close()
		return nil
	},
}
