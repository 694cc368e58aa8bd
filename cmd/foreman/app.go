package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/foreman/pkg/autoimprove"
	"github.com/cuemby/foreman/pkg/budget"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/gateway"
	"github.com/cuemby/foreman/pkg/lifecycle"
	"github.com/cuemby/foreman/pkg/orchestrator"
	"github.com/cuemby/foreman/pkg/runtime"
	"github.com/cuemby/foreman/pkg/security"
	"github.com/cuemby/foreman/pkg/storage"
)

// App bundles the object graph every CLI command operates on. Each
// invocation of the foreman binary builds one App against the configured
// Store and tears it down before exit (see DESIGN.md's CLI process model
// decision); `foreman serve` is the long-running variant that also starts
// the background loops (autoscaling, retry re-entry, gateway connection,
// auto-improvement cron).
type App struct {
	Config       *config.Config
	Store        storage.Store
	Bus          *events.Bus
	Budget       *budget.Controller
	Provider     runtime.Provider
	Gateway      *gateway.Client
	Lifecycle    *lifecycle.Manager
	Orchestrator *orchestrator.Orchestrator
	AutoImprove  *autoimprove.Loop
}

func buildApp(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	bus := events.NewBus(cfg.EventBusReplaySize)
	bus.SetPersister(store)
	if cfg.EventMirrorAddr != "" {
		mirror, err := events.NewRedisMirror(ctx, cfg.EventMirrorAddr, "foreman-events")
		if err != nil {
			return nil, fmt.Errorf("connecting event mirror: %w", err)
		}
		bus.SetMirror(mirror)
	}

	budgetCtrl := budget.NewController(store, bus, budget.PricingTable{}, budget.DefaultLadder())

	var provider runtime.Provider
	var gw *gateway.Client
	if cfg.GatewayURL != "" {
		gw = gateway.NewClient(cfg.GatewayURL, cfg.GatewayToken, bus)
		provider = gw
	} else {
		repoDir, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving worktree source repo: %w", err)
		}
		provider = runtime.NewLocalWorktreeProvider(repoDir, cfg.DataDir)
	}

	// Start unconditionally: every command (one-shot or serve) needs the
	// Lifecycle Manager past checkStarted before it can Spawn/Send/Kill.
	// serve additionally starts the Orchestrator's autoscale loop and the
	// Gateway/Auto-Improvement background loops.
	lifecycleMgr := lifecycle.NewManager(store, bus, provider, budgetCtrl, cfg.MaxConcurrentAgents)
	lifecycleMgr.Start()

	teamDefaults, err := config.LoadTeamDefaults(os.Getenv("TEAM_DEFAULTS_PATH"))
	if err != nil {
		return nil, fmt.Errorf("loading team defaults: %w", err)
	}
	orch := orchestrator.NewOrchestrator(store, bus, lifecycleMgr, budgetCtrl, teamDefaults)

	secretsMgr, err := security.NewSecretsManager(security.DeriveKeyFromInstanceID(cfg.EncryptionInstanceID))
	if err != nil {
		return nil, fmt.Errorf("building secrets manager: %w", err)
	}
	orch.SetSecurity(secretsMgr)

	loop := autoimprove.NewLoop(store, bus, orch, budgetCtrl, cfg.AutoImproveSchedule, cfg.AutoImproveAllowlist, cfg.AutoImproveDailyCostCap)

	return &App{
		Config:       cfg,
		Store:        store,
		Bus:          bus,
		Budget:       budgetCtrl,
		Provider:     provider,
		Gateway:      gw,
		Lifecycle:    lifecycleMgr,
		Orchestrator: orch,
		AutoImprove:  loop,
	}, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		return storage.NewMemStore(cfg.EventBusReplaySize), nil
	case config.StoreBackendPostgres:
		return storage.NewPostgresStore(context.Background(), storage.PostgresConfig{DSN: cfg.PostgresDSN})
	default:
		dbDir := filepath.Dir(cfg.DBPath)
		if dbDir == "" {
			dbDir = "."
		}
		return storage.NewBoltStore(dbDir, cfg.EventBusReplaySize)
	}
}

// Close releases the App's held resources (store handle, gateway socket).
func (a *App) Close() error {
	if a.Gateway != nil {
		a.Gateway.Stop()
	}
	return a.Store.Close()
}
