package autoimprove

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/foreman/pkg/budget"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/lifecycle"
	"github.com/cuemby/foreman/pkg/orchestrator"
	"github.com/cuemby/foreman/pkg/runtime"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{}

func (stubProvider) Spawn(ctx context.Context, params runtime.SpawnParams) (runtime.SpawnResult, error) {
	return runtime.SpawnResult{SessionKey: "session-" + params.AgentID}, nil
}
func (stubProvider) Kill(ctx context.Context, sessionKey string) error { return nil }
func (stubProvider) Exec(ctx context.Context, sessionKey, message string, attachments []string) (runtime.ExecResult, error) {
	return runtime.ExecResult{Result: "ok"}, nil
}
func (stubProvider) Stat(ctx context.Context, sessionKey string) (runtime.Status, error) {
	return runtime.Status{Running: true}, nil
}

func newTestLoop(t *testing.T, allowlist []string, dailyCap float64) (*Loop, storage.Store, *budget.Controller) {
	t.Helper()
	store := storage.NewMemStore(100)
	bus := events.NewBus(100)
	budgetCtrl := budget.NewController(store, bus, nil, budget.DefaultLadder())
	lifecycleMgr := lifecycle.NewManager(store, bus, stubProvider{}, budgetCtrl, 0)
	lifecycleMgr.Start()
	orch := orchestrator.NewOrchestrator(store, bus, lifecycleMgr, budgetCtrl, config.DefaultTeamDefaults())
	orch.Start()

	loop := NewLoop(store, bus, orch, budgetCtrl, "@every 1h", allowlist, dailyCap)
	return loop, store, budgetCtrl
}

func TestSubmitWorkUnit_RejectsScopeOutsideAllowlist(t *testing.T) {
	loop, _, _ := newTestLoop(t, []string{"pkg/**"}, 10)

	err := loop.submitWorkUnit(context.Background(), WorkUnit{
		Name: "test", Objective: "do it", Scope: []string{"secrets/**"}, MaxCost: 1,
	})
	require.Error(t, err)
}

func TestSubmitWorkUnit_CreatesTeamWithinAllowlist(t *testing.T) {
	loop, store, _ := newTestLoop(t, []string{"pkg/**"}, 10)

	err := loop.submitWorkUnit(context.Background(), WorkUnit{
		Name: "test", Objective: "do it", Scope: []string{"pkg/**"}, MaxCost: 1,
	})
	require.NoError(t, err)

	teams, err := store.ListTeams(context.Background())
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, types.StrategyParallel, teams[0].Strategy)
	assert.Equal(t, 1, teams[0].DesiredSize)
}

func TestSubmitWorkUnit_ClipsBudgetToRemainingCeiling(t *testing.T) {
	loop, store, budgetCtrl := newTestLoop(t, []string{"pkg/**"}, 5)

	_, err := budgetCtrl.TryDebit(context.Background(), types.ScopeProject, autoImproveScopeID, types.WindowDay, 0, 0, 4)
	require.NoError(t, err)

	err = loop.submitWorkUnit(context.Background(), WorkUnit{
		Name: "test", Objective: "do it", Scope: []string{"pkg/**"}, MaxCost: 3,
	})
	require.NoError(t, err)

	teams, err := store.ListTeams(context.Background())
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.InDelta(t, 1.0, teams[0].BudgetAllocated, 0.001)
}

func TestSubmitWorkUnit_DeniedWhenCeilingExhausted(t *testing.T) {
	loop, _, budgetCtrl := newTestLoop(t, []string{"pkg/**"}, 5)

	_, err := budgetCtrl.TryDebit(context.Background(), types.ScopeProject, autoImproveScopeID, types.WindowDay, 0, 0, 5)
	require.NoError(t, err)

	err = loop.submitWorkUnit(context.Background(), WorkUnit{
		Name: "test", Objective: "do it", Scope: []string{"pkg/**"}, MaxCost: 1,
	})
	assert.Error(t, err)
}

func TestRunCycle_PublishesAutoImprovementEvent(t *testing.T) {
	loop, _, _ := newTestLoop(t, []string{"pkg/**"}, 10)

	received := make(chan *types.Event, 1)
	loop.bus.Subscribe(events.Sync, events.TypeFilter(types.EventAutoImprovementCycle), func(e *types.Event) {
		received <- e
	})

	loop.runCycle()

	select {
	case e := <-received:
		assert.Equal(t, "autoimprove", e.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auto_improvement_cycle event")
	}
}

func TestDefaultHealthChecks_AgentFailureRate(t *testing.T) {
	checks := DefaultHealthChecks()
	require.NotEmpty(t, checks)

	store := storage.NewMemStore(100)
	ctx := context.Background()
	bus := events.NewBus(10)
	for i := 0; i < 4; i++ {
		agent := &types.Agent{ID: "a" + string(rune('0'+i)), State: types.AgentFailed}
		require.NoError(t, store.Transition(ctx, agent, &types.Event{Type: types.EventAgentFailed, Source: "test", AgentID: agent.ID}))
	}
	agent := &types.Agent{ID: "idle1", State: types.AgentIdle}
	require.NoError(t, store.Transition(ctx, agent, &types.Event{Type: types.EventAgentSpawning, Source: "test", AgentID: agent.ID}))
	_ = bus

	var found bool
	for _, c := range checks {
		if c.Name != "agent_failure_rate" {
			continue
		}
		found = true
		value, _, err := c.Evaluate(ctx, store)
		require.NoError(t, err)
		assert.InDelta(t, 0.8, value, 0.001)
	}
	assert.True(t, found)
}
