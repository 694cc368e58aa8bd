package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/foreman/pkg/budget"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/lifecycle"
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

func newTestOrchestrator(t *testing.T) (*Orchestrator, storage.Store) {
	t.Helper()
	store := storage.NewMemStore(100)
	bus := events.NewBus(100)
	budgetCtrl := budget.NewController(store, bus, nil, budget.DefaultLadder())
	lifecycleMgr := lifecycle.NewManager(store, bus, stubProvider{}, budgetCtrl, 0)
	lifecycleMgr.Start()
	o := NewOrchestrator(store, bus, lifecycleMgr, budgetCtrl, config.DefaultTeamDefaults())
	o.Start()
	return o, store
}

func TestCreateTeam_SpawnsDesiredSize(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	teamID, err := o.CreateTeam(ctx, TeamSpec{
		Name: "demo", DesiredSize: 3, MinSize: 1, MaxSize: 5,
		Strategy: types.StrategyParallel, BudgetAllocated: 10,
	})
	require.NoError(t, err)

	team, err := store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	assert.Len(t, team.AgentIDs, 3)
	assert.Equal(t, types.TeamRunning, team.Status)
}

func TestCreateTeam_RejectsOutOfRangeSize(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.CreateTeam(context.Background(), TeamSpec{
		Name: "demo", DesiredSize: 100, MinSize: 1, MaxSize: 5, Strategy: types.StrategyParallel,
	})
	require.Error(t, err)
}

func TestScale_Up(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	teamID, err := o.CreateTeam(ctx, TeamSpec{
		Name: "demo", DesiredSize: 2, MinSize: 1, MaxSize: 5,
		Strategy: types.StrategyParallel, BudgetAllocated: 10,
	})
	require.NoError(t, err)

	require.NoError(t, o.Scale(ctx, teamID, 2))

	team, err := store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	assert.Len(t, team.AgentIDs, 4)
}

func TestScale_DownClampsToMin(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	teamID, err := o.CreateTeam(ctx, TeamSpec{
		Name: "demo", DesiredSize: 2, MinSize: 2, MaxSize: 5,
		Strategy: types.StrategyParallel, BudgetAllocated: 10,
	})
	require.NoError(t, err)

	require.NoError(t, o.Scale(ctx, teamID, -10))

	team, err := store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	assert.Len(t, team.AgentIDs, 2)
}

func TestPauseResumeDestroy(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	teamID, err := o.CreateTeam(ctx, TeamSpec{
		Name: "demo", DesiredSize: 1, MinSize: 1, MaxSize: 2,
		Strategy: types.StrategyParallel, BudgetAllocated: 10,
	})
	require.NoError(t, err)

	require.NoError(t, o.Pause(ctx, teamID))
	team, err := store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	assert.Equal(t, types.TeamPaused, team.Status)

	require.NoError(t, o.Resume(ctx, teamID))
	team, err = store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	assert.Equal(t, types.TeamRunning, team.Status)

	require.NoError(t, o.Destroy(ctx, teamID))
	team, err = store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	assert.Equal(t, types.TeamCompleted, team.Status)
}

func TestHandleAgentTerminal_CompletesTeamWhenAllAgentsDone(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	teamID, err := o.CreateTeam(ctx, TeamSpec{
		Name: "demo", DesiredSize: 1, MinSize: 1, MaxSize: 2,
		Strategy: types.StrategyParallel, BudgetAllocated: 10,
	})
	require.NoError(t, err)

	team, err := store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, team.AgentIDs, 1)

	agent, err := store.GetAgent(ctx, team.AgentIDs[0])
	require.NoError(t, err)
	agent.State = types.AgentCompleted
	require.NoError(t, store.Transition(ctx, agent, &types.Event{
		Type: types.EventAgentCompleted, Source: "test", AgentID: agent.ID, TeamID: teamID,
	}))

	o.handleAgentTerminal(&types.Event{Type: types.EventAgentCompleted, AgentID: agent.ID, TeamID: teamID})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		team, err = store.GetTeam(ctx, teamID)
		require.NoError(t, err)
		if team.Status == types.TeamCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, types.TeamCompleted, team.Status)
}

func TestCreateTeam_Pipeline_ChainsStagesSequentially(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	teamID, err := o.CreateTeam(ctx, TeamSpec{
		Name: "pipe", Task: "do the thing", DesiredSize: 3, MinSize: 1, MaxSize: 5,
		Strategy: types.StrategyPipeline, BudgetAllocated: 10,
	})
	require.NoError(t, err)

	team, err := store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, team.AgentIDs, 1, "pipeline returns after spawning only the first stage")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		team, err = store.GetTeam(ctx, teamID)
		require.NoError(t, err)
		if len(team.AgentIDs) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, team.AgentIDs, 3)

	for i, id := range team.AgentIDs {
		agent, err := store.GetAgent(ctx, id)
		require.NoError(t, err)
		if i > 0 {
			assert.Equal(t, team.AgentIDs[i-1], agent.ParentID)
		}
	}
}

func TestCreateTeam_MapReduce_SpawnsReducerAfterMappers(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	teamID, err := o.CreateTeam(ctx, TeamSpec{
		Name: "mr", Task: "map this", DesiredSize: 3, MinSize: 1, MaxSize: 5,
		Strategy: types.StrategyMapReduce, BudgetAllocated: 10,
	})
	require.NoError(t, err)

	team, err := store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, team.AgentIDs, 2, "map_reduce returns after spawning desired_size-1 mappers")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		team, err = store.GetTeam(ctx, teamID)
		require.NoError(t, err)
		if len(team.AgentIDs) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, team.AgentIDs, 3, "reducer joins once every mapper is terminal")
}

func TestCreateTeam_Tree_SpawnsRootOnly(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	teamID, err := o.CreateTeam(ctx, TeamSpec{
		Name: "tree", Task: "coordinate", DesiredSize: 1, MinSize: 1, MaxSize: 5,
		Strategy: types.StrategyTree, BudgetAllocated: 10,
	})
	require.NoError(t, err)

	team, err := store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, team.AgentIDs, 1)
}

func TestSpawnChild_RejectsBeyondMaxTreeDepth(t *testing.T) {
	o, store := newTestOrchestrator(t)
	o.defaults.MaxTreeDepth = 1
	ctx := context.Background()

	teamID, err := o.CreateTeam(ctx, TeamSpec{
		Name: "tree", Task: "coordinate", DesiredSize: 1, MinSize: 1, MaxSize: 5,
		Strategy: types.StrategyTree, BudgetAllocated: 10,
	})
	require.NoError(t, err)

	team, err := store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	rootID := team.AgentIDs[0]

	childID, err := o.SpawnChild(ctx, teamID, rootID, "sub-task", nil, 1)
	require.NoError(t, err)

	_, err = o.SpawnChild(ctx, teamID, childID, "sub-sub-task", nil, 1)
	require.Error(t, err)
	_ = store
}

func TestScale_RejectsScaleUpForPipeline(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	teamID, err := o.CreateTeam(ctx, TeamSpec{
		Name: "pipe", Task: "do the thing", DesiredSize: 1, MinSize: 1, MaxSize: 5,
		Strategy: types.StrategyPipeline, BudgetAllocated: 10,
	})
	require.NoError(t, err)

	err = o.Scale(ctx, teamID, 1)
	require.Error(t, err)
}

func TestHandleBudgetLadder_ThrottlePausesTeamAgents(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	teamID, err := o.CreateTeam(ctx, TeamSpec{
		Name: "demo", DesiredSize: 1, MinSize: 1, MaxSize: 2,
		Strategy: types.StrategyParallel, BudgetAllocated: 10,
	})
	require.NoError(t, err)

	team, err := store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	agentID := team.AgentIDs[0]

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		agent, err := store.GetAgent(ctx, agentID)
		require.NoError(t, err)
		if agent.State == types.AgentIdle {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, o.lifecycle.Send(ctx, agentID, "go", nil))

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		agent, err := store.GetAgent(ctx, agentID)
		require.NoError(t, err)
		if agent.State == types.AgentRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	o.handleBudgetLadder(&types.Event{
		Type: types.EventBudgetThrottle,
		Payload: map[string]interface{}{
			"scope_type": string(types.ScopeTeam),
			"scope_id":   teamID,
		},
	})

	deadline = time.Now().Add(time.Second)
	var agent *types.Agent
	for time.Now().Before(deadline) {
		agent, err = store.GetAgent(ctx, agentID)
		require.NoError(t, err)
		if agent.State == types.AgentPaused {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, types.AgentPaused, agent.State)
}

func TestDetectCycle(t *testing.T) {
	store := storage.NewMemStore(100)
	ctx := context.Background()

	require.NoError(t, store.CreateAgent(ctx, &types.Agent{ID: "a", State: types.AgentRunning}))
	require.NoError(t, store.CreateAgent(ctx, &types.Agent{ID: "b", State: types.AgentRunning, ParentID: "a"}))
	require.NoError(t, store.CreateAgent(ctx, &types.Agent{ID: "c", State: types.AgentRunning, ParentID: "b"}))

	found, err := DetectCycle(ctx, store, "a", "c")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = DetectCycle(ctx, store, "c", "a")
	require.NoError(t, err)
	assert.False(t, found)
}
