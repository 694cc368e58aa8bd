package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_TransitionIsAtomic(t *testing.T) {
	store := NewMemStore(10)
	ctx := context.Background()

	agent := &types.Agent{ID: "agent-1", State: types.AgentIdle, SpawnedAt: time.Now()}
	event := &types.Event{ID: "evt-1", Type: types.EventAgentReady, Source: "lifecycle", AgentID: "agent-1"}

	require.NoError(t, store.Transition(ctx, agent, event))

	got, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, got.State)

	events, err := store.GetRecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventAgentReady, events[0].Type)
	assert.Equal(t, uint64(1), events[0].Seq)
}

func TestMemStore_EventSeqMonotonic(t *testing.T) {
	store := NewMemStore(100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvent(ctx, &types.Event{ID: "e", Type: types.EventAgentRunning}))
	}

	events, err := store.GetEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestMemStore_RingBufferEvictsOldest(t *testing.T) {
	store := NewMemStore(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvent(ctx, &types.Event{ID: "e", Type: types.EventAgentRunning}))
	}

	events, err := store.GetRecentEvents(ctx, 100)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(5), events[len(events)-1].Seq)
}

func TestMemStore_ListAgentsFilters(t *testing.T) {
	store := NewMemStore(10)
	ctx := context.Background()

	require.NoError(t, store.CreateAgent(ctx, &types.Agent{ID: "a1", TeamID: "t1", State: types.AgentRunning}))
	require.NoError(t, store.CreateAgent(ctx, &types.Agent{ID: "a2", TeamID: "t1", State: types.AgentIdle}))
	require.NoError(t, store.CreateAgent(ctx, &types.Agent{ID: "a3", TeamID: "t2", State: types.AgentRunning}))

	byTeam, err := store.ListAgents(ctx, AgentFilter{TeamID: "t1"})
	require.NoError(t, err)
	assert.Len(t, byTeam, 2)

	byState, err := store.ListAgents(ctx, AgentFilter{State: types.AgentRunning})
	require.NoError(t, err)
	assert.Len(t, byState, 2)

	both, err := store.ListAgents(ctx, AgentFilter{TeamID: "t1", State: types.AgentRunning})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, "a1", both[0].ID)
}

func TestMemStore_BudgetUpsertAndGet(t *testing.T) {
	store := NewMemStore(10)
	ctx := context.Background()

	rec := &types.BudgetRecord{ScopeType: types.ScopeTeam, ScopeID: "team-1", Window: types.WindowDay, TokensIn: 100}
	require.NoError(t, store.UpsertBudget(ctx, rec))

	got, err := store.GetBudget(ctx, rec.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(100), got.TokensIn)

	missing, err := store.GetBudget(ctx, "agent/nope/day")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemStore_GetAgentNotFound(t *testing.T) {
	store := NewMemStore(10)
	_, err := store.GetAgent(context.Background(), "missing")
	assert.Error(t, err)
}
