package budget

import (
	"context"
	"testing"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*Controller, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore(100)
	bus := events.NewBus(100)
	pricing := PricingTable{"claude": {PerTokenIn: 0.0001, PerTokenOut: 0.0002}}
	return NewController(store, bus, pricing, DefaultLadder()), store
}

func TestCost(t *testing.T) {
	c, _ := newTestController(t)
	assert.InDelta(t, 0.0001*10+0.0002*20, c.Cost("claude", 10, 20), 1e-9)
	assert.Equal(t, 0.0, c.Cost("unknown-model", 10, 20))
}

func TestTryDebit_AllowsUnderLimit(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	limit := 1.0
	require.NoError(t, store.UpsertBudget(ctx, &types.BudgetRecord{
		ScopeType: types.ScopeTeam, ScopeID: "team-1", Window: types.WindowDay, LimitCost: &limit,
	}))

	d, err := c.TryDebit(ctx, types.ScopeTeam, "team-1", types.WindowDay, 10, 20, 0.003)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, LevelNone, d.Level)
}

func TestTryDebit_DeniesOverHardLimit(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	limit := 0.01
	require.NoError(t, store.UpsertBudget(ctx, &types.BudgetRecord{
		ScopeType: types.ScopeTeam, ScopeID: "team-1", Window: types.WindowDay, LimitCost: &limit,
	}))

	for i := 0; i < 3; i++ {
		d, err := c.TryDebit(ctx, types.ScopeTeam, "team-1", types.WindowDay, 10, 20, 0.003)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := c.TryDebit(ctx, types.ScopeTeam, "team-1", types.WindowDay, 10, 20, 0.003)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	rec, err := c.Status(ctx, types.ScopeTeam, "team-1", types.WindowDay)
	require.NoError(t, err)
	assert.LessOrEqual(t, rec.CostUSD, limit)
}

func TestTryDebit_PublishesLadderEvents(t *testing.T) {
	store := storage.NewMemStore(100)
	bus := events.NewBus(100)
	c := NewController(store, bus, nil, DefaultLadder())
	ctx := context.Background()

	var warnings []types.EventType
	bus.Subscribe(events.Sync, events.TypeFilter(types.EventBudgetWarning, types.EventBudgetThrottle, types.EventBudgetExhausted), func(e *types.Event) {
		warnings = append(warnings, e.Type)
	})

	limit := 1.0
	require.NoError(t, store.UpsertBudget(ctx, &types.BudgetRecord{
		ScopeType: types.ScopeTeam, ScopeID: "team-1", Window: types.WindowDay, LimitCost: &limit,
	}))

	_, err := c.TryDebit(ctx, types.ScopeTeam, "team-1", types.WindowDay, 0, 0, 0.75)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, types.EventBudgetWarning, warnings[0])
}

func TestReset(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertBudget(ctx, &types.BudgetRecord{
		ScopeType: types.ScopeAgent, ScopeID: "a1", Window: types.WindowDay, TokensIn: 500,
	}))

	require.NoError(t, c.Reset(ctx, types.ScopeAgent, "a1", types.WindowDay))

	rec, err := c.Status(ctx, types.ScopeAgent, "a1", types.WindowDay)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.TokensIn)
}

func TestAllowSpawn_DeniedWhenExhausted(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertBudget(ctx, &types.BudgetRecord{
		ScopeType: types.ScopeTeam, ScopeID: "team-1", Window: types.WindowDay, Exhausted: true,
	}))

	allowed, err := c.AllowSpawn(ctx, types.ScopeTeam, "team-1", types.WindowDay)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestAllowSpawn_NoRecordAllowed(t *testing.T) {
	c, _ := newTestController(t)
	allowed, err := c.AllowSpawn(context.Background(), types.ScopeTeam, "new-team", types.WindowDay)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTryDebitCascade_AppliesToEveryScope(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	d, err := c.TryDebitCascade(ctx, []ScopeRef{
		{Type: types.ScopeAgent, ID: "a1"},
		{Type: types.ScopeTeam, ID: "team-1"},
		{Type: types.ScopeGlobal, ID: "global"},
	}, types.WindowDay, 10, 20, 0.05)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	for _, ref := range []struct {
		typ types.BudgetScopeType
		id  string
	}{{types.ScopeAgent, "a1"}, {types.ScopeTeam, "team-1"}, {types.ScopeGlobal, "global"}} {
		rec, err := c.Status(ctx, ref.typ, ref.id, types.WindowDay)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.InDelta(t, 0.05, rec.CostUSD, 1e-9)
	}
	_ = store
}

func TestTryDebitCascade_HardLimitOnAnyScopeBlocksAll(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	limit := 0.01
	require.NoError(t, store.UpsertBudget(ctx, &types.BudgetRecord{
		ScopeType: types.ScopeTeam, ScopeID: "team-1", Window: types.WindowDay, LimitCost: &limit,
	}))

	d, err := c.TryDebitCascade(ctx, []ScopeRef{
		{Type: types.ScopeAgent, ID: "a1"},
		{Type: types.ScopeTeam, ID: "team-1"},
	}, types.WindowDay, 10, 20, 1.0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, LevelHard, d.Level)

	rec, err := c.Status(ctx, types.ScopeAgent, "a1", types.WindowDay)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSetLimit_CreatesEnforceableCeiling(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.SetLimit(ctx, types.ScopeAgent, "a1", types.WindowDay, 0.01))

	d, err := c.TryDebit(ctx, types.ScopeAgent, "a1", types.WindowDay, 0, 0, 1.0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, LevelHard, d.Level)
}
