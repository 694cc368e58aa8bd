package metrics

import (
	"context"
	"time"

	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// Collector periodically samples the store and refreshes the gauge metrics
// that can't be updated incrementally at the call site (counts by state,
// counts by status).
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval, in a background
// goroutine, collecting once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectAgentMetrics(ctx)
	c.collectTeamMetrics(ctx)
	c.collectBudgetMetrics(ctx)
}

func (c *Collector) collectAgentMetrics(ctx context.Context) {
	agents, err := c.store.ListAgents(ctx, storage.AgentFilter{})
	if err != nil {
		return
	}

	counts := make(map[types.AgentState]int)
	for _, agent := range agents {
		counts[agent.State]++
	}

	for _, state := range []types.AgentState{
		types.AgentSpawning, types.AgentIdle, types.AgentRunning, types.AgentPaused,
		types.AgentCompleted, types.AgentFailed, types.AgentKilled,
	} {
		AgentsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectTeamMetrics(ctx context.Context) {
	teams, err := c.store.ListTeams(ctx)
	if err != nil {
		return
	}

	counts := make(map[types.TeamStatus]int)
	for _, team := range teams {
		counts[team.Status]++
	}

	for _, status := range []types.TeamStatus{
		types.TeamPending, types.TeamRunning, types.TeamPaused,
		types.TeamCompleted, types.TeamFailed,
	} {
		TeamsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectBudgetMetrics(ctx context.Context) {
	for _, scopeType := range []types.BudgetScopeType{types.ScopeGlobal, types.ScopeTeam, types.ScopeAgent} {
		records, err := c.store.ListBudgets(ctx, scopeType)
		if err != nil {
			continue
		}
		for _, rec := range records {
			BudgetCostUSD.WithLabelValues(string(rec.ScopeType), rec.ScopeID, string(rec.Window)).Set(rec.CostUSD)
		}
	}
}
