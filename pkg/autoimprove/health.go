package autoimprove

import (
	"context"
	"fmt"

	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// DefaultHealthChecks returns the fixed set of inspections the loop runs
// every cycle (spec.md §4.7). Each check reduces store state to a single
// value compared against its threshold; crossing it files a WorkUnit scoped
// to the configured allow-list.
func DefaultHealthChecks() []HealthCheck {
	return []HealthCheck{
		agentFailureRateCheck(),
		globalBudgetBurnCheck(),
	}
}

// agentFailureRateCheck fires when at least the threshold fraction of all
// known agents ended in failed, suggesting a systemic problem rather than
// isolated task failures.
func agentFailureRateCheck() HealthCheck {
	return HealthCheck{
		Name:      "agent_failure_rate",
		Threshold: 0.3,
		Evaluate: func(ctx context.Context, store storage.Store) (float64, string, error) {
			all, err := store.ListAgents(ctx, storage.AgentFilter{})
			if err != nil {
				return 0, "", err
			}
			if len(all) == 0 {
				return 0, "", nil
			}
			failed, err := store.ListAgents(ctx, storage.AgentFilter{State: types.AgentFailed})
			if err != nil {
				return 0, "", err
			}
			rate := float64(len(failed)) / float64(len(all))
			return rate, fmt.Sprintf("%d/%d agents failed", len(failed), len(all)), nil
		},
		WorkUnit: func(value float64, detail string) WorkUnit {
			return WorkUnit{
				Name:      "investigate-agent-failures",
				Objective: "Inspect recent agent failure causes and propose a fix: " + detail,
				Scope:     []string{"pkg/**"},
				MaxFiles:  10,
				MaxCost:   2.0,
			}
		},
	}
}

// globalBudgetBurnCheck fires when the global daily budget record shows
// spend trending toward the hard ladder level, surfacing a cost runaway
// before the Budget/Safety Controller itself has to start denying spawns.
func globalBudgetBurnCheck() HealthCheck {
	return HealthCheck{
		Name:      "global_budget_burn",
		Threshold: 0.85,
		Evaluate: func(ctx context.Context, store storage.Store) (float64, string, error) {
			rec, err := store.GetBudget(ctx, types.BudgetRecord{
				ScopeType: types.ScopeGlobal,
				ScopeID:   "global",
				Window:    types.WindowDay,
			}.Key())
			if err != nil {
				return 0, "", err
			}
			if rec == nil || rec.LimitCost == nil || *rec.LimitCost <= 0 {
				return 0, "", nil
			}
			fraction := rec.CostUSD / *rec.LimitCost
			return fraction, fmt.Sprintf("global daily spend at %.0f%% of cap", fraction*100), nil
		},
		WorkUnit: func(value float64, detail string) WorkUnit {
			return WorkUnit{
				Name:      "reduce-cost-burn",
				Objective: "Identify and reduce avoidable token spend: " + detail,
				Scope:     []string{"pkg/**"},
				MaxFiles:  10,
				MaxCost:   2.0,
			}
		},
	}
}
