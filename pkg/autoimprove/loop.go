package autoimprove

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/budget"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/orcherr"
	"github.com/cuemby/foreman/pkg/orchestrator"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/robfig/cron/v3"
)

// autoImproveScopeID is the Budget Controller scope this loop's spending is
// tracked under, dedicated and separate from any operator team's scope.
const autoImproveScopeID = "auto-improve"

// WorkUnit is a bounded task specification the loop may submit as a team
// (spec.md §4.7): explicit scope, file-count and cost caps. It carries no
// duration cap.
type WorkUnit struct {
	Name      string
	Objective string
	Scope     []string
	MaxFiles  int
	MaxCost   float64
}

// HealthCheck inspects store and reports whether it is failing along with a
// human-readable detail. Each check must complete in O(seconds).
type HealthCheck struct {
	Name      string
	Threshold float64
	Evaluate  func(ctx context.Context, store storage.Store) (value float64, detail string, err error)
	WorkUnit  func(value float64, detail string) WorkUnit
}

// Loop is the Auto-Improvement Loop of spec.md §4.7.
type Loop struct {
	store        storage.Store
	bus          *events.Bus
	orchestrator *orchestrator.Orchestrator
	budget       *budget.Controller

	schedule         string
	allowlist        []string
	dailyCostCeiling float64
	checks           []HealthCheck

	cronSched *cron.Cron
}

// NewLoop constructs a Loop. allowlist restricts the file scope any work
// unit's team may target; dailyCostCeiling bounds this loop's total spend
// for the day, independent of operator teams.
func NewLoop(store storage.Store, bus *events.Bus, orch *orchestrator.Orchestrator, budgetCtrl *budget.Controller, schedule string, allowlist []string, dailyCostCeiling float64) *Loop {
	return &Loop{
		store:            store,
		bus:              bus,
		orchestrator:     orch,
		budget:           budgetCtrl,
		schedule:         schedule,
		allowlist:        allowlist,
		dailyCostCeiling: dailyCostCeiling,
		checks:           DefaultHealthChecks(),
	}
}

// Start schedules runCycle at the configured cron expression.
func (l *Loop) Start() error {
	l.cronSched = cron.New()
	if _, err := l.cronSched.AddFunc(l.schedule, l.runCycle); err != nil {
		return orcherr.Wrap(orcherr.InvalidInput, "invalid auto-improve schedule", err)
	}
	l.cronSched.Start()
	return nil
}

// Stop halts the scheduler, letting any in-flight cycle finish.
func (l *Loop) Stop() {
	if l.cronSched != nil {
		<-l.cronSched.Stop().Done()
	}
}

// runCycle executes one inspection: runs every health check, files a work
// unit per failing check above threshold, submits each as a tightly
// budgeted team, and records a single auto_improvement_cycle event.
func (l *Loop) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	metrics.AutoImprovementCyclesTotal.Inc()

	var filed, skipped int
	for _, check := range l.checks {
		value, detail, err := check.Evaluate(ctx, l.store)
		if err != nil {
			log.Logger.Warn().Err(err).Str("check", check.Name).Msg("auto-improve health check failed")
			continue
		}
		if value < check.Threshold {
			continue
		}

		unit := check.WorkUnit(value, detail)
		if err := l.submitWorkUnit(ctx, unit); err != nil {
			log.Logger.Warn().Err(err).Str("work_unit", unit.Name).Msg("auto-improve work unit submission denied")
			metrics.AutoImprovementWorkUnitsTotal.WithLabelValues("denied").Inc()
			skipped++
			continue
		}
		metrics.AutoImprovementWorkUnitsTotal.WithLabelValues("filed").Inc()
		filed++
	}

	l.bus.PublishDurable(ctx, &types.Event{
		Type:   types.EventAutoImprovementCycle,
		Source: "autoimprove",
		Payload: map[string]interface{}{
			"work_units_filed":   filed,
			"work_units_skipped": skipped,
		},
	})
}

// submitWorkUnit enforces the loop's own safety rules (spec.md §4.7): scope
// must be within the configured allow-list, spend must fit the dedicated
// daily ceiling, and the resulting team uses the parallel strategy with no
// further sub-teams.
func (l *Loop) submitWorkUnit(ctx context.Context, unit WorkUnit) error {
	for _, glob := range unit.Scope {
		if !l.allowed(glob) {
			return orcherr.New(orcherr.InvalidInput, fmt.Sprintf("work unit scope %q outside allow-list", glob))
		}
	}

	rec, err := l.budget.Status(ctx, types.ScopeProject, autoImproveScopeID, types.WindowDay)
	if err != nil {
		return err
	}
	consumed := 0.0
	if rec != nil {
		consumed = rec.CostUSD
	}
	remaining := l.dailyCostCeiling - consumed
	if remaining <= 0 {
		return orcherr.New(orcherr.BudgetDenied, "auto-improve daily cost ceiling exhausted")
	}
	budgetAllocated := unit.MaxCost
	if budgetAllocated > remaining {
		budgetAllocated = remaining
	}

	_, err = l.orchestrator.CreateTeam(ctx, orchestrator.TeamSpec{
		Name:            "auto-improve: " + unit.Name,
		Task:            unit.Objective,
		TaskSpec:        &types.TaskSpec{Scope: unit.Scope, Objective: unit.Objective},
		DesiredSize:     1,
		MinSize:         1,
		MaxSize:         1,
		Strategy:        types.StrategyParallel,
		BudgetAllocated: budgetAllocated,
	})
	return err
}

func (l *Loop) allowed(glob string) bool {
	for _, allowed := range l.allowlist {
		if allowed == glob {
			return true
		}
	}
	return false
}
