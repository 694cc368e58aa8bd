// Package orchestrator implements the Team Orchestrator of spec.md §4.2:
// converts a team specification into a running cohort of agents via the
// Lifecycle Manager, enforces concurrency/budget envelopes, aggregates
// outcomes per strategy (parallel/pipeline/map_reduce/tree), and runs an
// autoscaling control loop.
//
// The autoscaling loop's shape (ticker + per-tick pass over live teams
// under a lock) is grounded on the teacher's pkg/scheduler.Scheduler and
// pkg/reconciler.Reconciler, which both poll on a fixed interval.
// Failure-budget aggregation and team completion are not polled: they run
// on each agent's terminal event, through a bus subscription.
package orchestrator
