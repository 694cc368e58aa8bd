// Package metrics exposes Prometheus instrumentation for the orchestration
// core: agent lifecycle and team counts by state/status, event bus lag and
// mirror failures, budget ladder transitions and cost gauges, gateway
// reconnects and RPC latency, and auto-improvement cycle counts. All metrics
// are registered at package init and served by Handler via promhttp.
//
// Collector polls the Store on a fixed interval to refresh the gauges that
// can't be updated incrementally at the call site (counts by state, counts
// by status); everything else is updated directly by the package that owns
// the event (lifecycle increments AgentSpawnsTotal, and so on).
// EventsPublishedTotal, EventSubscriberLagTotal, EventMirrorFailuresTotal and
// BudgetWarningsTotal are registered and served, but no package updates
// them, so they stay at zero.
package metrics
