package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent lifecycle metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_agents_total",
			Help: "Total number of agents by state",
		},
		[]string{"state"},
	)

	AgentSpawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_agent_spawns_total",
			Help: "Total number of agent spawn attempts",
		},
	)

	AgentRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_agent_retries_total",
			Help: "Total number of agent retry attempts after a spawn or run failure",
		},
	)

	AgentSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_agent_spawn_duration_seconds",
			Help:    "Time from spawn request to session_ready",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Team orchestrator metrics
	TeamsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_teams_total",
			Help: "Total number of teams by status",
		},
		[]string{"status"},
	)

	TeamScalingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_team_scaling_events_total",
			Help: "Total number of team scale operations by direction",
		},
		[]string{"direction"},
	)

	TeamDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_team_degraded_total",
			Help: "Total number of times a team crossed its failure budget and was degraded",
		},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_events_published_total",
			Help: "Total number of events published by type",
		},
		[]string{"type"},
	)

	EventSubscriberLagTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_event_subscriber_lag_total",
			Help: "Total number of async subscriber queue overflows (dropped events)",
		},
	)

	EventMirrorFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_event_mirror_failures_total",
			Help: "Total number of failed external mirror publishes",
		},
	)

	// Budget/safety controller metrics
	BudgetWarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_budget_warnings_total",
			Help: "Total number of budget ladder transitions by level and scope",
		},
		[]string{"level", "scope_type"},
	)

	BudgetCostUSD = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_budget_cost_usd",
			Help: "Current accumulated cost in USD by scope",
		},
		[]string{"scope_type", "scope_id", "window"},
	)

	// Gateway client metrics
	GatewayReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_gateway_reconnects_total",
			Help: "Total number of gateway reconnect attempts",
		},
	)

	GatewayRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_gateway_rpc_duration_seconds",
			Help:    "Gateway RPC round-trip duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	GatewayResyncGapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_gateway_resync_gaps_total",
			Help: "Total number of times resubscribe could not resume from the requested seq",
		},
	)

	// Auto-improvement loop metrics
	AutoImprovementCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_auto_improvement_cycles_total",
			Help: "Total number of auto-improvement cycles run",
		},
	)

	AutoImprovementWorkUnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_auto_improvement_work_units_total",
			Help: "Total number of bounded work units filed by the auto-improvement loop, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		AgentSpawnsTotal,
		AgentRetriesTotal,
		AgentSpawnDuration,
		TeamsTotal,
		TeamScalingEventsTotal,
		TeamDegradedTotal,
		EventsPublishedTotal,
		EventSubscriberLagTotal,
		EventMirrorFailuresTotal,
		BudgetWarningsTotal,
		BudgetCostUSD,
		GatewayReconnectsTotal,
		GatewayRPCDuration,
		GatewayResyncGapsTotal,
		AutoImprovementCyclesTotal,
		AutoImprovementWorkUnitsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
