package lifecycle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/foreman/pkg/budget"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/orcherr"
	"github.com/cuemby/foreman/pkg/runtime"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/google/uuid"
)

// BaseBackoff and MaxBackoff bound the retry schedule of spec.md §4.1:
// min(base * 2^retry_count, 5min), jittered by +/-25%.
const (
	BaseBackoff = time.Second
	MaxBackoff  = 5 * time.Minute
	JitterFrac  = 0.25
)

// SpawnOptions carries the per-spawn overrides of a spawn(task_spec, options)
// call.
type SpawnOptions struct {
	// AgentID overrides the generated agent id. Used by the Team
	// Orchestrator's tree strategy, which must know a child's id before
	// spawning it in order to run DetectCycle against it.
	AgentID          string
	Label            string
	Model            string
	Provider         string
	TeamID           string
	ParentID         string
	BudgetLimit      float64
	SafetyBoundaries types.SafetyBoundaries
	MaxRetries       int
}

// Manager is the Agent Lifecycle Manager of spec.md §4.1: the sole writer
// of Agent state. Grounded on the teacher's pkg/manager.WarrenFSM shape
// (store + mutex-guarded dispatch), generalized to one lock per agent.
type Manager struct {
	store    storage.Store
	bus      *events.Bus
	provider runtime.Provider
	budget   *budget.Controller

	maxConcurrentAgents int

	startMu sync.Mutex
	started bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager constructs a Manager. maxConcurrentAgents <= 0 means unbounded.
func NewManager(store storage.Store, bus *events.Bus, provider runtime.Provider, budgetCtrl *budget.Controller, maxConcurrentAgents int) *Manager {
	return &Manager{
		store:               store,
		bus:                 bus,
		provider:            provider,
		budget:              budgetCtrl,
		maxConcurrentAgents: maxConcurrentAgents,
		locks:               make(map[string]*sync.Mutex),
	}
}

// Start marks the manager ready to accept operations. Calls before Start
// fail with orcherr.InvalidState ("LifecycleNotStarted" in spec.md's terms).
func (m *Manager) Start() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	m.started = true
}

func (m *Manager) checkStarted() error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if !m.started {
		return orcherr.New(orcherr.InvalidState, "lifecycle manager not started")
	}
	return nil
}

// lockFor returns the dedicated mutex for agentID, creating it on first use.
func (m *Manager) lockFor(agentID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[agentID] = l
	}
	return l
}

// lockAll acquires every agent's lock in ascending id order, preventing
// deadlock on multi-agent operations like a team kill-all, and returns an
// unlock func that releases them in reverse order.
func (m *Manager) lockAll(agentIDs []string) func() {
	sorted := append([]string(nil), agentIDs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	locks := make([]*sync.Mutex, len(sorted))
	for i, id := range sorted {
		locks[i] = m.lockFor(id)
		locks[i].Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (m *Manager) liveAgentCount(ctx context.Context) (int, error) {
	agents, err := m.store.ListAgents(ctx, storage.AgentFilter{})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range agents {
		if !a.State.Terminal() {
			count++
		}
	}
	return count, nil
}

func (m *Manager) parentRemainder(ctx context.Context, parentID string) (float64, error) {
	parent, err := m.store.GetAgent(ctx, parentID)
	if err != nil {
		return 0, orcherr.Wrap(orcherr.NotFound, "parent agent not found", err)
	}
	rec, err := m.budget.Status(ctx, types.ScopeAgent, parent.ID, types.WindowLifetime)
	if err != nil {
		return 0, err
	}
	consumed := 0.0
	if rec != nil {
		consumed = rec.CostUSD
	}
	return parent.BudgetLimit - consumed, nil
}

// Spawn allocates an agent id, writes its initial spawning record, and
// submits a spawn request to the Runtime Provider. It returns before the
// remote session is necessarily ready.
func (m *Manager) Spawn(ctx context.Context, task string, taskSpec *types.TaskSpec, opts SpawnOptions) (string, error) {
	if err := m.checkStarted(); err != nil {
		return "", err
	}

	if m.maxConcurrentAgents > 0 {
		live, err := m.liveAgentCount(ctx)
		if err != nil {
			return "", err
		}
		if live >= m.maxConcurrentAgents {
			return "", orcherr.New(orcherr.CapacityExceeded, "global concurrent agent cap reached")
		}
	}

	if opts.ParentID != "" {
		remainder, err := m.parentRemainder(ctx, opts.ParentID)
		if err != nil {
			return "", err
		}
		if opts.BudgetLimit > remainder {
			return "", orcherr.New(orcherr.BudgetDenied, "budget_limit exceeds parent remainder")
		}
	}

	scopeType, scopeID := m.spawnScope(opts)
	allowed, err := m.budget.AllowSpawn(ctx, scopeType, scopeID, types.WindowDay)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", orcherr.New(orcherr.BudgetDenied, "scope is throttled or exhausted")
	}

	agentID := opts.AgentID
	if agentID == "" {
		agentID = uuid.NewString()
	}
	unlock := m.lockAll([]string{agentID})
	defer unlock()

	boundaries := opts.SafetyBoundaries
	if isZeroBoundaries(boundaries) {
		boundaries = types.DefaultSafetyBoundaries()
	}

	agent := &types.Agent{
		ID:               agentID,
		Label:            opts.Label,
		Model:            opts.Model,
		Provider:         opts.Provider,
		Task:             task,
		TaskSpec:         taskSpec,
		State:            types.AgentSpawning,
		TeamID:           opts.TeamID,
		ParentID:         opts.ParentID,
		MaxRetries:       opts.MaxRetries,
		BudgetLimit:      opts.BudgetLimit,
		SafetyBoundaries: boundaries,
		SpawnedAt:        time.Now(),
	}

	if err := m.persist(ctx, agent, types.EventAgentSpawning, nil); err != nil {
		return "", err
	}

	// A budget_limit on the spawn request becomes an enforceable ceiling
	// immediately, rather than sitting as an informational field nothing
	// ever checks: TryDebitCascade's hard-limit check in runExec reads this
	// same record.
	if opts.BudgetLimit > 0 {
		if err := m.budget.SetLimit(ctx, types.ScopeAgent, agentID, types.WindowDay, opts.BudgetLimit); err != nil {
			log.Logger.Warn().Err(err).Str("agent_id", agentID).Msg("setting per-agent budget ceiling failed")
		}
	}

	metrics.AgentSpawnsTotal.Inc()

	go m.runSpawn(agent.ID, task, taskSpec, boundaries)

	return agentID, nil
}

func isZeroBoundaries(b types.SafetyBoundaries) bool {
	return len(b.AllowedPathGlobs) == 0 && len(b.DeniedTools) == 0 && !b.SandboxMode
}

func (m *Manager) spawnScope(opts SpawnOptions) (types.BudgetScopeType, string) {
	if opts.TeamID != "" {
		return types.ScopeTeam, opts.TeamID
	}
	return types.ScopeGlobal, "global"
}

// runSpawn drives the actual Runtime Provider call off the caller's
// goroutine, since Spawn must return before the remote session is ready.
func (m *Manager) runSpawn(agentID, task string, taskSpec *types.TaskSpec, boundaries types.SafetyBoundaries) {
	ctx := context.Background()
	timer := metrics.NewTimer()

	result, err := m.provider.Spawn(ctx, runtime.SpawnParams{
		AgentID:          agentID,
		Task:             task,
		TaskSpec:         taskSpec,
		SafetyBoundaries: boundaries,
	})
	timer.ObserveDuration(metrics.AgentSpawnDuration)

	if err != nil {
		m.handleSpawnFailure(ctx, agentID, err)
		return
	}

	unlock := m.lockAll([]string{agentID})
	defer unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		log.Logger.Error().Err(err).Str("agent_id", agentID).Msg("spawned agent missing from store")
		return
	}
	if agent.State != types.AgentSpawning {
		return
	}
	agent.SessionKey = result.SessionKey
	agent.State = types.AgentIdle
	_ = m.persist(ctx, agent, types.EventAgentReady, nil)
}

func (m *Manager) handleSpawnFailure(ctx context.Context, agentID string, cause error) {
	unlock := m.lockAll([]string{agentID})
	defer unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		log.Logger.Error().Err(err).Str("agent_id", agentID).Msg("spawn-failed agent missing from store")
		return
	}
	agent.LastError = cause.Error()

	if agent.RetryCount >= agent.MaxRetries || orcherr.KindOf(cause) == orcherr.Fatal {
		agent.State = types.AgentFailed
		_ = m.persist(ctx, agent, types.EventAgentFailed, map[string]interface{}{"error": cause.Error()})
		return
	}

	agent.RetryCount++
	agent.RetryPending = true
	_ = m.persist(ctx, agent, types.EventAgentRetrying, map[string]interface{}{"retry_count": agent.RetryCount})
	metrics.AgentRetriesTotal.Inc()

	delay := backoffDelay(agent.RetryCount)
	go func() {
		time.Sleep(delay)
		m.reenterSpawning(agentID)
	}()
}

// backoffDelay computes min(base*2^retryCount, max) jittered by +/-25%,
// using backoff.NewExponentialBackOff's NextBackOff for the version-stable
// jitter computation rather than the package's higher-level Retry helper.
func backoffDelay(retryCount int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = BaseBackoff
	bo.MaxInterval = MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = JitterFrac

	delay := BaseBackoff
	for i := 0; i <= retryCount; i++ {
		delay = bo.NextBackOff()
	}
	if delay > MaxBackoff {
		jitter := 1 + (rand.Float64()*2-1)*JitterFrac
		delay = time.Duration(float64(MaxBackoff) * jitter)
	}
	return delay
}

func (m *Manager) reenterSpawning(agentID string) {
	ctx := context.Background()
	unlock := m.lockAll([]string{agentID})
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		unlock()
		return
	}
	if agent.State != types.AgentFailed && !agent.RetryPending {
		unlock()
		return
	}
	agent.State = types.AgentSpawning
	agent.RetryPending = false
	task, taskSpec, boundaries := agent.Task, agent.TaskSpec, agent.SafetyBoundaries
	_ = m.persist(ctx, agent, types.EventAgentSpawning, nil)
	unlock()

	go m.runSpawn(agentID, task, taskSpec, boundaries)
}

// persist writes agent's state transition and its causing event atomically,
// then publishes the event on the bus — after the Store acknowledges, so a
// crash recovery never contradicts an already-observed event (spec.md
// §4.1's ordering contract). The event's Seq is reserved from the Bus
// before the durable write so the Store and the Bus's live subscribers
// agree on the same number for the same logical event, rather than each
// minting its own.
func (m *Manager) persist(ctx context.Context, agent *types.Agent, eventType types.EventType, payload map[string]interface{}) error {
	event := &types.Event{
		Type:    eventType,
		Source:  "lifecycle",
		AgentID: agent.ID,
		TeamID:  agent.TeamID,
		Payload: payload,
		Seq:     m.bus.ReserveSeq(),
	}
	if err := m.store.Transition(ctx, agent, event); err != nil {
		return orcherr.Wrap(orcherr.Internal, "transition persist failed", err)
	}
	m.bus.Publish(ctx, event)
	return nil
}

// Send requires state idle, transitions to running, and forwards the
// message to the Runtime Provider.
func (m *Manager) Send(ctx context.Context, agentID, message string, attachments []string) error {
	unlock := m.lockAll([]string{agentID})
	defer unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "agent not found", err)
	}
	if agent.State != types.AgentIdle {
		return orcherr.New(orcherr.InvalidState, fmt.Sprintf("agent not idle: %s", agent.State))
	}

	agent.State = types.AgentRunning
	if err := m.persist(ctx, agent, types.EventAgentRunning, nil); err != nil {
		return err
	}

	go m.runExec(agent.ID, agent.SessionKey, message, attachments)
	return nil
}

func (m *Manager) runExec(agentID, sessionKey, message string, attachments []string) {
	ctx := context.Background()
	result, err := m.provider.Exec(ctx, sessionKey, message, attachments)

	unlock := m.lockAll([]string{agentID})
	defer unlock()

	agent, getErr := m.store.GetAgent(ctx, agentID)
	if getErr != nil || agent.State != types.AgentRunning {
		return
	}

	if result.TokensIn > 0 || result.TokensOut > 0 {
		cost := result.CostUSD
		scopes := []budget.ScopeRef{{Type: types.ScopeAgent, ID: agent.ID}}
		if agent.TeamID != "" {
			scopes = append(scopes, budget.ScopeRef{Type: types.ScopeTeam, ID: agent.TeamID})
		}
		scopes = append(scopes, budget.ScopeRef{Type: types.ScopeGlobal, ID: "global"})
		if _, debitErr := m.budget.TryDebitCascade(ctx, scopes, types.WindowDay, result.TokensIn, result.TokensOut, cost); debitErr != nil {
			log.Logger.Warn().Err(debitErr).Str("agent_id", agentID).Msg("budget debit failed")
		}
	}

	if err != nil {
		agent.LastError = err.Error()
		if orcherr.KindOf(err) == orcherr.Transient && agent.RetryCount < agent.MaxRetries {
			agent.RetryCount++
			agent.State = types.AgentSpawning
			agent.RetryPending = true
			_ = m.persist(ctx, agent, types.EventAgentRetrying, map[string]interface{}{"retry_count": agent.RetryCount})
			metrics.AgentRetriesTotal.Inc()
			delay := backoffDelay(agent.RetryCount)
			go func() {
				time.Sleep(delay)
				m.reenterSpawning(agentID)
			}()
			return
		}
		agent.State = types.AgentFailed
		_ = m.persist(ctx, agent, types.EventAgentFailed, map[string]interface{}{"error": err.Error()})
		return
	}

	agent.State = types.AgentCompleted
	agent.CompletedAt = time.Now()
	agent.Result = result.Result
	_ = m.persist(ctx, agent, types.EventAgentCompleted, map[string]interface{}{"result": result.Result})
}

// Pause transitions a running agent to paused. Idempotent on an agent
// already paused.
func (m *Manager) Pause(ctx context.Context, agentID string) error {
	unlock := m.lockAll([]string{agentID})
	defer unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "agent not found", err)
	}
	if agent.State == types.AgentPaused {
		return nil
	}
	if agent.State != types.AgentRunning {
		return orcherr.New(orcherr.InvalidState, fmt.Sprintf("cannot pause from %s", agent.State))
	}
	agent.State = types.AgentPaused
	return m.persist(ctx, agent, types.EventAgentPaused, nil)
}

// Resume transitions a paused agent back to idle.
func (m *Manager) Resume(ctx context.Context, agentID string) error {
	unlock := m.lockAll([]string{agentID})
	defer unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "agent not found", err)
	}
	if agent.State == types.AgentIdle {
		return nil
	}
	if agent.State != types.AgentPaused {
		return orcherr.New(orcherr.InvalidState, fmt.Sprintf("cannot resume from %s", agent.State))
	}
	agent.State = types.AgentIdle
	return m.persist(ctx, agent, types.EventAgentResumed, nil)
}

// Kill transitions an agent to killed from any non-terminal state and asks
// the Runtime Provider to tear down its session. Idempotent: killing an
// already-killed agent is a no-op success.
func (m *Manager) Kill(ctx context.Context, agentID string) error {
	unlock := m.lockAll([]string{agentID})
	defer unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "agent not found", err)
	}
	if agent.State == types.AgentKilled {
		return nil
	}
	if agent.State.Terminal() {
		return orcherr.New(orcherr.InvalidState, fmt.Sprintf("cannot kill terminal agent in state %s", agent.State))
	}

	if agent.SessionKey != "" {
		if err := m.provider.Kill(ctx, agent.SessionKey); err != nil {
			log.Logger.Warn().Err(err).Str("agent_id", agentID).Msg("provider kill failed")
		}
	}

	agent.State = types.AgentKilled
	agent.CompletedAt = time.Now()
	return m.persist(ctx, agent, types.EventAgentKilled, nil)
}

// KillAll kills every agent in agentIDs under lock ordering that prevents
// deadlock with concurrent per-agent operations (a team kill-all, for
// instance).
func (m *Manager) KillAll(ctx context.Context, agentIDs []string) error {
	unlock := m.lockAll(agentIDs)
	defer unlock()

	for _, id := range agentIDs {
		agent, err := m.store.GetAgent(ctx, id)
		if err != nil {
			continue
		}
		if agent.State == types.AgentKilled || agent.State.Terminal() {
			continue
		}
		if agent.SessionKey != "" {
			if err := m.provider.Kill(ctx, agent.SessionKey); err != nil {
				log.Logger.Warn().Err(err).Str("agent_id", id).Msg("provider kill failed")
			}
		}
		agent.State = types.AgentKilled
		agent.CompletedAt = time.Now()
		if err := m.persist(ctx, agent, types.EventAgentKilled, nil); err != nil {
			log.Logger.Error().Err(err).Str("agent_id", id).Msg("kill persist failed")
		}
	}
	return nil
}

// Retry re-enters spawning for a failed agent that has retries remaining.
func (m *Manager) Retry(ctx context.Context, agentID string) error {
	unlock := m.lockAll([]string{agentID})
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		unlock()
		return orcherr.Wrap(orcherr.NotFound, "agent not found", err)
	}
	if agent.State != types.AgentFailed {
		unlock()
		return orcherr.New(orcherr.InvalidState, "retry only permitted from failed")
	}
	if agent.RetryCount >= agent.MaxRetries {
		unlock()
		return orcherr.New(orcherr.InvalidState, "retry_count >= max_retries")
	}
	agent.RetryCount++
	agent.State = types.AgentSpawning
	task, taskSpec, boundaries := agent.Task, agent.TaskSpec, agent.SafetyBoundaries
	err = m.persist(ctx, agent, types.EventAgentSpawning, nil)
	unlock()
	if err != nil {
		return err
	}

	go m.runSpawn(agentID, task, taskSpec, boundaries)
	return nil
}
