package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/foreman/pkg/budget"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/lifecycle"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/orcherr"
	"github.com/cuemby/foreman/pkg/security"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/google/uuid"
)

// TeamSpec is the input to CreateTeam.
type TeamSpec struct {
	Name            string
	Task            string
	TaskSpec        *types.TaskSpec
	DesiredSize     int
	MinSize         int
	MaxSize         int
	Strategy        types.Strategy
	BudgetAllocated float64
	SharedContext   []byte

	FailureBudgetFraction float64
}

// Orchestrator is the Team Orchestrator of spec.md §4.2.
type Orchestrator struct {
	store     storage.Store
	bus       *events.Bus
	lifecycle *lifecycle.Manager
	budget    *budget.Controller
	defaults  config.TeamDefaults

	// security encrypts a team's SharedContext blob at rest when set. Left
	// nil by NewOrchestrator; opt in with SetSecurity.
	security *security.SecretsManager

	teamLocksMu sync.Mutex
	teamLocks   map[string]*sync.Mutex

	stopCh chan struct{}
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(store storage.Store, bus *events.Bus, lifecycleMgr *lifecycle.Manager, budgetCtrl *budget.Controller, defaults config.TeamDefaults) *Orchestrator {
	return &Orchestrator{
		store:     store,
		bus:       bus,
		lifecycle: lifecycleMgr,
		budget:    budgetCtrl,
		defaults:  defaults,
		teamLocks: make(map[string]*sync.Mutex),
		stopCh:    make(chan struct{}),
	}
}

// SetSecurity installs a SecretsManager so CreateTeam/Status encrypt and
// decrypt a team's shared-context blob at rest. Mirrors events.Bus's
// SetMirror: optional, set once before Start.
func (o *Orchestrator) SetSecurity(sm *security.SecretsManager) {
	o.security = sm
}

// Start subscribes to agent lifecycle and budget-ladder events and begins
// the autoscaling control loop.
func (o *Orchestrator) Start() {
	o.bus.Subscribe(events.Async, events.TypeFilter(
		types.EventAgentCompleted, types.EventAgentFailed, types.EventAgentKilled,
	), o.handleAgentTerminal)

	o.bus.Subscribe(events.Async, events.TypeFilter(
		types.EventBudgetThrottle, types.EventBudgetExhausted,
	), o.handleBudgetLadder)

	go o.autoscaleLoop()
}

// Stop halts the autoscaling loop. Event subscriptions are not unregistered
// since Bus has no unsubscribe path in the shipped API; Stop is only called
// at process shutdown.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
}

func (o *Orchestrator) lockFor(teamID string) *sync.Mutex {
	o.teamLocksMu.Lock()
	defer o.teamLocksMu.Unlock()
	l, ok := o.teamLocks[teamID]
	if !ok {
		l = &sync.Mutex{}
		o.teamLocks[teamID] = l
	}
	return l
}

// CreateTeam persists the team, gives it an enforceable budget ceiling, and
// dispatches desired_size agents via the Lifecycle Manager according to
// spec.Strategy:
//   - parallel (default): all agents spawned at once against the shared task.
//   - pipeline: agents run one at a time; each receives the previous agent's
//     result appended to the shared task.
//   - map_reduce: desired_size-1 mappers run the shared task in parallel, then
//     one reducer is spawned once every mapper is terminal, with every
//     mapper's result appended to its task.
//   - tree: a single coordinator (root) agent is spawned; further sub-agents
//     are added beneath it via SpawnChild, which enforces MaxTreeDepth and
//     cycle-freedom.
//
// Strategies other than parallel run their post-initial-spawn dispatch in
// the background so CreateTeam returns as soon as the first wave of agents
// has been submitted to the Lifecycle Manager, matching the "Spawn returns
// before the remote session is ready" asynchrony everywhere else in the
// core.
func (o *Orchestrator) CreateTeam(ctx context.Context, spec TeamSpec) (string, error) {
	if spec.DesiredSize <= 0 {
		return "", orcherr.New(orcherr.InvalidInput, "desired_size must be positive")
	}
	minSize, maxSize := spec.MinSize, spec.MaxSize
	if minSize == 0 {
		minSize = o.defaults.MinSize
	}
	if maxSize == 0 {
		maxSize = o.defaults.MaxSize
	}
	if spec.DesiredSize < minSize || spec.DesiredSize > maxSize {
		return "", orcherr.New(orcherr.InvalidInput, "desired_size out of [min_size, max_size]")
	}

	failureFraction := spec.FailureBudgetFraction
	if failureFraction == 0 {
		failureFraction = o.defaults.FailureBudgetFraction
	}

	sharedContext := spec.SharedContext
	if o.security != nil && len(sharedContext) > 0 {
		encrypted, err := o.security.EncryptSharedContext(sharedContext)
		if err != nil {
			return "", orcherr.Wrap(orcherr.Internal, "encrypting shared context failed", err)
		}
		sharedContext = encrypted
	}

	teamID := uuid.NewString()
	team := &types.Team{
		ID:                    teamID,
		Name:                  spec.Name,
		Status:                types.TeamPending,
		DesiredSize:           spec.DesiredSize,
		MinSize:               minSize,
		MaxSize:               maxSize,
		Strategy:              spec.Strategy,
		BudgetAllocated:       spec.BudgetAllocated,
		FailureBudgetFraction: failureFraction,
		SharedContext:         sharedContext,
		CreatedAt:             time.Now(),
	}

	if err := o.store.CreateTeam(ctx, team); err != nil {
		return "", orcherr.Wrap(orcherr.Internal, "create team failed", err)
	}
	o.publishTeamEvent(ctx, team, types.EventTeamCreated, nil)

	// A team's budget_allocated becomes an enforceable ceiling immediately,
	// rather than sitting as an informational field nothing ever checks —
	// TryDebitCascade's hard-limit check reads this same record whenever an
	// agent in this team debits.
	if spec.BudgetAllocated > 0 {
		if err := o.budget.SetLimit(ctx, types.ScopeTeam, teamID, types.WindowDay, spec.BudgetAllocated); err != nil {
			log.Logger.Warn().Err(err).Str("team_id", teamID).Msg("setting per-team budget ceiling failed")
		}
	}

	switch spec.Strategy {
	case types.StrategyPipeline:
		o.runPipeline(ctx, team, spec)
	case types.StrategyMapReduce:
		o.runMapReduce(ctx, team, spec)
	case types.StrategyTree:
		o.runTreeRoot(ctx, team, spec)
	default:
		o.runParallel(ctx, team, spec)
	}

	team.Status = types.TeamRunning
	if err := o.store.UpdateTeam(ctx, team); err != nil {
		return "", orcherr.Wrap(orcherr.Internal, "update team after spawn failed", err)
	}
	o.publishTeamEvent(ctx, team, types.EventTeamRunning, nil)

	return teamID, nil
}

// runParallel spawns spec.DesiredSize agents against the shared task at
// once, each budgeted at 90% of the team's allocation split evenly — the
// unreserved 10% covers the reducer/coordinator overhead the other
// strategies need, kept uniform across strategies for predictability.
func (o *Orchestrator) runParallel(ctx context.Context, team *types.Team, spec TeamSpec) {
	perAgentBudget := perAgentShare(spec.BudgetAllocated, spec.DesiredSize)

	agentIDs := make([]string, 0, spec.DesiredSize)
	for i := 0; i < spec.DesiredSize; i++ {
		agentID, err := o.lifecycle.Spawn(ctx, spec.Task, spec.TaskSpec, lifecycle.SpawnOptions{
			TeamID:      team.ID,
			BudgetLimit: perAgentBudget,
			MaxRetries:  3,
		})
		if err != nil {
			log.Logger.Error().Err(err).Str("team_id", team.ID).Msg("initial team agent spawn failed")
			continue
		}
		agentIDs = append(agentIDs, agentID)
	}
	team.AgentIDs = agentIDs
}

// runPipeline spawns the first stage synchronously (so CreateTeam's caller
// observes at least one agent immediately, like the other strategies) and
// runs the remaining desired_size-1 stages in the background, each fed the
// previous stage's result.
func (o *Orchestrator) runPipeline(ctx context.Context, team *types.Team, spec TeamSpec) {
	perAgentBudget := perAgentShare(spec.BudgetAllocated, spec.DesiredSize)

	firstID, err := o.lifecycle.Spawn(ctx, spec.Task, spec.TaskSpec, lifecycle.SpawnOptions{
		TeamID:      team.ID,
		BudgetLimit: perAgentBudget,
		MaxRetries:  3,
	})
	if err != nil {
		log.Logger.Error().Err(err).Str("team_id", team.ID).Msg("pipeline stage 1 spawn failed")
		return
	}
	team.AgentIDs = []string{firstID}

	if spec.DesiredSize <= 1 {
		return
	}
	go o.runPipelineRemainder(team.ID, firstID, spec, perAgentBudget)
}

// runPipelineRemainder drives stages 2..desired_size: each stage waits for
// the previous stage's agent to go idle, sends it the task with the prior
// result folded in, waits for it to reach a terminal state, and feeds that
// result forward.
func (o *Orchestrator) runPipelineRemainder(teamID, firstID string, spec TeamSpec, perAgentBudget float64) {
	ctx := context.Background()
	prevID := firstID
	prevResult, ok := o.dispatch(ctx, prevID, spec.Task)
	if !ok {
		return
	}

	for i := 1; i < spec.DesiredSize; i++ {
		message := fmt.Sprintf("%s\n\nPrevious stage result:\n%s", spec.Task, prevResult)
		agentID, err := o.lifecycle.Spawn(ctx, message, spec.TaskSpec, lifecycle.SpawnOptions{
			TeamID:      teamID,
			ParentID:    prevID,
			BudgetLimit: perAgentBudget,
			MaxRetries:  3,
		})
		if err != nil {
			log.Logger.Error().Err(err).Str("team_id", teamID).Int("stage", i+1).Msg("pipeline stage spawn failed")
			return
		}
		o.appendTeamAgent(ctx, teamID, agentID)

		result, ok := o.dispatch(ctx, agentID, message)
		if !ok {
			return
		}
		prevID, prevResult = agentID, result
	}
}

// runMapReduce spawns desired_size-1 mappers against the shared task at
// once (desired_size must be >= 2; a single agent falls back to a bare
// mapper with no reducer). The reducer spawn and result aggregation run in
// the background, waiting for every mapper to reach a terminal state.
func (o *Orchestrator) runMapReduce(ctx context.Context, team *types.Team, spec TeamSpec) {
	mapperCount := spec.DesiredSize - 1
	if mapperCount < 1 {
		mapperCount = spec.DesiredSize
	}
	perAgentBudget := perAgentShare(spec.BudgetAllocated, spec.DesiredSize)

	mapperIDs := make([]string, 0, mapperCount)
	for i := 0; i < mapperCount; i++ {
		agentID, err := o.lifecycle.Spawn(ctx, spec.Task, spec.TaskSpec, lifecycle.SpawnOptions{
			TeamID:      team.ID,
			BudgetLimit: perAgentBudget,
			MaxRetries:  3,
		})
		if err != nil {
			log.Logger.Error().Err(err).Str("team_id", team.ID).Msg("map_reduce mapper spawn failed")
			continue
		}
		mapperIDs = append(mapperIDs, agentID)
	}
	team.AgentIDs = mapperIDs

	if mapperCount == spec.DesiredSize || len(mapperIDs) == 0 {
		return
	}
	go o.runReducer(team.ID, mapperIDs, spec, perAgentBudget)
}

// runReducer waits for every mapper to finish, then spawns a single reducer
// agent fed every mapper's result.
func (o *Orchestrator) runReducer(teamID string, mapperIDs []string, spec TeamSpec, perAgentBudget float64) {
	ctx := context.Background()
	for _, id := range mapperIDs {
		o.sendWhenReady(ctx, id, spec.Task, dispatchTimeout)
	}
	var results []string
	for _, id := range mapperIDs {
		agent := o.awaitTerminal(ctx, id)
		if agent != nil && agent.State == types.AgentCompleted {
			results = append(results, fmt.Sprintf("[%s] %s", id, agent.Result))
		}
	}

	message := fmt.Sprintf("%s\n\nMapper results:\n%s", spec.Task, joinResults(results))
	reducerID, err := o.lifecycle.Spawn(ctx, message, spec.TaskSpec, lifecycle.SpawnOptions{
		TeamID:      teamID,
		BudgetLimit: perAgentBudget,
		MaxRetries:  3,
	})
	if err != nil {
		log.Logger.Error().Err(err).Str("team_id", teamID).Msg("map_reduce reducer spawn failed")
		return
	}
	o.appendTeamAgent(ctx, teamID, reducerID)
	o.dispatch(ctx, reducerID, message)
}

// runTreeRoot spawns the single coordinator (root, depth 0) agent of a tree
// team. Further sub-agents are added by SpawnChild, which enforces
// MaxTreeDepth and cycle-freedom against the parent chain rooted here.
func (o *Orchestrator) runTreeRoot(ctx context.Context, team *types.Team, spec TeamSpec) {
	perAgentBudget := perAgentShare(spec.BudgetAllocated, spec.DesiredSize)
	rootID, err := o.lifecycle.Spawn(ctx, spec.Task, spec.TaskSpec, lifecycle.SpawnOptions{
		TeamID:      team.ID,
		BudgetLimit: perAgentBudget,
		MaxRetries:  3,
	})
	if err != nil {
		log.Logger.Error().Err(err).Str("team_id", team.ID).Msg("tree root spawn failed")
		return
	}
	team.AgentIDs = []string{rootID}
}

// SpawnChild spawns a sub-agent beneath parentID in a tree-strategy team,
// rejecting the spawn if it would create a cycle or exceed MaxTreeDepth.
// This is the "coordinator agent may itself spawn sub-agents" path of
// spec.md §4.2 — invoked by the CLI (team spawn-child) on the coordinator's behalf,
// since the Runtime Provider has no callback into the Orchestrator today.
func (o *Orchestrator) SpawnChild(ctx context.Context, teamID, parentID, task string, taskSpec *types.TaskSpec, budgetLimit float64) (string, error) {
	parent, err := o.store.GetAgent(ctx, parentID)
	if err != nil {
		return "", orcherr.Wrap(orcherr.NotFound, "parent agent not found", err)
	}

	depth, err := treeDepth(ctx, o.store, parentID)
	if err != nil {
		return "", orcherr.Wrap(orcherr.Internal, "computing tree depth failed", err)
	}
	maxDepth := o.defaults.MaxTreeDepth
	if maxDepth <= 0 {
		maxDepth = config.DefaultTeamDefaults().MaxTreeDepth
	}
	if depth+1 > maxDepth {
		return "", orcherr.New(orcherr.InvalidInput, "spawning this child would exceed max_tree_depth")
	}

	// The child id is generated up front (via SpawnOptions.AgentID) so it can
	// be checked against parentID's existing ancestor chain before the agent
	// is created. The id is always freshly generated here, so the check
	// finds no cycle for it.
	childID := uuid.NewString()
	if cyclic, err := DetectCycle(ctx, o.store, childID, parentID); err != nil {
		return "", orcherr.Wrap(orcherr.Internal, "cycle detection failed", err)
	} else if cyclic {
		return "", orcherr.New(orcherr.InvalidInput, "spawning this child would create a parent cycle")
	}

	agentID, err := o.lifecycle.Spawn(ctx, task, taskSpec, lifecycle.SpawnOptions{
		AgentID:     childID,
		TeamID:      teamID,
		ParentID:    parentID,
		BudgetLimit: budgetLimit,
		MaxRetries:  3,
	})
	if err != nil {
		return "", err
	}

	parent.ChildIDs = append(parent.ChildIDs, agentID)
	if err := o.store.CreateAgent(ctx, parent); err != nil {
		log.Logger.Warn().Err(err).Str("agent_id", parentID).Msg("recording child on parent failed")
	}
	o.appendTeamAgent(ctx, teamID, agentID)

	return agentID, nil
}

// treeDepth counts the hops from agentID up to the root of its parent
// chain.
func treeDepth(ctx context.Context, store storage.Store, agentID string) (int, error) {
	depth := 0
	current := agentID
	seen := map[string]struct{}{}
	for current != "" {
		if _, ok := seen[current]; ok {
			return 0, fmt.Errorf("cycle detected walking parent chain at %s", current)
		}
		seen[current] = struct{}{}
		agent, err := store.GetAgent(ctx, current)
		if err != nil {
			return depth, nil
		}
		if agent.ParentID == "" {
			return depth, nil
		}
		depth++
		current = agent.ParentID
	}
	return depth, nil
}

// perAgentShare splits a team's budget evenly across size agents, reserving
// 10% of the total for coordination overhead (reducer/coordinator spawns
// that aren't accounted for in desired_size's per-stage share).
func perAgentShare(total float64, size int) float64 {
	if size <= 0 {
		return 0
	}
	return (total * 0.9) / float64(size)
}

func joinResults(results []string) string {
	out := ""
	for i, r := range results {
		if i > 0 {
			out += "\n"
		}
		out += r
	}
	return out
}

// dispatch waits for agentID to become idle, sends it message, then waits
// for it to reach a terminal state and returns its result (empty if it
// didn't complete). ok is false if the agent never left spawning/running in
// time or was never sent to.
func (o *Orchestrator) dispatch(ctx context.Context, agentID, message string) (result string, ok bool) {
	if !o.sendWhenReady(ctx, agentID, message, dispatchTimeout) {
		return "", false
	}
	agent := o.awaitTerminal(ctx, agentID)
	if agent == nil || agent.State != types.AgentCompleted {
		return "", false
	}
	return agent.Result, true
}

// dispatchTimeout bounds how long a pipeline/map_reduce stage waits for the
// previous agent to settle before giving up on the rest of the chain.
const dispatchTimeout = 10 * time.Minute

func (o *Orchestrator) sendWhenReady(ctx context.Context, agentID, message string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		agent, err := o.store.GetAgent(ctx, agentID)
		if err != nil {
			return false
		}
		switch agent.State {
		case types.AgentIdle:
			return o.lifecycle.Send(ctx, agentID, message, nil) == nil
		case types.AgentSpawning:
			time.Sleep(200 * time.Millisecond)
		default:
			return false
		}
	}
	return false
}

func (o *Orchestrator) awaitTerminal(ctx context.Context, agentID string) *types.Agent {
	deadline := time.Now().Add(dispatchTimeout)
	for time.Now().Before(deadline) {
		agent, err := o.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil
		}
		if agent.State.Terminal() {
			return agent
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil
}

// appendTeamAgent adds agentID to team's AgentIDs under the team lock, for
// agents spawned after CreateTeam's initial wave (pipeline/map_reduce later
// stages, tree children).
func (o *Orchestrator) appendTeamAgent(ctx context.Context, teamID, agentID string) {
	lock := o.lockFor(teamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := o.store.GetTeam(ctx, teamID)
	if err != nil {
		return
	}
	team.AgentIDs = append(team.AgentIDs, agentID)
	if err := o.store.UpdateTeam(ctx, team); err != nil {
		log.Logger.Warn().Err(err).Str("team_id", teamID).Msg("appending team agent failed")
	}
}

func (o *Orchestrator) publishTeamEvent(ctx context.Context, team *types.Team, eventType types.EventType, payload map[string]interface{}) {
	o.bus.PublishDurable(ctx, &types.Event{
		Type:    eventType,
		Source:  "orchestrator",
		TeamID:  team.ID,
		Payload: payload,
	})
}

// Scale computes the signed change under the team lock: positive delta
// spawns new agents, negative delta kills victims (preferring idle, then
// paused, then least-progressed running). Final size is clamped to
// [min_size, max_size].
func (o *Orchestrator) Scale(ctx context.Context, teamID string, delta int) error {
	lock := o.lockFor(teamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := o.store.GetTeam(ctx, teamID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "team not found", err)
	}

	current := len(team.AgentIDs)
	target := current + delta
	if target < team.MinSize {
		target = team.MinSize
	}
	if target > team.MaxSize {
		target = team.MaxSize
	}
	actualDelta := target - current
	if actualDelta == 0 {
		return nil
	}

	// Scaling up only makes sense for strategies where every member runs the
	// same independent unit of work; a pipeline/tree team's member count is
	// a property of its stage/branch structure, not a pool size.
	if actualDelta > 0 && team.Strategy != types.StrategyParallel && team.Strategy != types.StrategyMapReduce && team.Strategy != "" {
		return orcherr.New(orcherr.InvalidState, fmt.Sprintf("scale-up is not supported for strategy %s", team.Strategy))
	}

	direction := "up"
	if actualDelta < 0 {
		direction = "down"
	}
	defer metrics.TeamScalingEventsTotal.WithLabelValues(direction).Inc()

	if actualDelta > 0 {
		perAgentBudget := perAgentShare(team.BudgetAllocated, team.DesiredSize)
		for i := 0; i < actualDelta; i++ {
			agentID, err := o.lifecycle.Spawn(ctx, "", nil, lifecycle.SpawnOptions{
				TeamID:      teamID,
				BudgetLimit: perAgentBudget,
				MaxRetries:  3,
			})
			if err != nil {
				log.Logger.Error().Err(err).Str("team_id", teamID).Msg("scale-up spawn failed")
				continue
			}
			team.AgentIDs = append(team.AgentIDs, agentID)
		}
	} else {
		victims, err := o.selectVictims(ctx, team, -actualDelta)
		if err != nil {
			return err
		}
		for _, id := range victims {
			if err := o.lifecycle.Kill(ctx, id); err != nil {
				log.Logger.Warn().Err(err).Str("agent_id", id).Msg("scale-down kill failed")
			}
		}
		team.AgentIDs = removeAll(team.AgentIDs, victims)
	}

	team.LastScaleAt = time.Now()
	if err := o.store.UpdateTeam(ctx, team); err != nil {
		return orcherr.Wrap(orcherr.Internal, "update team after scale failed", err)
	}
	o.publishTeamEvent(ctx, team, types.EventTeamScaled, map[string]interface{}{"delta": actualDelta})
	return nil
}

func (o *Orchestrator) selectVictims(ctx context.Context, team *types.Team, n int) ([]string, error) {
	var idle, paused, running []*types.Agent
	for _, id := range team.AgentIDs {
		agent, err := o.store.GetAgent(ctx, id)
		if err != nil || agent.State.Terminal() {
			continue
		}
		switch agent.State {
		case types.AgentIdle:
			idle = append(idle, agent)
		case types.AgentPaused:
			paused = append(paused, agent)
		case types.AgentRunning:
			running = append(running, agent)
		}
	}
	sort.Slice(running, func(i, j int) bool { return running[i].SpawnedAt.After(running[j].SpawnedAt) })

	var victims []string
	for _, pool := range [][]*types.Agent{idle, paused, running} {
		for _, agent := range pool {
			if len(victims) >= n {
				return victims, nil
			}
			victims = append(victims, agent.ID)
		}
	}
	return victims, nil
}

func removeAll(ids []string, remove []string) []string {
	removeSet := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		removeSet[id] = struct{}{}
	}
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := removeSet[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Pause propagates a pause to every member agent.
func (o *Orchestrator) Pause(ctx context.Context, teamID string) error {
	return o.propagate(ctx, teamID, types.TeamPaused, types.EventTeamPaused, o.lifecycle.Pause)
}

// Resume propagates a resume to every member agent.
func (o *Orchestrator) Resume(ctx context.Context, teamID string) error {
	return o.propagate(ctx, teamID, types.TeamRunning, types.EventTeamResumed, o.lifecycle.Resume)
}

// Destroy kills every member agent and marks the team completed.
func (o *Orchestrator) Destroy(ctx context.Context, teamID string) error {
	lock := o.lockFor(teamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := o.store.GetTeam(ctx, teamID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "team not found", err)
	}

	if err := o.lifecycle.KillAll(ctx, team.AgentIDs); err != nil {
		return err
	}

	team.Status = types.TeamCompleted
	team.CompletedAt = time.Now()
	if err := o.store.UpdateTeam(ctx, team); err != nil {
		return orcherr.Wrap(orcherr.Internal, "update team after destroy failed", err)
	}
	o.publishTeamEvent(ctx, team, types.EventTeamCompleted, nil)
	return nil
}

func (o *Orchestrator) propagate(ctx context.Context, teamID string, status types.TeamStatus, eventType types.EventType, op func(context.Context, string) error) error {
	lock := o.lockFor(teamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := o.store.GetTeam(ctx, teamID)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, "team not found", err)
	}

	for _, id := range team.AgentIDs {
		if err := op(ctx, id); err != nil {
			log.Logger.Warn().Err(err).Str("agent_id", id).Str("team_id", teamID).Msg("propagate failed for agent")
		}
	}

	team.Status = status
	if err := o.store.UpdateTeam(ctx, team); err != nil {
		return orcherr.Wrap(orcherr.Internal, "update team status failed", err)
	}
	o.publishTeamEvent(ctx, team, eventType, nil)
	return nil
}

// Status reads the persisted team record; it never blocks on child
// operations.
func (o *Orchestrator) Status(ctx context.Context, teamID string) (*types.Team, error) {
	team, err := o.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.NotFound, "team not found", err)
	}
	if o.security != nil && len(team.SharedContext) > 0 {
		decrypted, err := o.security.DecryptSharedContext(team.SharedContext)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Internal, "decrypting shared context failed", err)
		}
		team.SharedContext = decrypted
	}
	return team, nil
}

// handleAgentTerminal runs on every agent_completed/failed/killed event: it
// checks whether the owning team is now fully terminal, and tracks failure
// budget crossings for a failed agent.
func (o *Orchestrator) handleAgentTerminal(e *types.Event) {
	if e.TeamID == "" {
		return
	}
	ctx := context.Background()
	lock := o.lockFor(e.TeamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := o.store.GetTeam(ctx, e.TeamID)
	if err != nil || team.Status.Terminal() {
		return
	}

	if e.Type == types.EventAgentFailed {
		o.recordFailure(ctx, team)
		if team.Status.Terminal() {
			return
		}
	}

	if o.allAgentsTerminal(ctx, team) {
		team.Status = types.TeamCompleted
		team.CompletedAt = time.Now()
		if err := o.store.UpdateTeam(ctx, team); err != nil {
			log.Logger.Error().Err(err).Str("team_id", team.ID).Msg("team completion persist failed")
			return
		}
		o.publishTeamEvent(ctx, team, types.EventTeamCompleted, nil)
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, team *types.Team) {
	team.FailureBudgetCount++
	threshold := team.FailureBudgetFraction
	if threshold <= 0 {
		threshold = o.defaults.FailureBudgetFraction
	}
	if team.DesiredSize == 0 || float64(team.FailureBudgetCount)/float64(team.DesiredSize) < threshold {
		_ = o.store.UpdateTeam(ctx, team)
		return
	}

	team.Status = types.TeamPaused
	if err := o.store.UpdateTeam(ctx, team); err != nil {
		log.Logger.Error().Err(err).Str("team_id", team.ID).Msg("team degrade persist failed")
		return
	}
	metrics.TeamDegradedTotal.Inc()
	o.publishTeamEvent(ctx, team, types.EventTeamDegraded, map[string]interface{}{
		"failure_count": team.FailureBudgetCount,
	})
}

func (o *Orchestrator) allAgentsTerminal(ctx context.Context, team *types.Team) bool {
	if len(team.AgentIDs) == 0 {
		return false
	}
	for _, id := range team.AgentIDs {
		agent, err := o.store.GetAgent(ctx, id)
		if err != nil || !agent.State.Terminal() {
			return false
		}
	}
	return true
}

// handleBudgetLadder runs on every budget_throttle/budget_exhausted event:
// spec.md §4.5 mandates that crossing throttle_pct pauses every non-critical
// agent in the crossing scope, and crossing hard_pct kills them. Nothing in
// types.Agent distinguishes a critical agent from a non-critical one (no
// such flag exists yet), so every live agent in scope is treated as
// non-critical — see DESIGN.md's Open Question decision.
func (o *Orchestrator) handleBudgetLadder(e *types.Event) {
	scopeType, _ := e.Payload["scope_type"].(string)
	scopeID, _ := e.Payload["scope_id"].(string)
	if scopeID == "" {
		return
	}
	ctx := context.Background()

	agentIDs, err := o.agentsInScope(ctx, types.BudgetScopeType(scopeType), scopeID)
	if err != nil {
		log.Logger.Warn().Err(err).Str("scope_id", scopeID).Msg("resolving budget ladder scope failed")
		return
	}

	switch e.Type {
	case types.EventBudgetExhausted:
		for _, id := range agentIDs {
			if err := o.lifecycle.Kill(ctx, id); err != nil {
				log.Logger.Warn().Err(err).Str("agent_id", id).Msg("budget-exhausted kill failed")
			}
		}
	case types.EventBudgetThrottle:
		for _, id := range agentIDs {
			if err := o.lifecycle.Pause(ctx, id); err != nil {
				log.Logger.Warn().Err(err).Str("agent_id", id).Msg("budget-throttle pause failed")
			}
		}
	}
}

// agentsInScope resolves a budget scope to the agent ids it covers: the
// single agent for ScopeAgent and every recorded member for ScopeTeam (both
// unfiltered by state), and every live (non-terminal) agent in the store for
// ScopeGlobal.
func (o *Orchestrator) agentsInScope(ctx context.Context, scopeType types.BudgetScopeType, scopeID string) ([]string, error) {
	switch scopeType {
	case types.ScopeAgent:
		return []string{scopeID}, nil
	case types.ScopeTeam:
		team, err := o.store.GetTeam(ctx, scopeID)
		if err != nil {
			return nil, err
		}
		return team.AgentIDs, nil
	case types.ScopeGlobal:
		agents, err := o.store.ListAgents(ctx, storage.AgentFilter{})
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(agents))
		for _, a := range agents {
			if !a.State.Terminal() {
				ids = append(ids, a.ID)
			}
		}
		return ids, nil
	default:
		return nil, nil
	}
}

// autoscaleLoop samples parallel-strategy teams on a fixed interval and
// scales them within their throttle interval, grounded on the teacher's
// scheduler/reconciler ticker-loop shape.
func (o *Orchestrator) autoscaleLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.autoscaleTick()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) autoscaleTick() {
	ctx := context.Background()
	teams, err := o.store.ListTeams(ctx)
	if err != nil {
		return
	}
	minInterval, err := time.ParseDuration(o.defaults.AutoscaleMinInterval)
	if err != nil {
		minInterval = time.Minute
	}
	for _, team := range teams {
		if team.Status != types.TeamRunning || team.Strategy != types.StrategyParallel {
			continue
		}
		if time.Since(team.LastScaleAt) < minInterval {
			continue
		}
		o.maybeAutoscale(ctx, team, minInterval)
	}
}

func (o *Orchestrator) maybeAutoscale(ctx context.Context, team *types.Team, _ time.Duration) {
	active := 0
	completed := 0
	for _, id := range team.AgentIDs {
		agent, err := o.store.GetAgent(ctx, id)
		if err != nil {
			continue
		}
		if agent.State.Terminal() {
			if agent.State == types.AgentCompleted {
				completed++
			}
			continue
		}
		active++
	}

	if active == 0 {
		return
	}
	utilization := float64(active) / float64(team.DesiredSize)

	switch {
	case utilization < o.defaults.AutoscaleLowWatermark && len(team.AgentIDs)-completed > team.MinSize:
		if err := o.Scale(ctx, team.ID, -1); err != nil {
			log.Logger.Warn().Err(err).Str("team_id", team.ID).Msg("autoscale down failed")
		}
	case active >= team.DesiredSize && len(team.AgentIDs) < team.MaxSize:
		rec, err := o.budget.Status(ctx, types.ScopeTeam, team.ID, types.WindowDay)
		if err == nil && (rec == nil || !rec.Exhausted) {
			if err := o.Scale(ctx, team.ID, 1); err != nil {
				log.Logger.Warn().Err(err).Str("team_id", team.ID).Msg("autoscale up failed")
			}
		}
	}
}

// DetectCycle walks the parent chain starting at childID looking for
// ancestorID, used by tree-strategy spawn() to reject cyclic child_ids
// before a sub-agent is created.
func DetectCycle(ctx context.Context, store storage.Store, ancestorID, childID string) (bool, error) {
	current := childID
	seen := map[string]struct{}{}
	for current != "" {
		if current == ancestorID {
			return true, nil
		}
		if _, ok := seen[current]; ok {
			return false, fmt.Errorf("cycle detected walking parent chain at %s", current)
		}
		seen[current] = struct{}{}
		agent, err := store.GetAgent(ctx, current)
		if err != nil {
			return false, nil
		}
		current = agent.ParentID
	}
	return false, nil
}
