package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/foreman/pkg/types"
)

// MemStore is an in-memory Store used by unit tests in place of a real
// database, mirroring the shape of BoltStore's buckets with plain maps under
// one mutex. Not for production use: nothing is persisted across restarts.
type MemStore struct {
	mu sync.Mutex

	agents  map[string]*types.Agent
	teams   map[string]*types.Team
	events  []*types.Event
	budgets map[string]*types.BudgetRecord

	nextSeq  uint64
	capacity int
}

// NewMemStore constructs an empty MemStore. capacity <= 0 selects
// DefaultReplayCapacity, matching BoltStore's default.
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &MemStore{
		agents:   make(map[string]*types.Agent),
		teams:    make(map[string]*types.Team),
		budgets:  make(map[string]*types.BudgetRecord),
		capacity: capacity,
	}
}

func (s *MemStore) Close() error { return nil }

func cloneAgent(a *types.Agent) *types.Agent {
	cp := *a
	return &cp
}

func cloneTeam(t *types.Team) *types.Team {
	cp := *t
	return &cp
}

func cloneEvent(e *types.Event) *types.Event {
	cp := *e
	return &cp
}

func (s *MemStore) appendEventLocked(event *types.Event) {
	if event.Seq == 0 {
		s.nextSeq++
		event.Seq = s.nextSeq
	} else if event.Seq > s.nextSeq {
		s.nextSeq = event.Seq
	}
	s.events = append(s.events, cloneEvent(event))
	if len(s.events) > s.capacity {
		s.events = s.events[len(s.events)-s.capacity:]
	}
}

func (s *MemStore) Transition(_ context.Context, agent *types.Agent, event *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = cloneAgent(agent)
	s.appendEventLocked(event)
	return nil
}

func (s *MemStore) CreateAgent(_ context.Context, agent *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *MemStore) GetAgent(_ context.Context, id string) (*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", id)
	}
	return cloneAgent(a), nil
}

func (s *MemStore) ListAgents(_ context.Context, filter AgentFilter) ([]*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Agent
	for _, a := range s.agents {
		if filter.TeamID != "" && a.TeamID != filter.TeamID {
			continue
		}
		if filter.State != "" && a.State != filter.State {
			continue
		}
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}

func (s *MemStore) CreateTeam(_ context.Context, team *types.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[team.ID] = cloneTeam(team)
	return nil
}

func (s *MemStore) GetTeam(_ context.Context, id string) (*types.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, fmt.Errorf("team not found: %s", id)
	}
	return cloneTeam(t), nil
}

func (s *MemStore) ListTeams(_ context.Context) ([]*types.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Team
	for _, t := range s.teams {
		out = append(out, cloneTeam(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) UpdateTeam(ctx context.Context, team *types.Team) error {
	return s.CreateTeam(ctx, team)
}

func (s *MemStore) DeleteTeam(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.teams, id)
	return nil
}

func (s *MemStore) AppendEvent(_ context.Context, event *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(event)
	return nil
}

func (s *MemStore) GetEvents(_ context.Context, filter EventFilter) ([]*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Event
	for _, e := range s.events {
		if e.Seq <= filter.Since {
			continue
		}
		if !matchesFilter(e, filter) {
			continue
		}
		out = append(out, cloneEvent(e))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) GetRecentEvents(_ context.Context, n int) ([]*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.events) - n
	if start < 0 {
		start = 0
	}
	var out []*types.Event
	for _, e := range s.events[start:] {
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

func (s *MemStore) GetBudget(_ context.Context, key string) (*types.BudgetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.budgets[key]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) UpsertBudget(_ context.Context, record *types.BudgetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.budgets[record.Key()] = &cp
	return nil
}

func (s *MemStore) ListBudgets(_ context.Context, scopeType types.BudgetScopeType) ([]*types.BudgetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.BudgetRecord
	for _, r := range s.budgets {
		if scopeType != "" && r.ScopeType != scopeType {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}
