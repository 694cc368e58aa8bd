// Package storage defines the durable state store used by every other
// component: agents, teams, events and budget records. Three implementations
// satisfy the same Store interface: BoltStore (embedded), PostgresStore
// (client-server relational) and MemStore (in-memory fake for tests).
package storage

import (
	"context"

	"github.com/cuemby/foreman/pkg/types"
)

// AgentFilter narrows ListAgents. Zero-value fields are unconstrained.
type AgentFilter struct {
	TeamID string
	State  types.AgentState
}

// EventFilter narrows GetEvents over the replay log.
type EventFilter struct {
	Since   uint64 // exclusive lower bound on Seq
	Limit   int
	Types   []types.EventType
	AgentID string
	TeamID  string
}

// Store is the durable state interface. Implementations must make Transition
// atomic: the agent row and the event row are written in a single
// transaction, so a reader never observes one without the other.
type Store interface {
	// Transition persists an agent's new state and appends the event that
	// caused it, in one transaction. agent.State must already reflect the
	// post-transition state.
	Transition(ctx context.Context, agent *types.Agent, event *types.Event) error

	CreateAgent(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*types.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	CreateTeam(ctx context.Context, team *types.Team) error
	GetTeam(ctx context.Context, id string) (*types.Team, error)
	ListTeams(ctx context.Context) ([]*types.Team, error)
	UpdateTeam(ctx context.Context, team *types.Team) error
	DeleteTeam(ctx context.Context, id string) error

	// AppendEvent records an event not tied to an agent transition (team
	// lifecycle, budget ladder, gateway, bus-internal events).
	AppendEvent(ctx context.Context, event *types.Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]*types.Event, error)
	GetRecentEvents(ctx context.Context, n int) ([]*types.Event, error)

	// GetBudget returns (nil, nil) if no record exists yet for the key.
	GetBudget(ctx context.Context, key string) (*types.BudgetRecord, error)
	UpsertBudget(ctx context.Context, record *types.BudgetRecord) error
	ListBudgets(ctx context.Context, scopeType types.BudgetScopeType) ([]*types.BudgetRecord, error)

	Close() error
}
