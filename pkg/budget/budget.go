// Package budget implements the Budget/Safety Controller of spec.md §4.5:
// atomic per-scope token/cost counters, a warn/throttle/hard policy ladder
// published on the Event Bus, and a pricing table converting raw token
// counts into cost. Per-scope spawn-rate throttling once a scope crosses
// throttle_pct is built on golang.org/x/time/rate, grounded on
// r3e-network-service_layer's infrastructure/ratelimit.RateLimiter.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/orcherr"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
	"golang.org/x/time/rate"
)

// Ladder holds the warn/throttle/hard thresholds as a fraction of a scope's
// limit (0 < warn_pct < throttle_pct <= hard_pct <= 1.0).
type Ladder struct {
	WarnPct     float64
	ThrottlePct float64
	HardPct     float64
}

// DefaultLadder matches spec.md §4.5's stated default (hard at 100%).
func DefaultLadder() Ladder {
	return Ladder{WarnPct: 0.7, ThrottlePct: 0.9, HardPct: 1.0}
}

// Price is a model's per-token cost, in USD.
type Price struct {
	PerTokenIn  float64
	PerTokenOut float64
}

// PricingTable maps a model name to its Price. Unknown models cost 0 — the
// caller is expected to register every model it spawns agents with.
type PricingTable map[string]Price

// Decision is the outcome of a TryDebit call.
type Decision struct {
	Allowed bool
	Kind    orcherr.Kind // zero value when Allowed
	Level   Level        // highest ladder rung crossed by this debit, if any
}

// Level is a rung on the warn/throttle/hard ladder.
type Level string

const (
	LevelNone     Level = ""
	LevelWarn     Level = "warn"
	LevelThrottle Level = "throttle"
	LevelHard     Level = "hard"
)

// ScopeRef names one scope in a cascading debit's parent chain (e.g. agent
// -> team -> global).
type ScopeRef struct {
	Type types.BudgetScopeType
	ID   string
}

// Controller enforces resource limits across agent/team/project/global
// scopes, backed by a storage.Store for durable counters and an events.Bus
// for ladder notifications.
type Controller struct {
	store   storage.Store
	bus     *events.Bus
	pricing PricingTable
	ladder  Ladder

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewController constructs a Controller. A nil pricing table is treated as
// empty (every debit costs 0 until models are registered).
func NewController(store storage.Store, bus *events.Bus, pricing PricingTable, ladder Ladder) *Controller {
	if pricing == nil {
		pricing = PricingTable{}
	}
	return &Controller{
		store:    store,
		bus:      bus,
		pricing:  pricing,
		ladder:   ladder,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Cost computes the USD cost of a token usage under model's registered price.
func (c *Controller) Cost(model string, tokensIn, tokensOut int64) float64 {
	price := c.pricing[model]
	return float64(tokensIn)*price.PerTokenIn + float64(tokensOut)*price.PerTokenOut
}

// TryDebit atomically applies a usage debit to a single scope's counter for
// window. It is a thin wrapper around TryDebitCascade for callers (and
// tests) that only care about one scope; production code that owns a full
// agent->team->global chain should call TryDebitCascade directly so the
// debit lands on every parent scope in one transaction, per spec.md §4.5.
func (c *Controller) TryDebit(ctx context.Context, scopeType types.BudgetScopeType, scopeID string, window types.BudgetWindow, tokensIn, tokensOut int64, cost float64) (Decision, error) {
	return c.TryDebitCascade(ctx, []ScopeRef{{Type: scopeType, ID: scopeID}}, window, tokensIn, tokensOut, cost)
}

// TryDebitCascade atomically applies a usage debit to every scope in scopes
// (typically agent -> team -> global), enforcing each scope's hard limit
// before committing any of them (spec.md §4.5: "the debit is applied to all
// parent scopes in a single transaction"). If any single scope would cross
// its hard limit, the whole debit is rejected and no scope's counter moves —
// the read-then-write-non-atomically anti-pattern is avoided by doing the
// whole check-then-commit pass for every scope under the Controller's own
// lock, giving the same serializability a row-level transactional update
// would, via GetBudget+UpsertBudget per scope.
func (c *Controller) TryDebitCascade(ctx context.Context, scopes []ScopeRef, window types.BudgetWindow, tokensIn, tokensOut int64, cost float64) (Decision, error) {
	if len(scopes) == 0 {
		return Decision{Allowed: true}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	recs := make([]*types.BudgetRecord, len(scopes))
	for i, scope := range scopes {
		key := (types.BudgetRecord{ScopeType: scope.Type, ScopeID: scope.ID, Window: window}).Key()
		rec, err := c.store.GetBudget(ctx, key)
		if err != nil {
			return Decision{}, orcherr.Wrap(orcherr.Persistence, "budget debit failed to read record", err)
		}
		if rec == nil {
			rec = &types.BudgetRecord{ScopeType: scope.Type, ScopeID: scope.ID, Window: window}
		}
		if rec.LimitCost != nil {
			projected := rec.CostUSD + cost
			if projected > *rec.LimitCost*c.ladder.HardPct {
				return Decision{Allowed: false, Kind: orcherr.BudgetDenied, Level: LevelHard}, nil
			}
		}
		recs[i] = rec
	}

	highest := LevelNone
	for i, rec := range recs {
		rec.TokensIn += tokensIn
		rec.TokensOut += tokensOut
		rec.CostUSD += cost
		rec.LastUpdated = time.Now()

		level := c.evaluateLadder(rec)
		if level == LevelHard {
			rec.Exhausted = true
		}
		if err := c.store.UpsertBudget(ctx, rec); err != nil {
			return Decision{}, orcherr.Wrap(orcherr.Persistence, "budget debit failed to write record", err)
		}
		c.publishLadderEvent(ctx, level, scopes[i].Type, scopes[i].ID)
		if levelRank(level) > levelRank(highest) {
			highest = level
		}
	}

	return Decision{Allowed: true, Level: highest}, nil
}

func levelRank(l Level) int {
	switch l {
	case LevelWarn:
		return 1
	case LevelThrottle:
		return 2
	case LevelHard:
		return 3
	default:
		return 0
	}
}

func (c *Controller) evaluateLadder(rec *types.BudgetRecord) Level {
	if rec.LimitCost == nil || *rec.LimitCost <= 0 {
		return LevelNone
	}
	frac := rec.CostUSD / *rec.LimitCost
	switch {
	case frac >= c.ladder.HardPct:
		return LevelHard
	case frac >= c.ladder.ThrottlePct:
		return LevelThrottle
	case frac >= c.ladder.WarnPct:
		return LevelWarn
	default:
		return LevelNone
	}
}

func (c *Controller) publishLadderEvent(ctx context.Context, level Level, scopeType types.BudgetScopeType, scopeID string) {
	var eventType types.EventType
	switch level {
	case LevelWarn:
		eventType = types.EventBudgetWarning
	case LevelThrottle:
		eventType = types.EventBudgetThrottle
	case LevelHard:
		eventType = types.EventBudgetExhausted
	default:
		return
	}
	if c.bus == nil {
		return
	}
	c.bus.PublishDurable(ctx, &types.Event{
		Type:   eventType,
		Source: "budget",
		Payload: map[string]interface{}{
			"scope_type": string(scopeType),
			"scope_id":   scopeID,
		},
	})
}

// Reset zeroes scope's counter for window, as a manual operator action
// (foreman budget reset). Nothing calls it on a schedule, so daily windows
// do not roll over on their own.
func (c *Controller) Reset(ctx context.Context, scopeType types.BudgetScopeType, scopeID string, window types.BudgetWindow) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := &types.BudgetRecord{
		ScopeType:   scopeType,
		ScopeID:     scopeID,
		Window:      window,
		LastUpdated: time.Now(),
	}
	if err := c.store.UpsertBudget(ctx, rec); err != nil {
		return orcherr.Wrap(orcherr.Persistence, "budget reset failed", err)
	}
	return nil
}

// SetLimit sets scope's cost ceiling for window, creating the record if one
// doesn't exist yet, preserving any accumulated usage. Backs the CLI's
// "budget set" verb.
func (c *Controller) SetLimit(ctx context.Context, scopeType types.BudgetScopeType, scopeID string, window types.BudgetWindow, limitCost float64) error {
	key := (types.BudgetRecord{ScopeType: scopeType, ScopeID: scopeID, Window: window}).Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.store.GetBudget(ctx, key)
	if err != nil {
		return orcherr.Wrap(orcherr.Persistence, "budget set failed to read existing record", err)
	}
	if rec == nil {
		rec = &types.BudgetRecord{ScopeType: scopeType, ScopeID: scopeID, Window: window}
	}
	rec.LimitCost = &limitCost
	rec.Exhausted = false
	rec.LastUpdated = time.Now()

	if err := c.store.UpsertBudget(ctx, rec); err != nil {
		return orcherr.Wrap(orcherr.Persistence, "budget set failed to write record", err)
	}
	return nil
}

// Status returns the current BudgetRecord for scope, or nil if no debit has
// ever been made against it.
func (c *Controller) Status(ctx context.Context, scopeType types.BudgetScopeType, scopeID string, window types.BudgetWindow) (*types.BudgetRecord, error) {
	key := (types.BudgetRecord{ScopeType: scopeType, ScopeID: scopeID, Window: window}).Key()
	return c.store.GetBudget(ctx, key)
}

// AllowSpawn reports whether scope may spawn another agent right now, given
// its current ladder level: once a scope has crossed throttle_pct, spawn
// attempts are rate-limited rather than refused outright, giving operators a
// concrete throttle mechanism distinct from the hard kill at 100%.
func (c *Controller) AllowSpawn(ctx context.Context, scopeType types.BudgetScopeType, scopeID string, window types.BudgetWindow) (bool, error) {
	rec, err := c.Status(ctx, scopeType, scopeID, window)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, nil
	}
	if rec.Exhausted {
		return false, nil
	}
	if c.evaluateLadder(rec) != LevelThrottle {
		return true, nil
	}
	return c.throttleLimiter(string(scopeType) + "/" + scopeID).Allow(), nil
}

func (c *Controller) throttleLimiter(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[key]
	if !ok {
		// One spawn every 5s while throttled, small burst to absorb bursts of
		// catch-up retries.
		l = rate.NewLimiter(rate.Every(5*time.Second), 2)
		c.limiters[key] = l
	}
	return l
}
