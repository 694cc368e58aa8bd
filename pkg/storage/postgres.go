package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/types"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for migrate
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig configures a client-server relational Store, grounded on
// codeready-toolchain-tarsy's pkg/database.Config shape.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// PostgresStore implements Store against PostgreSQL via jackc/pgx/v5, with
// schema managed by golang-migrate/v4 using migrations embedded at compile
// time (grounded on tarsy's pkg/database/client.go migration workflow; Ent
// itself was not carried over since it requires a code-generation step we
// cannot run here — see DESIGN.md).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the same
// row-mapping helpers run standalone or inside Transition's transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// NewPostgresStore connects, applies pending migrations, and returns a ready
// Store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "foreman", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return sourceDriver.Close()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func upsertAgent(ctx context.Context, q querier, agent *types.Agent) error {
	taskSpec, err := marshalJSON(agent.TaskSpec)
	if err != nil {
		return err
	}
	childIDs, err := marshalJSON(agent.ChildIDs)
	if err != nil {
		return err
	}
	safety, err := marshalJSON(agent.SafetyBoundaries)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO agents (id, label, model, provider, task, task_spec, state, team_id,
			parent_id, child_ids, retry_count, max_retries, last_error, budget_limit,
			safety_boundaries, spawned_at, completed_at, runtime_ms, pause_time_ns,
			session_key, retry_pending)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (id) DO UPDATE SET
			label=$2, model=$3, provider=$4, task=$5, task_spec=$6, state=$7, team_id=$8,
			parent_id=$9, child_ids=$10, retry_count=$11, max_retries=$12, last_error=$13,
			budget_limit=$14, safety_boundaries=$15, spawned_at=$16, completed_at=$17,
			runtime_ms=$18, pause_time_ns=$19, session_key=$20, retry_pending=$21`,
		agent.ID, agent.Label, agent.Model, agent.Provider, agent.Task, taskSpec, agent.State,
		agent.TeamID, agent.ParentID, childIDs, agent.RetryCount, agent.MaxRetries, agent.LastError,
		agent.BudgetLimit, safety, nullableTime(agent.SpawnedAt), nullableTime(agent.CompletedAt),
		agent.RuntimeMS, int64(agent.PauseTime), agent.SessionKey, agent.RetryPending,
	)
	return err
}

// insertEvent writes an event row. When event.Seq was already reserved
// upstream (the Event Bus mints one seq for every event — see
// events.Bus.ReserveSeq/PublishDurable — so durable storage and live
// subscribers never disagree), it is inserted explicitly and the events_seq_seq
// sequence is advanced past it so a later zero-Seq insert can't collide.
func insertEvent(ctx context.Context, q querier, event *types.Event) error {
	payload, err := marshalJSON(event.Payload)
	if err != nil {
		return err
	}
	if event.Seq != 0 {
		if _, err := q.Exec(ctx, `
			INSERT INTO events (seq, id, timestamp, type, source, agent_id, team_id, payload)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			event.Seq, event.ID, event.Timestamp, event.Type, event.Source, event.AgentID, event.TeamID, payload,
		); err != nil {
			return err
		}
		_, err = q.Exec(ctx, `SELECT setval('events_seq_seq', GREATEST($1, (SELECT last_value FROM events_seq_seq)))`, event.Seq)
		return err
	}
	return q.QueryRow(ctx, `
		INSERT INTO events (id, timestamp, type, source, agent_id, team_id, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING seq`,
		event.ID, event.Timestamp, event.Type, event.Source, event.AgentID, event.TeamID, payload,
	).Scan(&event.Seq)
}

func scanAgent(row pgx.Row) (*types.Agent, error) {
	var (
		a                        types.Agent
		taskSpec, childIDs, safe []byte
		spawnedAt                sql.NullTime
		completedAt              sql.NullTime
		pauseNS                  int64
	)
	err := row.Scan(&a.ID, &a.Label, &a.Model, &a.Provider, &a.Task, &taskSpec, &a.State, &a.TeamID,
		&a.ParentID, &childIDs, &a.RetryCount, &a.MaxRetries, &a.LastError, &a.BudgetLimit, &safe,
		&spawnedAt, &completedAt, &a.RuntimeMS, &pauseNS, &a.SessionKey, &a.RetryPending)
	if err != nil {
		return nil, err
	}
	if len(taskSpec) > 0 {
		if err := json.Unmarshal(taskSpec, &a.TaskSpec); err != nil {
			return nil, err
		}
	}
	if len(childIDs) > 0 {
		if err := json.Unmarshal(childIDs, &a.ChildIDs); err != nil {
			return nil, err
		}
	}
	if len(safe) > 0 {
		if err := json.Unmarshal(safe, &a.SafetyBoundaries); err != nil {
			return nil, err
		}
	}
	if spawnedAt.Valid {
		a.SpawnedAt = spawnedAt.Time
	}
	if completedAt.Valid {
		a.CompletedAt = completedAt.Time
	}
	a.PauseTime = time.Duration(pauseNS)
	return &a, nil
}

const agentColumns = `id, label, model, provider, task, task_spec, state, team_id, parent_id,
	child_ids, retry_count, max_retries, last_error, budget_limit, safety_boundaries,
	spawned_at, completed_at, runtime_ms, pause_time_ns, session_key, retry_pending`

func (s *PostgresStore) Transition(ctx context.Context, agent *types.Agent, event *types.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := upsertAgent(ctx, tx, agent); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *types.Agent) error {
	return upsertAgent(ctx, s.pool, agent)
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = $1", id)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent not found: %s", id)
	}
	return agent, err
}

func (s *PostgresStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*types.Agent, error) {
	query := "SELECT " + agentColumns + " FROM agents WHERE ($1 = '' OR team_id = $1) AND ($2 = '' OR state = $2) ORDER BY id"
	rows, err := s.pool.Query(ctx, query, filter.TeamID, string(filter.State))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM agents WHERE id = $1", id)
	return err
}

func (s *PostgresStore) CreateTeam(ctx context.Context, team *types.Team) error {
	agentIDs, err := marshalJSON(team.AgentIDs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO teams (id, name, status, desired_size, min_size, max_size, strategy,
			budget_allocated, budget_consumed, failure_budget_count, failure_budget_fraction,
			agent_ids, shared_context, created_at, completed_at, last_scale_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			name=$2, status=$3, desired_size=$4, min_size=$5, max_size=$6, strategy=$7,
			budget_allocated=$8, budget_consumed=$9, failure_budget_count=$10,
			failure_budget_fraction=$11, agent_ids=$12, shared_context=$13, created_at=$14,
			completed_at=$15, last_scale_at=$16`,
		team.ID, team.Name, team.Status, team.DesiredSize, team.MinSize, team.MaxSize, team.Strategy,
		team.BudgetAllocated, team.BudgetConsumed, team.FailureBudgetCount, team.FailureBudgetFraction,
		agentIDs, team.SharedContext, team.CreatedAt, nullableTime(team.CompletedAt), nullableTime(team.LastScaleAt),
	)
	return err
}

const teamColumns = `id, name, status, desired_size, min_size, max_size, strategy,
	budget_allocated, budget_consumed, failure_budget_count, failure_budget_fraction,
	agent_ids, shared_context, created_at, completed_at, last_scale_at`

func scanTeam(row pgx.Row) (*types.Team, error) {
	var (
		t                    types.Team
		agentIDs             []byte
		completedAt          sql.NullTime
		lastScaleAt          sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Name, &t.Status, &t.DesiredSize, &t.MinSize, &t.MaxSize, &t.Strategy,
		&t.BudgetAllocated, &t.BudgetConsumed, &t.FailureBudgetCount, &t.FailureBudgetFraction,
		&agentIDs, &t.SharedContext, &t.CreatedAt, &completedAt, &lastScaleAt)
	if err != nil {
		return nil, err
	}
	if len(agentIDs) > 0 {
		if err := json.Unmarshal(agentIDs, &t.AgentIDs); err != nil {
			return nil, err
		}
	}
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time
	}
	if lastScaleAt.Valid {
		t.LastScaleAt = lastScaleAt.Time
	}
	return &t, nil
}

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (*types.Team, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+teamColumns+" FROM teams WHERE id = $1", id)
	team, err := scanTeam(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("team not found: %s", id)
	}
	return team, err
}

func (s *PostgresStore) ListTeams(ctx context.Context) ([]*types.Team, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+teamColumns+" FROM teams ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*types.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

func (s *PostgresStore) UpdateTeam(ctx context.Context, team *types.Team) error {
	return s.CreateTeam(ctx, team)
}

func (s *PostgresStore) DeleteTeam(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM teams WHERE id = $1", id)
	return err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *types.Event) error {
	return insertEvent(ctx, s.pool, event)
}

const eventColumns = `id, seq, timestamp, type, source, agent_id, team_id, payload`

func scanEvent(row pgx.Row) (*types.Event, error) {
	var (
		e       types.Event
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.Seq, &e.Timestamp, &e.Type, &e.Source, &e.AgentID, &e.TeamID, &payload); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, filter EventFilter) ([]*types.Event, error) {
	query := "SELECT " + eventColumns + ` FROM events
		WHERE seq > $1
		AND ($2 = '' OR agent_id = $2)
		AND ($3 = '' OR team_id = $3)
		ORDER BY seq`
	args := []interface{}{filter.Since, filter.AgentID, filter.TeamID}
	if filter.Limit > 0 {
		query += " LIMIT $4"
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if len(filter.Types) > 0 && !matchesFilter(event, filter) {
			continue
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetRecentEvents(ctx context.Context, n int) ([]*types.Event, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+eventColumns+" FROM events ORDER BY seq DESC LIMIT $1", n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetBudget(ctx context.Context, key string) (*types.BudgetRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT scope_type, scope_id, window, tokens_in, tokens_out, cost_usd, limit_tokens,
			limit_cost, exhausted, last_updated
		FROM budgets WHERE key = $1`, key)

	var (
		r           types.BudgetRecord
		limitTokens sql.NullInt64
		limitCost   sql.NullFloat64
	)
	err := row.Scan(&r.ScopeType, &r.ScopeID, &r.Window, &r.TokensIn, &r.TokensOut, &r.CostUSD,
		&limitTokens, &limitCost, &r.Exhausted, &r.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if limitTokens.Valid {
		r.LimitTokens = &limitTokens.Int64
	}
	if limitCost.Valid {
		r.LimitCost = &limitCost.Float64
	}
	return &r, nil
}

func (s *PostgresStore) UpsertBudget(ctx context.Context, record *types.BudgetRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budgets (key, scope_type, scope_id, window, tokens_in, tokens_out, cost_usd,
			limit_tokens, limit_cost, exhausted, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (key) DO UPDATE SET
			tokens_in=$5, tokens_out=$6, cost_usd=$7, limit_tokens=$8, limit_cost=$9,
			exhausted=$10, last_updated=$11`,
		record.Key(), record.ScopeType, record.ScopeID, record.Window, record.TokensIn,
		record.TokensOut, record.CostUSD, record.LimitTokens, record.LimitCost, record.Exhausted,
		record.LastUpdated,
	)
	return err
}

func (s *PostgresStore) ListBudgets(ctx context.Context, scopeType types.BudgetScopeType) ([]*types.BudgetRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scope_type, scope_id, window, tokens_in, tokens_out, cost_usd, limit_tokens,
			limit_cost, exhausted, last_updated
		FROM budgets WHERE ($1 = '' OR scope_type = $1)`, string(scopeType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*types.BudgetRecord
	for rows.Next() {
		var (
			r           types.BudgetRecord
			limitTokens sql.NullInt64
			limitCost   sql.NullFloat64
		)
		if err := rows.Scan(&r.ScopeType, &r.ScopeID, &r.Window, &r.TokensIn, &r.TokensOut, &r.CostUSD,
			&limitTokens, &limitCost, &r.Exhausted, &r.LastUpdated); err != nil {
			return nil, err
		}
		if limitTokens.Valid {
			r.LimitTokens = &limitTokens.Int64
		}
		if limitCost.Valid {
			r.LimitCost = &limitCost.Float64
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
