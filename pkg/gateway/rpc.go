package gateway

import (
	"context"
	"encoding/json"

	"github.com/cuemby/foreman/pkg/orcherr"
	"github.com/cuemby/foreman/pkg/runtime"
)

// SessionInfo mirrors the backend's sessions_list response shape.
type SessionInfo struct {
	SessionKey string `json:"session_key"`
	Status     string `json:"status"`
}

// SessionsList calls sessions_list([filter]).
func (c *Client) SessionsList(ctx context.Context, filter map[string]interface{}) ([]SessionInfo, error) {
	reply, err := c.call(ctx, "sessions_list", filter, DefaultRPCTimeout)
	if err != nil {
		return nil, err
	}
	var out []SessionInfo
	if err := json.Unmarshal(reply.Payload, &out); err != nil {
		return nil, orcherr.Wrap(orcherr.Internal, "sessions_list decode failed", err)
	}
	return out, nil
}

// SessionsSpawn calls sessions_spawn(params) -> {session_key, session_id}.
func (c *Client) SessionsSpawn(ctx context.Context, params runtime.SpawnParams) (runtime.SpawnResult, error) {
	reply, err := c.call(ctx, "sessions_spawn", map[string]interface{}{
		"agent_id":          params.AgentID,
		"task":              params.Task,
		"task_spec":         params.TaskSpec,
		"safety_boundaries": params.SafetyBoundaries,
	}, DefaultRPCTimeout)
	if err != nil {
		return runtime.SpawnResult{}, err
	}
	var out struct {
		SessionKey string `json:"session_key"`
	}
	if err := json.Unmarshal(reply.Payload, &out); err != nil {
		return runtime.SpawnResult{}, orcherr.Wrap(orcherr.Internal, "sessions_spawn decode failed", err)
	}
	return runtime.SpawnResult{SessionKey: out.SessionKey}, nil
}

// SessionsSend calls sessions_send(session_key, message, attachments) ->
// {run_id, status:"accepted"}, requiring the session to exist.
func (c *Client) SessionsSend(ctx context.Context, sessionKey, message string, attachments []string) (runtime.ExecResult, error) {
	reply, err := c.call(ctx, "sessions_send", map[string]interface{}{
		"session_key": sessionKey,
		"message":     message,
		"attachments": attachments,
	}, DefaultRPCTimeout)
	if err != nil {
		return runtime.ExecResult{}, err
	}
	var out struct {
		Result    string  `json:"result"`
		TokensIn  int64   `json:"tokens_in"`
		TokensOut int64   `json:"tokens_out"`
		CostUSD   float64 `json:"cost_usd"`
	}
	if err := json.Unmarshal(reply.Payload, &out); err != nil {
		return runtime.ExecResult{}, orcherr.Wrap(orcherr.Internal, "sessions_send decode failed", err)
	}
	return runtime.ExecResult{Result: out.Result, TokensIn: out.TokensIn, TokensOut: out.TokensOut, CostUSD: out.CostUSD}, nil
}

// SessionsHistory calls sessions_history(session_key, limit?) -> Message[].
func (c *Client) SessionsHistory(ctx context.Context, sessionKey string, limit int) (json.RawMessage, error) {
	reply, err := c.call(ctx, "sessions_history", map[string]interface{}{
		"session_key": sessionKey,
		"limit":       limit,
	}, DefaultRPCTimeout)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// SessionsKill calls sessions_kill(session_key) -> void. Idempotent: an
// unknown session still returns success (spec.md §4.3).
func (c *Client) SessionsKill(ctx context.Context, sessionKey string) error {
	_, err := c.call(ctx, "sessions_kill", map[string]interface{}{
		"session_key": sessionKey,
	}, DefaultRPCTimeout)
	return err
}

// Spawn implements runtime.Provider via sessions_spawn.
func (c *Client) Spawn(ctx context.Context, params runtime.SpawnParams) (runtime.SpawnResult, error) {
	return c.SessionsSpawn(ctx, params)
}

// Kill implements runtime.Provider via sessions_kill.
func (c *Client) Kill(ctx context.Context, sessionKey string) error {
	return c.SessionsKill(ctx, sessionKey)
}

// Exec implements runtime.Provider via sessions_send.
func (c *Client) Exec(ctx context.Context, sessionKey, message string, attachments []string) (runtime.ExecResult, error) {
	return c.SessionsSend(ctx, sessionKey, message, attachments)
}

// Stat implements runtime.Provider. The external protocol has no dedicated
// status RPC (spec.md §6.3 names only sessions_list/spawn/send/history/kill
// plus the event stream), so Stat is derived from sessions_list filtered to
// this session_key.
func (c *Client) Stat(ctx context.Context, sessionKey string) (runtime.Status, error) {
	sessions, err := c.SessionsList(ctx, map[string]interface{}{"session_key": sessionKey})
	if err != nil {
		return runtime.Status{}, err
	}
	for _, s := range sessions {
		if s.SessionKey == sessionKey {
			return runtime.Status{Running: s.Status == "running" || s.Status == "idle"}, nil
		}
	}
	return runtime.Status{}, orcherr.New(orcherr.NotFound, "unknown session")
}

var _ runtime.Provider = (*Client)(nil)
