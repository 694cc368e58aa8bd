package runtime

import (
	"context"

	"github.com/cuemby/foreman/pkg/types"
)

// SpawnParams describes an agent's execution request to a Provider.
type SpawnParams struct {
	AgentID          string
	Task             string
	TaskSpec         *types.TaskSpec
	SafetyBoundaries types.SafetyBoundaries
}

// SpawnResult carries the opaque SessionHandle a Provider assigns.
type SpawnResult struct {
	SessionKey string
}

// ExecResult is one round of work: the provider's reported outcome and the
// token usage the Budget Controller debits against.
type ExecResult struct {
	Result    string
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
}

// Status reports whether a session is still alive.
type Status struct {
	Running  bool
	ExitCode int
}

// Provider is the pluggable backend that actually runs agent workloads
// (spec.md §1/§4.9). Errors returned by Spawn/Exec must be classified via
// orcherr.Kind (Transient for retryable failures, Fatal otherwise) — the
// Lifecycle Manager trusts this classification verbatim (spec.md §4.1).
type Provider interface {
	Spawn(ctx context.Context, params SpawnParams) (SpawnResult, error)
	Kill(ctx context.Context, sessionKey string) error
	Exec(ctx context.Context, sessionKey, message string, attachments []string) (ExecResult, error)
	Stat(ctx context.Context, sessionKey string) (Status, error)
}
