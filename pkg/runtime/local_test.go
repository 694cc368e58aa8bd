package runtime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	hasGit(t)
	repoDir := t.TempDir()
	cmds := [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
		{"commit", "--allow-empty", "-m", "init"},
	}
	for _, args := range cmds {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoDir
		require.NoError(t, cmd.Run())
	}
	return repoDir
}

func TestLocalWorktreeProvider_SpawnStatKill(t *testing.T) {
	repoDir := newTestRepo(t)
	dataDir := t.TempDir()
	p := NewLocalWorktreeProvider(repoDir, dataDir)
	ctx := context.Background()

	result, err := p.Spawn(ctx, SpawnParams{AgentID: "agent-1", Task: "do work"})
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionKey)

	if _, err := os.Stat(filepath.Join(dataDir, "agent-1", "workspace")); err != nil {
		t.Fatalf("expected worktree directory, got %v", err)
	}

	status, err := p.Stat(ctx, result.SessionKey)
	require.NoError(t, err)
	assert.True(t, status.Running)

	require.NoError(t, p.Kill(ctx, result.SessionKey))
	time.Sleep(50 * time.Millisecond)

	status, err = p.Stat(ctx, result.SessionKey)
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestLocalWorktreeProvider_Exec(t *testing.T) {
	repoDir := newTestRepo(t)
	dataDir := t.TempDir()
	p := NewLocalWorktreeProvider(repoDir, dataDir)
	ctx := context.Background()

	result, err := p.Spawn(ctx, SpawnParams{AgentID: "agent-2", Task: "do work"})
	require.NoError(t, err)

	execResult, err := p.Exec(ctx, result.SessionKey, "echo hello", nil)
	require.NoError(t, err)
	assert.Contains(t, execResult.Result, "hello")

	require.NoError(t, p.Kill(ctx, result.SessionKey))
}

func TestLocalWorktreeProvider_StatUnknownSession(t *testing.T) {
	p := NewLocalWorktreeProvider(t.TempDir(), t.TempDir())
	_, err := p.Stat(context.Background(), "missing")
	assert.Error(t, err)
}

func TestLocalWorktreeProvider_KillUnknownSessionIsNoop(t *testing.T) {
	p := NewLocalWorktreeProvider(t.TempDir(), t.TempDir())
	assert.NoError(t, p.Kill(context.Background(), "missing"))
}

func TestLocalWorktreeProvider_ImplementsProvider(t *testing.T) {
	var _ Provider = (*LocalWorktreeProvider)(nil)
	_ = types.SafetyBoundaries{}
}
