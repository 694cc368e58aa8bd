package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/cuemby/foreman/pkg/orcherr"
	"github.com/google/uuid"
)

// session tracks one spawned agent's local child process, the way the
// teacher's worker.Worker tracks a types.Container by id under a mutex.
type session struct {
	key       string
	dir       string
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	lastExit  int
	completed bool
}

// LocalWorktreeProvider runs each agent's task as an os/exec child process
// scoped to a dedicated git working copy, the default Runtime Provider of
// spec.md §4.9.
type LocalWorktreeProvider struct {
	repoDir string // source repository worktrees are created from
	dataDir string // DATA_DIR root for per-agent workspaces

	mu       sync.Mutex
	sessions map[string]*session
}

// NewLocalWorktreeProvider constructs a provider rooted at repoDir (the git
// repository agents work against) with per-agent workspaces under dataDir.
func NewLocalWorktreeProvider(repoDir, dataDir string) *LocalWorktreeProvider {
	return &LocalWorktreeProvider{
		repoDir:  repoDir,
		dataDir:  dataDir,
		sessions: make(map[string]*session),
	}
}

// Spawn creates a git worktree for the agent and starts a detached
// placeholder child process in it. The task reaches that process only as
// the FOREMAN_TASK environment variable; work itself runs through Exec.
func (p *LocalWorktreeProvider) Spawn(ctx context.Context, params SpawnParams) (SpawnResult, error) {
	sessionKey := uuid.NewString()
	workDir := filepath.Join(p.dataDir, params.AgentID, "workspace")

	if err := p.createWorktree(ctx, workDir); err != nil {
		return SpawnResult{}, orcherr.Wrap(orcherr.Transient, "worktree creation failed", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := p.buildCommand(runCtx, workDir, params)

	if err := cmd.Start(); err != nil {
		cancel()
		return SpawnResult{}, orcherr.Wrap(orcherr.Transient, "failed to start agent process", err)
	}

	s := &session{key: sessionKey, dir: workDir, cmd: cmd, cancel: cancel}
	p.mu.Lock()
	p.sessions[sessionKey] = s
	p.mu.Unlock()

	go p.reap(s)

	return SpawnResult{SessionKey: sessionKey}, nil
}

func (p *LocalWorktreeProvider) reap(s *session) {
	err := s.cmd.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	s.completed = true
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			s.lastExit = exitErr.ExitCode()
		} else {
			s.lastExit = -1
		}
	}
}

// Kill terminates the session's process. Killing an already-completed or
// unknown session is not an error (spec.md §4.3's sessions_kill idempotence
// applies equally here).
func (p *LocalWorktreeProvider) Kill(ctx context.Context, sessionKey string) error {
	p.mu.Lock()
	s, ok := p.sessions[sessionKey]
	p.mu.Unlock()
	if !ok || s.completed {
		return nil
	}
	s.cancel()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return nil
}

// Exec runs one round of work against an already-spawned session by writing
// message to the process's stdin equivalent — here, invoking a fresh
// one-shot subprocess per message inside the same worktree, since the task
// process model is request/response rather than a long-lived REPL.
func (p *LocalWorktreeProvider) Exec(ctx context.Context, sessionKey, message string, attachments []string) (ExecResult, error) {
	p.mu.Lock()
	s, ok := p.sessions[sessionKey]
	p.mu.Unlock()
	if !ok {
		return ExecResult{}, orcherr.New(orcherr.NotFound, "unknown session")
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", message)
	cmd.Dir = s.dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stdout

	if err := cmd.Run(); err != nil {
		return ExecResult{}, orcherr.Wrap(orcherr.Transient, "exec failed", err)
	}

	return ExecResult{Result: stdout.String()}, nil
}

// Stat reports whether the session's process is still running.
func (p *LocalWorktreeProvider) Stat(ctx context.Context, sessionKey string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionKey]
	if !ok {
		return Status{}, orcherr.New(orcherr.NotFound, "unknown session")
	}
	return Status{Running: !s.completed, ExitCode: s.lastExit}, nil
}

func (p *LocalWorktreeProvider) createWorktree(ctx context.Context, workDir string) error {
	if _, err := os.Stat(workDir); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(workDir), 0o755); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "--detach", workDir)
	cmd.Dir = p.repoDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git worktree add: %w: %s", err, stderr.String())
	}
	return nil
}

func (p *LocalWorktreeProvider) buildCommand(ctx context.Context, workDir string, params SpawnParams) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", "sleep infinity")
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"FOREMAN_AGENT_ID="+params.AgentID,
		"FOREMAN_TASK="+params.Task,
	)
	return cmd
}
