// Package runtime defines the Provider interface the core requires of
// whatever actually executes agent workloads (spec.md §1/§4.9: spawn, kill,
// exec, stat). LocalWorktreeProvider is the one concrete backend shipped
// here: it gives each agent its own git working copy under
// DATA_DIR/<agent>/workspace (keyed by agent id only; workspaces are not
// grouped by team), keeps a placeholder child process running there via
// os/exec, and runs each Exec message as a shell command in that directory,
// tracking PID and exit status the way the teacher's
// pkg/worker tracks container state — with os/exec standing in for
// container/VM provisioning, which stays out of scope. The Gateway Client
// (pkg/gateway) is the second Provider implementation, executing agents as
// remote sessions instead of local processes.
package runtime
