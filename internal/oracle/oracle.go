// Package oracle declares the read-only collaborators the registry consults
// for facts it does not own: the version-control system and the operating
// system's network state.
//
// Implementations live in internal/worktree (git) and internal/port (OS
// probes); internal/testutil provides in-memory fakes.
package oracle

import (
	"context"
	"time"
)

// VCS answers questions about branches and working trees.
type VCS interface {
	// BranchExists reports whether a local branch exists.
	BranchExists(ctx context.Context, name string) (bool, error)

	// LastCommitTime returns the committer time of HEAD in the worktree at path.
	LastCommitTime(ctx context.Context, path string) (time.Time, error)

	// CommitsAheadBehind counts commits on branch absent from trunk (ahead)
	// and on trunk absent from branch (behind).
	CommitsAheadBehind(ctx context.Context, branch, trunk string) (ahead, behind int, err error)

	// TrialRebase replays branch onto trunk without touching any worktree
	// and reports whether it applied cleanly, or the conflicting paths.
	TrialRebase(ctx context.Context, branch, trunk string) (ok bool, conflicting []string, err error)

	// WorkingTreeClean reports whether the worktree at path has no
	// uncommitted or untracked changes.
	WorkingTreeClean(ctx context.Context, path string) (bool, error)

	// ChangedFiles lists paths changed on branch relative to its merge base
	// with trunk.
	ChangedFiles(ctx context.Context, branch, trunk string) ([]string, error)

	// EarliestUniqueCommitTime returns the committer time of the oldest
	// commit on branch absent from trunk. ok is false when there is none.
	EarliestUniqueCommitTime(ctx context.Context, branch, trunk string) (t time.Time, ok bool, err error)

	// UpToDateWithRemote reports whether branch and remote/branch point at
	// the same commit. A branch without a remote counterpart is not up to date.
	UpToDateWithRemote(ctx context.Context, branch, remote string) (bool, error)
}

// Workspace performs the mutating VCS operations behind create, remove
// and rebase. The registry never calls it while holding its lock.
type Workspace interface {
	// AddWorktree checks out branch at path, creating the branch from base
	// when it does not exist.
	AddWorktree(ctx context.Context, path, branch, base string) error

	// RemoveWorktree removes the worktree at path.
	RemoveWorktree(ctx context.Context, path string, force bool) error

	// Rebase rebases the worktree at path onto trunk. On conflict the
	// rebase is aborted and the conflicting paths are returned.
	Rebase(ctx context.Context, path, trunk string) (conflicting []string, err error)
}

// Prober inspects the host's TCP port space.
type Prober interface {
	// IsPortFree reports whether port can be bound on the loopback interface.
	IsPortFree(ctx context.Context, port int) (bool, error)

	// ListeningPID returns the PID of the process listening on port.
	// ok is false when no listener, or no owning PID, is visible.
	ListeningPID(ctx context.Context, port int) (pid int, ok bool, err error)

	// HTTPProbe reports whether GET http://127.0.0.1:<port><path> answers
	// with a status below 500.
	HTTPProbe(ctx context.Context, port int, path string) (bool, error)

	// Dial reports whether a TCP connection to port succeeds.
	Dial(ctx context.Context, port int) (bool, error)

	// Process describes the process with the given PID.
	Process(ctx context.Context, pid int) (ProcessInfo, error)
}

// ProcessInfo identifies a listening process.
type ProcessInfo struct {
	PID  int    `json:"pid"`
	Name string `json:"name,omitempty"`
	Cwd  string `json:"cwd,omitempty"`
}
