package worktree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/oracle"
)

// trialIdentity is the committer used for throwaway trial rebases, so they
// work in repositories without a configured user.
var trialIdentity = []string{"-c", "user.name=worktree-registry", "-c", "user.email=worktree-registry@localhost"}

// WorktreeInfo holds metadata about a single Git worktree entry
// as parsed from `git worktree list --porcelain` output.
//
// Example porcelain output for a single worktree block:
//
//	worktree /path/to/feature-branch
//	HEAD abc123def456
//	branch refs/heads/feature-branch
type WorktreeInfo struct {
	// Path is the absolute filesystem path to the worktree directory.
	Path string

	// Branch is the short branch name (e.g., "feature/auth").
	// Empty if the worktree is in a detached HEAD state.
	Branch string

	// HEAD is the commit SHA that the worktree currently points to.
	HEAD string

	// IsBare indicates whether this worktree entry represents a bare repository.
	IsBare bool
}

// Manager runs git against one repository.
//
// RepoPath is the trunk checkout. Registry entry paths are relative to
// BaseDir, the directory that contains the trunk checkout.
type Manager struct {
	RepoPath string
	BaseDir  string
	log      *slog.Logger
}

var (
	_ oracle.VCS       = (*Manager)(nil)
	_ oracle.Workspace = (*Manager)(nil)
)

// NewManager creates a Manager for the repository whose trunk checkout is
// repoPath. A nil logger discards output.
func NewManager(repoPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		RepoPath: repoPath,
		BaseDir:  filepath.Dir(repoPath),
		log:      logger,
	}
}

// Resolve returns the absolute path of a registry entry path.
func (m *Manager) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.BaseDir, path)
}

// BranchExists reports whether refs/heads/<name> exists.
func (m *Manager) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := m.runGit(ctx, m.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// LastCommitTime returns the committer time of HEAD in the worktree at path.
func (m *Manager) LastCommitTime(ctx context.Context, path string) (time.Time, error) {
	out, err := m.runGit(ctx, m.Resolve(path), "log", "-1", "--format=%ct")
	if err != nil {
		return time.Time{}, err
	}
	return parseUnix(strings.TrimSpace(out))
}

// CommitsAheadBehind counts the commits unique to branch (ahead) and to
// trunk (behind).
func (m *Manager) CommitsAheadBehind(ctx context.Context, branch, trunk string) (int, int, error) {
	// left side is trunk, right side is branch
	out, err := m.runGit(ctx, m.RepoPath, "rev-list", "--left-right", "--count", trunk+"..."+branch)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", out)
	}
	behind, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", out)
	}
	ahead, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", out)
	}
	return ahead, behind, nil
}

// TrialRebase replays branch onto trunk in a temporary detached worktree
// and reports the conflicting paths if the replay stops. The branch ref
// and every existing checkout are left untouched.
func (m *Manager) TrialRebase(ctx context.Context, branch, trunk string) (bool, []string, error) {
	tmp, err := os.MkdirTemp("", "wtreg-trial-")
	if err != nil {
		return false, nil, fmt.Errorf("failed to create trial directory: %w", err)
	}
	// git worktree add wants to create the directory itself
	if err := os.Remove(tmp); err != nil {
		return false, nil, fmt.Errorf("failed to prepare trial directory: %w", err)
	}
	if _, err := m.runGit(ctx, m.RepoPath, "worktree", "add", "--detach", tmp, branch); err != nil {
		return false, nil, err
	}
	defer func() {
		// cleanup must run even when ctx was cancelled mid-rebase
		cleanup := context.WithoutCancel(ctx)
		if _, err := m.runGit(cleanup, m.RepoPath, "worktree", "remove", "--force", tmp); err != nil {
			m.log.Warn("failed to remove trial worktree", "path", tmp, "err", err)
			_ = os.RemoveAll(tmp)
			_, _ = m.runGit(cleanup, m.RepoPath, "worktree", "prune")
		}
	}()

	args := append(slices.Clone(trialIdentity), "rebase", trunk)
	if _, err := m.runGit(ctx, tmp, args...); err == nil {
		return true, nil, nil
	} else if ctx.Err() != nil {
		return false, nil, ctx.Err()
	}

	conflicting, cerr := m.unmergedFiles(ctx, tmp)
	if _, err := m.runGit(context.WithoutCancel(ctx), tmp, "rebase", "--abort"); err != nil {
		m.log.Debug("trial rebase abort failed", "err", err)
	}
	if cerr != nil {
		return false, nil, cerr
	}
	if len(conflicting) == 0 {
		return false, nil, fmt.Errorf("trial rebase of %s onto %s failed without conflicts", branch, trunk)
	}
	return false, conflicting, nil
}

func (m *Manager) unmergedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := m.runGit(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// WorkingTreeClean reports whether the worktree at path has no staged,
// unstaged or untracked changes.
func (m *Manager) WorkingTreeClean(ctx context.Context, path string) (bool, error) {
	out, err := m.runGit(ctx, m.Resolve(path), "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// ChangedFiles lists the paths changed on branch since its merge base with
// trunk, sorted.
func (m *Manager) ChangedFiles(ctx context.Context, branch, trunk string) ([]string, error) {
	out, err := m.runGit(ctx, m.RepoPath, "diff", "--name-only", trunk+"..."+branch)
	if err != nil {
		return nil, err
	}
	files := splitLines(out)
	slices.Sort(files)
	return files, nil
}

// EarliestUniqueCommitTime returns the oldest committer time among the
// commits of branch that trunk does not contain.
func (m *Manager) EarliestUniqueCommitTime(ctx context.Context, branch, trunk string) (time.Time, bool, error) {
	out, err := m.runGit(ctx, m.RepoPath, "log", "--format=%ct", trunk+".."+branch)
	if err != nil {
		return time.Time{}, false, err
	}
	var earliest time.Time
	for _, line := range splitLines(out) {
		t, err := parseUnix(line)
		if err != nil {
			return time.Time{}, false, err
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest, !earliest.IsZero(), nil
}

// UpToDateWithRemote reports whether branch and <remote>/<branch> point at
// the same commit.
func (m *Manager) UpToDateWithRemote(ctx context.Context, branch, remote string) (bool, error) {
	local, err := m.runGit(ctx, m.RepoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	if err != nil {
		return false, err
	}
	upstream, err := m.runGit(ctx, m.RepoPath, "rev-parse", "--verify", "--quiet", "refs/remotes/"+remote+"/"+branch)
	if err != nil {
		if exitCode(err) == 1 {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(local) == strings.TrimSpace(upstream), nil
}

// AddWorktree creates a Git worktree at path.
//
// This method handles two cases:
//  1. If the branch does NOT already exist: creates a new branch from base
//     using `git worktree add -b <branch> <path> <base>`.
//  2. If the branch already exists: checks it out into the new worktree
//     using `git worktree add <path> <branch>`.
//
// If base is empty, HEAD is used as the starting point for the new branch.
func (m *Manager) AddWorktree(ctx context.Context, path, branch, base string) error {
	exists, err := m.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	abs := m.Resolve(path)
	if exists {
		_, err := m.runGit(ctx, m.RepoPath, "worktree", "add", abs, branch)
		return err
	}

	args := []string{"worktree", "add", "-b", branch, abs}
	if base != "" {
		args = append(args, base)
	}
	_, err = m.runGit(ctx, m.RepoPath, args...)
	return err
}

// RemoveWorktree deletes the Git worktree at path. With force, worktrees
// with uncommitted changes are removed too.
func (m *Manager) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove", m.Resolve(path)}
	if force {
		args = []string{"worktree", "remove", "--force", m.Resolve(path)}
	}
	_, err := m.runGit(ctx, m.RepoPath, args...)
	return err
}

// Rebase rebases the worktree at path onto trunk. When the rebase stops
// on conflicts it is aborted, the worktree is left as it was, and the
// conflicting paths are returned with a nil error.
func (m *Manager) Rebase(ctx context.Context, path, trunk string) ([]string, error) {
	dir := m.Resolve(path)
	if _, err := m.runGit(ctx, dir, "rebase", trunk); err == nil {
		return nil, nil
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	conflicting, cerr := m.unmergedFiles(ctx, dir)
	if _, err := m.runGit(context.WithoutCancel(ctx), dir, "rebase", "--abort"); err != nil {
		m.log.Warn("rebase abort failed", "path", dir, "err", err)
	}
	if cerr != nil {
		return nil, cerr
	}
	if len(conflicting) == 0 {
		return nil, fmt.Errorf("rebase of %s onto %s failed", path, trunk)
	}
	return conflicting, nil
}

// List returns every worktree git knows about for this repository.
func (m *Manager) List(ctx context.Context) ([]WorktreeInfo, error) {
	output, err := m.runGit(ctx, m.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelainOutput(output), nil
}

// IsWorktree checks whether the given path is a linked Git worktree.
//
// Linked worktrees have a .git FILE containing a "gitdir:" pointer, while
// the main working directory has a .git DIRECTORY.
func IsWorktree(path string) bool {
	gitPath := filepath.Join(path, ".git")

	info, err := os.Lstat(gitPath)
	if err != nil || info.IsDir() {
		return false
	}
	content, err := os.ReadFile(gitPath)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// MainRepoRoot returns the trunk checkout of the repository containing
// path, also when path is inside a linked worktree.
func MainRepoRoot(ctx context.Context, path string) (string, error) {
	m := NewManager(path, nil)
	out, err := m.runGit(ctx, path, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return "", err
	}
	return filepath.Dir(strings.TrimSpace(out)), nil
}

// runGit executes git -C dir with args.
//
// It captures both stdout and stderr. On success it returns stdout. On
// failure it returns a model.CLIError with the ExitGitError code, including
// stderr in the message; failures caused by a concurrent git process
// holding a lock are additionally marked transient for oracle.Retry.
func (m *Manager) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)

	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	m.log.Debug("git", "dir", dir, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		message := fmt.Sprintf("git %s failed", strings.Join(args, " "))
		if stderrStr != "" {
			message = fmt.Sprintf("%s: %s", message, stderrStr)
		}
		wrapped := model.WrapCLIError(model.ExitGitError, message, err)
		if strings.Contains(stderrStr, ".lock': File exists") || strings.Contains(stderrStr, "Unable to create") {
			return "", oracle.Transient(wrapped)
		}
		return "", wrapped
	}
	return stdout.String(), nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func parseUnix(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid commit timestamp %q: %w", s, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// parsePorcelainOutput parses the output of `git worktree list --porcelain`
// into a slice of WorktreeInfo structs.
//
// The porcelain format uses blank lines to separate worktree blocks.
// Each block contains key-value pairs (space-separated) and optional
// standalone markers like "bare" or "detached".
func parsePorcelainOutput(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo

	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")

	var current *WorktreeInfo
	for _, line := range lines {
		if line == "" {
			if current != nil {
				worktrees = append(worktrees, *current)
				current = nil
			}
			continue
		}

		key, value, _ := strings.Cut(line, " ")
		if current == nil && key != "worktree" {
			continue
		}
		switch key {
		case "worktree":
			current = &WorktreeInfo{Path: value}
		case "HEAD":
			current.HEAD = value
		case "branch":
			current.Branch = strings.TrimPrefix(value, "refs/heads/")
		case "bare":
			current.IsBare = true
		}
	}

	if current != nil {
		worktrees = append(worktrees, *current)
	}
	return worktrees
}
